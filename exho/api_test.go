package exho

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAPI(t testing.TB) (*Exho, *API) {
	t.Helper()
	cfg := DefaultTestConfig(t)
	cfg.API.Enabled = true
	e, _ := newTestExho(t, cfg, nil)
	require.NotNil(t, e.api)
	return e, e.api
}

func TestAPI_HealthCheck(t *testing.T) {
	t.Parallel()
	_, api := newTestAPI(t)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, apiHealthCheck, nil)
	api.engine.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(xRequestIDHeader))

	var resp healthCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.QueueSize)
	assert.False(t, resp.DiscordGatewayConnected)
}

func TestAPI_Status(t *testing.T) {
	t.Parallel()
	e, api := newTestAPI(t)
	e.messagesHandled.Add(2)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, apiPrefix+apiPathStatus, nil)
		req.Header.Set(xRequestIDHeader, "req-1")
		api.engine.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "req-1", w.Header().Get(xRequestIDHeader))

		var snapshot statusSnapshot
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
		assert.Equal(t, Version, snapshot.Version)
		assert.EqualValues(t, 2, snapshot.MessagesHandled)
		assert.Equal(t, DefaultChatModel, snapshot.TextModel)
		assert.Equal(t, i+1, snapshot.RequestMetrics["GET /api/status"])
	}
}

func TestAPI_NotFound(t *testing.T) {
	t.Parallel()
	_, api := newTestAPI(t)
	w := httptest.NewRecorder()
	api.engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, apiPrefix+apiPathStatus, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPI_Serve(t *testing.T) {
	t.Parallel()
	_, api := newTestAPI(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	api.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- api.Serve(ctx)
	}()

	url := fmt.Sprintf("http://%s%s", ln.Addr().String(), apiHealthCheck)
	require.Eventually(
		t, func() bool {
			resp, err := http.Get(url) //nolint:noctx
			if err != nil {
				return false
			}
			_ = resp.Body.Close()
			return resp.StatusCode == http.StatusOK
		},
		2*time.Second,
		10*time.Millisecond,
	)

	cancel()
	select {
	case err = <-serveErr:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
