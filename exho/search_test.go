package exho

import (
	"context"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

const testSearchResponse = `{
  "kind": "customsearch#search",
  "items": [
    {"title": "台北天氣", "snippet": "晴時多雲 28°C"},
    {"title": "一週預報", "snippet": "週末有雨"},
    {"title": "空氣品質", "snippet": "良好"}
  ]
}`

func newTestSearchServer(t testing.TB, status int, body string) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	calls := &atomic.Int64{}
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				q := r.URL.Query()
				if q.Get("key") != "test-key" || q.Get("cx") != "test-cx" || q.Get("q") == "" {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				_, _ = w.Write([]byte(body))
			},
		),
	)
	t.Cleanup(srv.Close)
	return srv, calls
}

func testSearchConfig(endpoint string) *SearchConfig {
	return &SearchConfig{
		APIKey:      "test-key",
		EngineID:    "test-cx",
		Endpoint:    endpoint,
		ResultCount: 2,
	}
}

func TestWebSearch(t *testing.T) {
	t.Parallel()
	srv, calls := newTestSearchServer(t, http.StatusOK, testSearchResponse)
	ws := NewWebSearch(testSearchConfig(srv.URL), srv.Client())
	require.True(t, ws.Enabled())

	results, err := ws.Search(context.Background(), "今天天氣如何？")
	require.NoError(t, err)
	assert.Equal(t, "• 台北天氣：晴時多雲 28°C\n• 一週預報：週末有雨", results)
	assert.EqualValues(t, 1, calls.Load())
}

func TestWebSearch_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	srv, _ := newTestSearchServer(t, http.StatusTooManyRequests, `{"error": {}}`)
	_, err := NewWebSearch(testSearchConfig(srv.URL), srv.Client()).Search(ctx, "q")
	assert.Error(t, err)

	srv, _ = newTestSearchServer(t, http.StatusOK, `<html>`)
	_, err = NewWebSearch(testSearchConfig(srv.URL), srv.Client()).Search(ctx, "q")
	assert.Error(t, err)

	srv, _ = newTestSearchServer(t, http.StatusOK, `{}`)
	results, err := NewWebSearch(testSearchConfig(srv.URL), srv.Client()).Search(ctx, "q")
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestWebSearch_Disabled(t *testing.T) {
	t.Parallel()
	srv, calls := newTestSearchServer(t, http.StatusOK, testSearchResponse)
	cfg := testSearchConfig(srv.URL)
	cfg.EngineID = ""
	ws := NewWebSearch(cfg, srv.Client())
	assert.False(t, ws.Enabled())

	results, err := ws.Search(context.Background(), "q")
	assert.NoError(t, err)
	assert.Empty(t, results)
	assert.Zero(t, calls.Load())
}

func TestSearchEnricher(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		answer      string
		wantResults bool
	}{
		{name: "yes", answer: "YES", wantResults: true},
		{name: "lowercase yes with punctuation", answer: " yes. ", wantResults: true},
		{name: "no", answer: "NO", wantResults: false},
		{name: "empty", answer: "", wantResults: false},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(
			tc.name, func(t *testing.T) {
				t.Parallel()
				srv, calls := newTestSearchServer(t, http.StatusOK, testSearchResponse)
				client := newMockChatClient(scriptedReplies(modelResponse{Text: tc.answer}))
				queue := NewRequestQueue(&QueueConfig{Size: 1}, nil)
				ctx, cancel := context.WithCancel(context.Background())
				defer cancel()
				go func() {
					_ = queue.Run(ctx)
				}()

				enricher := NewSearchEnricher(
					NewWebSearch(testSearchConfig(srv.URL), srv.Client()),
					client,
					queue,
					"test-model",
					time.Second,
					nil,
				)
				results := enricher.Enrich(ctx, "今天天氣如何？")

				reqs := client.Requests()
				require.Len(t, reqs, 1)
				assert.Equal(t, searchClassifierMaxTokens, reqs[0].MaxTokens)
				assert.Equal(t, "test-model", reqs[0].Model)
				require.Len(t, reqs[0].Messages, 2)
				assert.Equal(t, openai.ChatMessageRoleSystem, reqs[0].Messages[0].Role)
				assert.Contains(t, reqs[0].Messages[0].Content, "「今天天氣如何？」")
				assert.EqualValues(t, 1, queue.Dispatched())

				if tc.wantResults {
					assert.Contains(t, results, "• 台北天氣")
					assert.EqualValues(t, 1, calls.Load())
				} else {
					assert.Empty(t, results)
					assert.Zero(t, calls.Load())
				}
			},
		)
	}
}

func TestSearchEnricher_Disabled(t *testing.T) {
	t.Parallel()
	client := newMockChatClient(nil)
	enricher := NewSearchEnricher(
		NewWebSearch(&SearchConfig{}, nil),
		client,
		NewRequestQueue(&QueueConfig{Size: 1}, nil),
		"test-model",
		time.Second,
		nil,
	)
	// the queue isn't running, so this would block if the classifier ran
	assert.Empty(t, enricher.Enrich(context.Background(), "hello"))
	assert.Empty(t, client.Requests())

	var nilEnricher *SearchEnricher
	assert.Empty(t, nilEnricher.Enrich(context.Background(), "hello"))
}

func TestSearchEnricher_SearchFailure(t *testing.T) {
	t.Parallel()
	srv, _ := newTestSearchServer(t, http.StatusInternalServerError, "")
	client := newMockChatClient(scriptedReplies(modelResponse{Text: "YES"}))
	queue := NewRequestQueue(&QueueConfig{Size: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = queue.Run(ctx)
	}()

	enricher := NewSearchEnricher(
		NewWebSearch(testSearchConfig(srv.URL), srv.Client()),
		client,
		queue,
		"test-model",
		time.Second,
		nil,
	)
	assert.Empty(t, enricher.Enrich(ctx, "最新新聞"))
}

// hangingChatClient never answers. Calls only end when their context does.
type hangingChatClient struct {
	calls atomic.Int64
}

func (c *hangingChatClient) CreateChatCompletion(
	ctx context.Context,
	_ openai.ChatCompletionRequest,
) (openai.ChatCompletionResponse, error) {
	c.calls.Add(1)
	<-ctx.Done()
	return openai.ChatCompletionResponse{}, ctx.Err()
}

func TestSearchEnricher_ClassifierTimeout(t *testing.T) {
	t.Parallel()
	srv, calls := newTestSearchServer(t, http.StatusOK, testSearchResponse)
	client := &hangingChatClient{}
	queue := NewRequestQueue(&QueueConfig{Size: 2}, nil)
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = queue.Run(runCtx)
	}()

	enricher := NewSearchEnricher(
		NewWebSearch(testSearchConfig(srv.URL), srv.Client()),
		client,
		queue,
		"test-model",
		100*time.Millisecond,
		nil,
	)

	// no deadline on the caller's side
	done := make(chan string, 1)
	go func() {
		done <- enricher.Enrich(context.WithoutCancel(runCtx), "今天天氣如何？")
	}()

	select {
	case results := <-done:
		assert.Empty(t, results)
	case <-time.After(5 * time.Second):
		t.Fatal("classifier call was never cut off")
	}
	assert.EqualValues(t, 1, client.calls.Load())
	assert.Zero(t, calls.Load())

	// the queue is free for the next unit
	ran := false
	require.NoError(
		t, queue.Do(
			context.Background(), func(context.Context) error {
				ran = true
				return nil
			},
		),
	)
	assert.True(t, ran)
}
