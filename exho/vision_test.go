package exho

import (
	"context"
	"encoding/base64"
	"errors"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

var testImageBytes = []byte("\x89PNG\r\n\x1a\nnot-really-a-png")

func newTestImageServer(t testing.TB) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				if strings.HasPrefix(r.URL.Path, "/missing") {
					w.WriteHeader(http.StatusNotFound)
					return
				}
				_, _ = w.Write(testImageBytes)
			},
		),
	)
	t.Cleanup(srv.Close)
	return srv
}

func testVisionConfig() *VisionConfig {
	cfg := DefaultConfig().Vision
	cfg.Token = "test-vision-token"
	return cfg
}

func TestImageMIMEType(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"https://cdn.discordapp.com/attachments/1/2/cat.png":           "image/png",
		"https://cdn.discordapp.com/attachments/1/2/cat.PNG?ex=1&is=2": "image/png",
		"https://cdn.discordapp.com/attachments/1/2/cat.webp":          "image/webp",
		"https://cdn.discordapp.com/attachments/1/2/cat.gif":           "image/gif",
		"https://cdn.discordapp.com/attachments/1/2/cat.jpeg":          "image/jpeg",
		"https://cdn.discordapp.com/attachments/1/2/cat":               "image/jpeg",
	}
	for u, want := range tests {
		assert.Equal(t, want, imageMIMEType(u), u)
	}
}

func TestVision_Describe(t *testing.T) {
	t.Parallel()
	srv := newTestImageServer(t)
	client := newMockChatClient(scriptedReplies(modelResponse{Text: "  一隻橘色的貓  "}))
	v := NewVision(testVisionConfig(), client, srv.Client(), nil)

	desc := v.Describe(context.Background(), srv.URL+"/cat.png")
	assert.Equal(t, "一隻橘色的貓", desc)

	reqs := client.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, DefaultVisionModel, reqs[0].Model)
	require.Len(t, reqs[0].Messages, 1)
	parts := reqs[0].Messages[0].MultiContent
	require.Len(t, parts, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, parts[0].Type)
	assert.Equal(t, DefaultVisionPrompt, parts[0].Text)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(
		t,
		"data:image/png;base64,"+base64.StdEncoding.EncodeToString(testImageBytes),
		parts[1].ImageURL.URL,
	)
}

func TestVision_DescribeFailures(t *testing.T) {
	t.Parallel()
	srv := newTestImageServer(t)
	ctx := context.Background()

	t.Run(
		"missing token", func(t *testing.T) {
			t.Parallel()
			cfg := testVisionConfig()
			cfg.Token = ""
			client := newMockChatClient(nil)
			v := NewVision(cfg, client, srv.Client(), nil)
			assert.Equal(t, visionErrMissingKey, v.Describe(ctx, srv.URL+"/cat.png"))
			assert.Empty(t, client.Requests())
		},
	)

	t.Run(
		"download failure", func(t *testing.T) {
			t.Parallel()
			client := newMockChatClient(nil)
			v := NewVision(testVisionConfig(), client, srv.Client(), nil)
			desc := v.Describe(ctx, srv.URL+"/missing.png")
			assert.Equal(t, visionErrPrefix+"圖片下載失敗: 404", desc)
			assert.Empty(t, client.Requests())
		},
	)

	t.Run(
		"model error", func(t *testing.T) {
			t.Parallel()
			client := newMockChatClient(scriptedReplies(modelResponse{Err: errors.New("quota exceeded")}))
			v := NewVision(testVisionConfig(), client, srv.Client(), nil)
			assert.Equal(t, visionErrPrefix+"quota exceeded", v.Describe(ctx, srv.URL+"/cat.jpg"))
		},
	)

	t.Run(
		"empty description", func(t *testing.T) {
			t.Parallel()
			client := newMockChatClient(scriptedReplies(modelResponse{Text: "\n"}))
			v := NewVision(testVisionConfig(), client, srv.Client(), nil)
			assert.Equal(t, visionEmptyReply, v.Describe(ctx, srv.URL+"/cat.jpg"))
		},
	)
}
