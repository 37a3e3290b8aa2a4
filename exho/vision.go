package exho

import (
	"context"
	"encoding/base64"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
)

const (
	visionErrMissingKey = "圖片分析失敗：缺少 Gemini API Key"
	visionErrPrefix     = "圖片分析失敗："
	visionEmptyReply    = "無法辨識圖片內容。"

	// maxImageSize caps image downloads. Discord attachments on
	// unboosted servers are limited to 25MiB.
	maxImageSize = 25 << 20
)

// ImageDescriber turns an image into a text description. It never
// fails: problems are reported in the returned text.
type ImageDescriber interface {
	Describe(ctx context.Context, imageURL string) string
}

// Vision describes images using a multimodal model behind an
// OpenAI-compatible endpoint
type Vision struct {
	config     *VisionConfig
	client     ChatClient
	httpClient *http.Client
	logger     *slog.Logger
}

func NewVision(
	config *VisionConfig,
	client ChatClient,
	httpClient *http.Client,
	logger *slog.Logger,
) *Vision {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vision{
		config:     config,
		client:     client,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (v *Vision) Describe(ctx context.Context, imageURL string) string {
	logger := contextLoggerOr(ctx, v.logger)

	if v.config.Token == "" {
		logger.ErrorContext(ctx, "vision token not set")
		return visionErrMissingKey
	}

	if v.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.config.Timeout)
		defer cancel()
	}

	text, err := v.describe(ctx, imageURL)
	if err != nil {
		logger.ErrorContext(ctx, "image description failed", "url", imageURL, tint.Err(err))
		return visionErrPrefix + err.Error()
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return visionEmptyReply
	}
	logger.InfoContext(ctx, "described image", "url", imageURL, "length", len(text))
	return text
}

func (v *Vision) describe(ctx context.Context, imageURL string) (string, error) {
	data, err := v.download(ctx, imageURL)
	if err != nil {
		return "", err
	}
	dataURI := fmt.Sprintf(
		"data:%s;base64,%s",
		imageMIMEType(imageURL),
		base64.StdEncoding.EncodeToString(data),
	)

	resp, err := v.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model: v.config.Model,
			Messages: []openai.ChatCompletionMessage{
				{
					Role: openai.ChatMessageRoleUser,
					MultiContent: []openai.ChatMessagePart{
						{
							Type: openai.ChatMessagePartTypeText,
							Text: v.config.Prompt,
						},
						{
							Type:     openai.ChatMessagePartTypeImageURL,
							ImageURL: &openai.ChatMessageImageURL{URL: dataURI},
						},
					},
				},
			},
		},
	)
	if err != nil {
		return "", err
	}
	return firstChoice(resp), nil
}

func (v *Vision) download(ctx context.Context, imageURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("圖片下載失敗: %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
}

// imageMIMEType guesses the image type from the URL's path extension,
// defaulting to image/jpeg
func imageMIMEType(imageURL string) string {
	p := imageURL
	if u, err := url.Parse(imageURL); err == nil {
		p = u.Path
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	default:
		return "image/jpeg"
	}
}
