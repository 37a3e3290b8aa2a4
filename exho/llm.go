package exho

import (
	"context"
	"github.com/sashabaranov/go-openai"
	"net/http"
)

// ChatClient is the subset of the OpenAI client used for chat
// completions. Both the text model and the vision model are reached
// through OpenAI-compatible endpoints.
type ChatClient interface {
	CreateChatCompletion(
		ctx context.Context,
		req openai.ChatCompletionRequest,
	) (openai.ChatCompletionResponse, error)
}

// newChatClient returns an OpenAI client pointed at baseURL
func newChatClient(token, baseURL string, httpClient *http.Client) *openai.Client {
	clientCfg := openai.DefaultConfig(token)
	if baseURL != "" {
		clientCfg.BaseURL = baseURL
	}
	if httpClient != nil {
		clientCfg.HTTPClient = httpClient
	}
	return openai.NewClientWithConfig(clientCfg)
}

// firstChoice returns the content of the first choice, or an empty
// string if the response has none
func firstChoice(resp openai.ChatCompletionResponse) string {
	if len(resp.Choices) == 0 {
		return ""
	}
	return resp.Choices[0].Message.Content
}
