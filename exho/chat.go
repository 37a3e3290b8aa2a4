package exho

import (
	"context"
	"errors"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"log/slog"
	"strings"
	"time"
)

const (
	imageDescriptionPrefix = "圖片描述："
	defaultImageExtra      = "請根據圖片內容自然回應，並詳細描述你看到的細節"
)

// ChatRequest is a single user turn
type ChatRequest struct {
	UserID  string
	Content string

	// Extra is appended to the system preamble
	Extra string

	// Images are URLs of images attached to the message
	Images []string
}

// ChatPipeline produces replies for user turns: it describes images,
// looks up fresh information when needed, calls the text model through
// the request queue, and records the exchange in the user's history.
type ChatPipeline struct {
	config      *ChatConfig
	client      ChatClient
	prompts     *PromptBuilder
	store       *ConversationStore
	queue       *RequestQueue
	vision      ImageDescriber
	search      *SearchEnricher
	memoryLimit int
	logger      *slog.Logger
}

func NewChatPipeline(
	config *ChatConfig,
	client ChatClient,
	prompts *PromptBuilder,
	store *ConversationStore,
	queue *RequestQueue,
	vision ImageDescriber,
	search *SearchEnricher,
	memoryLimit int,
	logger *slog.Logger,
) *ChatPipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatPipeline{
		config:      config,
		client:      client,
		prompts:     prompts,
		store:       store,
		queue:       queue,
		vision:      vision,
		search:      search,
		memoryLimit: memoryLimit,
		logger:      logger,
	}
}

// Chat returns the reply for req. It always returns a non-empty string:
// when the model can't produce a usable reply, one of the configured
// fallback replies is returned instead.
func (c *ChatPipeline) Chat(ctx context.Context, req ChatRequest) string {
	logger := contextLoggerOr(ctx, c.logger).With(
		"turn_id", uuid.NewString(),
		"user_id", req.UserID,
	)
	ctx = WithLogger(ctx, logger)

	content, extra := c.relayImages(ctx, req)
	searchInfo := c.search.Enrich(ctx, content)

	state := newTurnState(c.config.MaxAttempts, c.config.FallbackErrorReply, c.config.FallbackEmptyReply)
	err := c.queue.Do(
		ctx, func(ctx context.Context) error {
			prompt := c.prompts.Build(ctx, req.UserID, content, extra, searchInfo)
			state = c.runTurn(ctx, prompt, state)
			if state.Phase == turnSucceeded {
				memory := appendTurn(
					prompt.Memory,
					ConversationTurn{
						Role:      RoleAssistant,
						Message:   state.Reply,
						Timestamp: c.prompts.timestamp(),
					},
					c.memoryLimit,
				)
				c.store.Save(ctx, req.UserID, memory)
			}
			return nil
		},
	)
	if err != nil {
		logger.ErrorContext(ctx, "chat request not run", tint.Err(err))
		return c.config.FallbackErrorReply
	}

	logger.InfoContext(
		ctx,
		"chat turn finished",
		"phase", state.Phase.String(),
		"attempts", state.Attempt,
		"reply_length", len(state.Reply),
	)
	return state.Reply
}

// relayImages replaces the request content with descriptions of the
// attached images, followed by the user's own text
func (c *ChatPipeline) relayImages(ctx context.Context, req ChatRequest) (content, extra string) {
	content, extra = req.Content, req.Extra
	if len(req.Images) == 0 || c.vision == nil {
		return content, extra
	}

	descriptions := make([]string, 0, len(req.Images))
	for _, img := range req.Images {
		descriptions = append(descriptions, c.vision.Describe(ctx, img))
	}

	var sb strings.Builder
	sb.WriteString(imageDescriptionPrefix)
	sb.WriteString(strings.Join(descriptions, "\n"))
	if text := strings.TrimSpace(req.Content); text != "" {
		sb.WriteString("\n\n")
		sb.WriteString(text)
	}
	if extra == "" {
		extra = defaultImageExtra
	}
	return sb.String(), extra
}

// runTurn calls the model until stepTurn reaches a final state
func (c *ChatPipeline) runTurn(ctx context.Context, prompt Prompt, state turnState) turnState {
	logger := contextLoggerOr(ctx, c.logger)
	for !state.done() {
		attempt := state.Attempt
		text, err := c.complete(ctx, prompt, attempt)
		state = stepTurn(state, modelResponse{Text: text, Err: err})

		switch {
		case err != nil:
			logger.WarnContext(ctx, "model call failed", "attempt", attempt, tint.Err(err))
		case state.Phase != turnSucceeded:
			logger.WarnContext(
				ctx,
				"rejected model reply",
				"attempt", attempt,
				"reply", truncate(text, 200),
			)
		}
	}
	return state
}

// complete makes a single text model call for prompt
func (c *ChatPipeline) complete(ctx context.Context, prompt Prompt, attempt int) (string, error) {
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	message := prompt.Message
	if attempt > 1 {
		message += retryWarning
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(prompt.History)+2)
	messages = append(
		messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: prompt.Preamble},
	)
	for _, turn := range prompt.History {
		messages = append(messages, turn.chatMessage())
	}
	messages = append(
		messages,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: message},
	)

	start := time.Now()
	resp, err := c.client.CreateChatCompletion(
		ctx,
		openai.ChatCompletionRequest{
			Model:       c.config.Model,
			Messages:    messages,
			Temperature: c.config.Temperature,
			TopP:        c.config.TopP,
			MaxTokens:   c.config.MaxTokens,
			Stop:        replyStopSequences,
		},
	)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			contextLoggerOr(ctx, c.logger).DebugContext(
				ctx,
				"api error",
				"status_code", apiErr.HTTPStatusCode,
				"type", apiErr.Type,
			)
		}
		return "", err
	}
	contextLoggerOr(ctx, c.logger).DebugContext(
		ctx,
		"model call completed",
		"attempt", attempt,
		"elapsed", time.Since(start),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
	)
	return firstChoice(resp), nil
}
