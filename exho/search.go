package exho

import (
	"context"
	"errors"
	"fmt"
	"github.com/lmittmann/tint"
	"github.com/sashabaranov/go-openai"
	"github.com/tidwall/gjson"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	searchClassifierMaxTokens = 10
	searchClassifierYes       = "YES"
	searchResponseLimit       = 1 << 20
)

// Searcher looks up fresh information for a message
type Searcher interface {
	// Enabled reports whether searches can be made at all
	Enabled() bool

	// Search returns a formatted summary of the top results, or an
	// empty string if there were none
	Search(ctx context.Context, query string) (string, error)
}

// WebSearch queries the Google Custom Search JSON API
type WebSearch struct {
	config     *SearchConfig
	httpClient *http.Client
}

func NewWebSearch(config *SearchConfig, httpClient *http.Client) *WebSearch {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &WebSearch{config: config, httpClient: httpClient}
}

func (w *WebSearch) Enabled() bool {
	return w.config.APIKey != "" && w.config.EngineID != ""
}

func (w *WebSearch) Search(ctx context.Context, query string) (string, error) {
	if !w.Enabled() {
		return "", nil
	}
	if w.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.config.Timeout)
		defer cancel()
	}

	u, err := url.Parse(w.config.Endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid search endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", w.config.APIKey)
	q.Set("cx", w.config.EngineID)
	q.Set("q", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("search request failed: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, searchResponseLimit))
	if err != nil {
		return "", err
	}
	if !gjson.ValidBytes(body) {
		return "", errors.New("search response is not valid JSON")
	}
	return formatSearchResults(body, w.config.ResultCount), nil
}

// formatSearchResults renders the first n items of a CSE response as
// "• title：snippet" lines
func formatSearchResults(body []byte, n int) string {
	items := gjson.GetBytes(body, "items").Array()
	if len(items) > n {
		items = items[:n]
	}
	lines := make([]string, 0, len(items))
	for _, item := range items {
		lines = append(
			lines,
			fmt.Sprintf("• %s：%s", item.Get("title").String(), item.Get("snippet").String()),
		)
	}
	return strings.Join(lines, "\n")
}

// SearchEnricher asks the text model whether a message needs fresh
// information, and if so, runs a web search for it.
type SearchEnricher struct {
	search Searcher
	client ChatClient
	queue  *RequestQueue
	model  string

	// timeout bounds the classifier call, which holds the queue while
	// it runs
	timeout time.Duration
	logger  *slog.Logger
}

func NewSearchEnricher(
	search Searcher,
	client ChatClient,
	queue *RequestQueue,
	model string,
	timeout time.Duration,
	logger *slog.Logger,
) *SearchEnricher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchEnricher{
		search:  search,
		client:  client,
		queue:   queue,
		model:   model,
		timeout: timeout,
		logger:  logger,
	}
}

func searchClassifierPreamble(content string) string {
	return "你現在是判斷助手，只回一個字：YES 或 NO。\n" +
		"判斷這句話是否需要「查詢最新網路資訊」才能正確回答？\n" +
		"例如：\n" +
		"「今天天氣如何？」→ YES\n" +
		"「你好可愛」→ NO\n" +
		"「2025總統是誰？」→ YES\n" +
		"現在判斷：「" + content + "」"
}

// Enrich returns search results relevant to content, or an empty
// string if no search was needed or anything failed along the way.
func (s *SearchEnricher) Enrich(ctx context.Context, content string) string {
	if s == nil || s.search == nil || !s.search.Enabled() {
		return ""
	}
	logger := contextLoggerOr(ctx, s.logger)

	var answer string
	err := s.queue.Do(
		ctx, func(ctx context.Context) error {
			if s.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, s.timeout)
				defer cancel()
			}
			resp, err := s.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model: s.model,
					Messages: []openai.ChatCompletionMessage{
						{
							Role:    openai.ChatMessageRoleSystem,
							Content: searchClassifierPreamble(content),
						},
						{Role: openai.ChatMessageRoleUser, Content: content},
					},
					// go-openai omits a zero temperature
					Temperature: math.SmallestNonzeroFloat32,
					MaxTokens:   searchClassifierMaxTokens,
				},
			)
			if err != nil {
				return err
			}
			answer = firstChoice(resp)
			return nil
		},
	)
	if err != nil {
		logger.WarnContext(ctx, "search classifier failed, skipping search", tint.Err(err))
		return ""
	}

	needsSearch := strings.Contains(
		strings.ToUpper(strings.TrimSpace(answer)),
		searchClassifierYes,
	)
	logger.DebugContext(ctx, "search classifier", "answer", answer, "search", needsSearch)
	if !needsSearch {
		return ""
	}

	results, err := s.search.Search(ctx, content)
	if err != nil {
		logger.WarnContext(ctx, "search failed, ignoring", tint.Err(err))
		return ""
	}
	logger.InfoContext(ctx, "added search results", "length", len(results))
	return results
}
