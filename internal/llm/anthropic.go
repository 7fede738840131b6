package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/reviewloop/reviewloop/internal/errors"
)

// Anthropic API constants.
const (
	defaultBaseURL   = "https://api.anthropic.com"
	anthropicVersion = "2023-06-01"

	// DefaultTimeout bounds a single completion request.
	DefaultTimeout = 120 * time.Second

	// maxRetryAfter caps how long a server rate-limit hint is honored.
	maxRetryAfter = 60 * time.Second
)

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	// APIKey authenticates requests (ANTHROPIC_API_KEY).
	APIKey string
	// Model is the default model (DefaultModel when empty).
	Model string
	// BaseURL overrides the API endpoint, used in tests.
	BaseURL string
	// Timeout bounds a single request.
	Timeout time.Duration
}

// AnthropicClient talks to the Anthropic Messages API.
type AnthropicClient struct {
	client  *http.Client
	config  AnthropicConfig
	breaker *errors.CircuitBreaker
}

// Messages API wire types.
type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type anthropicResponse struct {
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicError struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// NewAnthropicClient creates a client. The API key is required.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New(errors.ErrCodeMissingCredential,
			"anthropic api key is not set", nil).
			WithSuggestion("export ANTHROPIC_API_KEY or set llm.api_key in the config")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	return &AnthropicClient{
		client:  &http.Client{},
		config:  cfg,
		breaker: errors.NewCircuitBreaker("anthropic"),
	}, nil
}

// Complete sends one Messages request with retry and circuit breaking.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Completion, error) {
	model := req.Model
	if model == "" {
		model = c.config.Model
	}

	messages := []anthropicMessage{{Role: "user", Content: req.Prompt}}
	if req.Prefill != "" {
		messages = append(messages, anthropicMessage{Role: "assistant", Content: req.Prefill})
	}

	body, err := json.Marshal(anthropicRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		System:      req.System,
		Messages:    messages,
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}

	resp, err := errors.RetryWithResult(ctx, errors.DefaultRetryConfig(), func() (*anthropicResponse, error) {
		var r *anthropicResponse
		execErr := c.breaker.Execute(func() error {
			var innerErr error
			r, innerErr = c.postOnce(ctx, body)
			return innerErr
		})
		return r, execErr
	})
	if err != nil {
		return nil, err
	}

	var text strings.Builder
	if req.Prefill != "" {
		text.WriteString(req.Prefill)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	slog.Debug("llm completion",
		slog.String("model", resp.Model),
		slog.String("stop_reason", resp.StopReason),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens))

	return &Completion{
		Text:         text.String(),
		Model:        resp.Model,
		StopReason:   resp.StopReason,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
	}, nil
}

// postOnce performs one Messages request.
func (c *AnthropicClient) postOnce(ctx context.Context, body []byte) (*anthropicResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		c.config.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.config.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		code := errors.ErrCodeNetwork
		if reqCtx.Err() == context.DeadlineExceeded {
			code = errors.ErrCodeTimeout
		}
		return nil, errors.Wrapf(code, err, "POST /v1/messages")
	}
	defer func() { _ = httpResp.Body.Close() }()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeNetwork, err, "read response")
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, c.statusError(ctx, httpResp, data)
	}

	var resp anthropicResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeParse, err, "decode messages response")
	}
	return &resp, nil
}

// statusError maps a non-200 response to a typed error. Rate limits honor
// the server's Retry-After hint before reporting retryable.
func (c *AnthropicClient) statusError(ctx context.Context, resp *http.Response, data []byte) error {
	var apiErr anthropicError
	_ = json.Unmarshal(data, &apiErr)
	msg := apiErr.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(data))
	}

	status := resp.StatusCode
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.Newf(errors.ErrCodeAuth, "anthropic rejected the api key: %s", msg).
			WithDetail("status", strconv.Itoa(status)).
			WithSuggestion("check ANTHROPIC_API_KEY")

	case status == http.StatusTooManyRequests:
		c.waitRetryAfter(ctx, resp.Header.Get("Retry-After"))
		rateErr := errors.Newf(errors.ErrCodeRateLimited, "anthropic rate limit: %s", msg).
			WithDetail("status", strconv.Itoa(status))
		// The server hint has been honored, the next attempt may go out
		// immediately.
		rateErr.Retryable = true
		return rateErr

	case status >= 500:
		return errors.Newf(errors.ErrCodeServiceUnavailable,
			"anthropic returned status %d: %s", status, msg).
			WithDetail("status", strconv.Itoa(status))

	default:
		return errors.Newf(errors.ErrCodeLLMResponse,
			"anthropic returned status %d: %s", status, msg).
			WithDetail("status", strconv.Itoa(status))
	}
}

// waitRetryAfter sleeps for the server-provided delay, bounded and
// context-aware.
func (c *AnthropicClient) waitRetryAfter(ctx context.Context, header string) {
	if header == "" {
		return
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return
	}
	wait := time.Duration(seconds) * time.Second
	if wait > maxRetryAfter {
		wait = maxRetryAfter
	}
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}

var _ Client = (*AnthropicClient)(nil)
