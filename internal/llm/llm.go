// Package llm provides an OpenAI-compatible LLM client with tool_call support
// and the Gateway the session runner talks to. Failures are classified as
// transient (retry with backoff) or permanent (the request itself is wrong).
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/amplifier/amplifier-go-backend/pkg/config"
)

// Error classes returned by Client implementations.
var (
	ErrTransient = errors.New("llm: transient failure")
	ErrPermanent = errors.New("llm: request rejected")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// APIError is a non-200 answer from the provider. It unwraps to ErrTransient
// or ErrPermanent.
type APIError struct {
	Status     int
	Code       string
	Message    string
	RetryAfter time.Duration
	class      error
}

func (e *APIError) Error() string {
	msg := e.Message
	if e.Code != "" {
		msg = e.Code + ": " + msg
	}
	return fmt.Sprintf("llm: api returned status %d: %s", e.Status, msg)
}

func (e *APIError) Unwrap() error { return e.class }

// RetryAfter returns the delay the provider asked for, or zero.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}

// Client defines the interface for communicating with an LLM.
type Client interface {
	// Chat sends a chat completion request. Zero-valued Model, Temperature
	// and MaxTokens take the configured defaults. Errors wrap ErrTransient
	// or ErrPermanent.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
}

// Message is one entry of a conversation. Role is one of system, user,
// assistant or tool.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a capability the model may call.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatRequest is the input for a chat completion call.
type ChatRequest struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message
	Tools       []ToolDefinition
}

// ChatResponse is the output of a chat completion call.
type ChatResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        TokenUsage `json:"usage"`
}

// ToolCall is a capability invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// TokenUsage tracks token consumption for a single request.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// OpenAIClient implements Client against any endpoint that speaks the
// Chat Completions API shape.
type OpenAIClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	defaults   config.LLMConfig
}

// NewOpenAIClient creates a client from cfg. An empty APIURL means the
// public OpenAI endpoint.
func NewOpenAIClient(cfg config.LLMConfig) *OpenAIClient {
	base := strings.TrimRight(cfg.APIURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &OpenAIClient{
		endpoint:   base + "/chat/completions",
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: timeout},
		defaults:   cfg,
	}
}

// Chat implements Client.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	wire := c.buildRequest(req)
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", ErrPermanent, err)
	}

	start := time.Now()
	raw, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var decoded openAIResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("%w: unmarshal response: %v", ErrTransient, err)
	}
	if len(decoded.Choices) == 0 {
		return nil, fmt.Errorf("%w: response has no choices", ErrTransient)
	}
	out := decoded.toChatResponse()

	slog.Debug("llm: chat response",
		slog.String("model", wire.Model),
		slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
		slog.Int("messages", len(req.Messages)),
		slog.Int("prompt_tokens", out.Usage.PromptTokens),
		slog.Int("completion_tokens", out.Usage.CompletionTokens),
		slog.Int("tool_calls", len(out.ToolCalls)),
		slog.String("finish_reason", out.FinishReason),
	)
	return out, nil
}

func (c *OpenAIClient) buildRequest(req ChatRequest) openAIRequest {
	wire := openAIRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    encodeMessages(req.Messages),
		Tools:       encodeTools(req.Tools),
	}
	if wire.Model == "" {
		wire.Model = c.defaults.Model
	}
	if wire.Temperature == 0 {
		wire.Temperature = c.defaults.Temperature
	}
	if wire.MaxTokens == 0 {
		wire.MaxTokens = c.defaults.MaxTokens
	}
	return wire
}

// post sends body and returns the response payload of a 200 answer.
func (c *OpenAIClient) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrPermanent, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := newAPIError(resp, raw)
		slog.Warn("llm: api error",
			slog.Int("status", apiErr.Status),
			slog.String("code", apiErr.Code),
			slog.String("message", apiErr.Message),
		)
		return nil, apiErr
	}
	return raw, nil
}

func newAPIError(resp *http.Response, raw []byte) *APIError {
	e := &APIError{Status: resp.StatusCode, class: classifyStatus(resp.StatusCode)}

	var body openAIErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Error.Message != "" {
		e.Message = body.Error.Message
		e.Code = body.Error.Code
		if e.Code == "" {
			e.Code = body.Error.Type
		}
	} else {
		e.Message = truncate(strings.TrimSpace(string(raw)), 200)
	}

	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// classifyStatus maps a non-200 status to an error class. Rate limiting,
// timeouts and server errors are transient; anything else means the request
// will not succeed on retry.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= 500:
		return ErrTransient
	default:
		return ErrPermanent
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
