package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/amplifier/amplifier-go-backend/pkg/config"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewOpenAIClient(config.LLMConfig{
		APIURL:      srv.URL,
		APIKey:      "test-key",
		Model:       "test-model",
		Temperature: 0.2,
		MaxTokens:   256,
		Timeout:     5 * time.Second,
	})
}

func TestChat_DefaultsAndToolCalls(t *testing.T) {
	var got openAIRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("authorization = %q", auth)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","content":"looking",
				"tool_calls":[{"id":"c1","type":"function","function":{"name":"search","arguments":"{\"q\":\"acme\"}"}}]}}],
			"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`))
	})

	resp, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "hi"}},
		Tools:    []ToolDefinition{{Name: "search", Description: "find things"}},
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got.Model != "test-model" || got.MaxTokens != 256 {
		t.Errorf("defaults not applied: %+v", got)
	}
	if len(got.Tools) != 1 || got.Tools[0].Type != "function" {
		t.Errorf("tools = %+v", got.Tools)
	}
	if resp.Content != "looking" || len(resp.ToolCalls) != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.ToolCalls[0].Arguments["q"] != "acme" {
		t.Errorf("arguments = %v", resp.ToolCalls[0].Arguments)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("usage = %+v", resp.Usage)
	}
}

func TestChat_StatusClassification(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ErrTransient},
		{http.StatusInternalServerError, ErrTransient},
		{http.StatusBadGateway, ErrTransient},
		{http.StatusRequestTimeout, ErrTransient},
		{http.StatusBadRequest, ErrPermanent},
		{http.StatusUnauthorized, ErrPermanent},
		{http.StatusNotFound, ErrPermanent},
	}
	for _, tc := range cases {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", tc.status)
		})
		_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err = %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestChat_GarbledBodyIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	})
	_, err := c.Chat(context.Background(), ChatRequest{})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestChat_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewOpenAIClient(config.LLMConfig{APIURL: url, Timeout: time.Second})
	_, err := c.Chat(context.Background(), ChatRequest{})
	if !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestChat_APIErrorDetails(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`))
	})
	_, err := c.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %T %v, want *APIError", err, err)
	}
	if apiErr.Code != "rate_limit_exceeded" || apiErr.Message != "slow down" {
		t.Errorf("parsed = %+v", apiErr)
	}
	if got := RetryAfter(err); got != 7*time.Second {
		t.Errorf("RetryAfter = %v, want 7s", got)
	}
	if !IsTransient(err) {
		t.Error("429 should be transient")
	}
}

func TestChat_ContextOverflowIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"too long","type":"invalid_request_error","code":"context_length_exceeded"}}`))
	})
	_, err := c.Chat(context.Background(), ChatRequest{})
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if RetryAfter(err) != 0 {
		t.Error("no Retry-After header was sent")
	}
}

func TestChat_NoChoicesIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[],"usage":{}}`))
	})
	if _, err := c.Chat(context.Background(), ChatRequest{}); !IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
}

func TestChat_FinishReasonAndBadArguments(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"finish_reason":"tool_calls","message":{"role":"assistant",
			"tool_calls":[{"id":"c9","type":"function","function":{"name":"lookup","arguments":"not json"}}]}}]}`))
	})
	resp, err := c.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("finish_reason = %q", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Arguments == nil || len(resp.ToolCalls[0].Arguments) != 0 {
		t.Errorf("tool calls = %+v", resp.ToolCalls)
	}
}

type stubClient struct {
	resp *ChatResponse
	err  error
	got  ChatRequest
}

func (s *stubClient) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.got = req
	return s.resp, s.err
}

func TestGateway_KeepsFirstCall(t *testing.T) {
	stub := &stubClient{resp: &ChatResponse{
		Content: "two ideas",
		ToolCalls: []ToolCall{
			{Name: "first"},
			{ID: "c2", Name: "second"},
		},
	}}
	g := NewGateway(stub)
	out, err := g.Complete(context.Background(), []Message{{Role: "user", Content: "go"}},
		[]ToolDefinition{{Name: "first"}, {Name: "second"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if out.ProposedCall == nil || out.ProposedCall.Name != "first" {
		t.Fatalf("proposed = %+v", out.ProposedCall)
	}
	if out.ProposedCall.ID == "" {
		t.Error("missing call id should be filled in")
	}
	if out.ProposedCall.Arguments == nil {
		t.Error("nil arguments should become an empty map")
	}
	if len(stub.got.Tools) != 2 {
		t.Errorf("capabilities not forwarded: %+v", stub.got.Tools)
	}
}

func TestGateway_PassesErrorClass(t *testing.T) {
	g := NewGateway(&stubClient{err: ErrPermanent})
	if _, err := g.Complete(context.Background(), nil, nil); !errors.Is(err, ErrPermanent) {
		t.Fatalf("err = %v", err)
	}
}

// Feature: amplifier-go-backend, Property 2: LLM status classification
// For any non-200 status, the error is transient iff the status is 408, 429
// or 5xx.
func TestProperty_StatusClassification(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		status := rapid.IntRange(300, 599).Draw(t, "status")
		got := classifyStatus(status)
		wantTransient := status == 408 || status == 429 || status >= 500
		if (got == ErrTransient) != wantTransient {
			t.Fatalf("status %d classified as %v", status, got)
		}
	})
}
