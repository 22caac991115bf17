package openai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
)

func testSnapshot(endpoint string) *domain.ConfigSnapshot {
	return &domain.ConfigSnapshot{
		ID:           "cfg-openai",
		ProviderType: "openai",
		Endpoint:     endpoint,
		DefaultModel: "gpt-4o-mini",
		Active:       true,
		UpdatedAt:    time.Now(),
	}
}

func newTestAdapter(t *testing.T, handler http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(testSnapshot(srv.URL), "sk-test", srv.Client(), srv.Client())
}

func TestSend(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected auth header %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-mini-2024",
			"choices": [{"message": {"content": "hello there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 3, "total_tokens": 15}
		}`))
	})

	resp, err := adapter.Send(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if resp.Content != "hello there" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.Model != "gpt-4o-mini-2024" {
		t.Errorf("expected model from response, got %q", resp.Model)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
	if len(resp.Raw) == 0 {
		t.Error("expected raw payload to be retained")
	}
}

func TestSend_AuthFailure(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := adapter.Send(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var authErr *domain.AuthenticationError
	if !errors.As(err, &authErr) {
		t.Fatalf("expected AuthenticationError, got %v", err)
	}
}

func TestSend_UpstreamRateLimit(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := adapter.Send(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var rateErr *domain.RateLimitedError
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitedError, got %v", err)
	}
	if rateErr.RetryAfter != 30 {
		t.Errorf("expected retry-after 30, got %d", rateErr.RetryAfter)
	}
}

func TestStream(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		events := []string{
			`data: {"model":"gpt-4o-mini-2024","choices":[{"delta":{"content":"Hel"}}]}`,
			`data: {"model":"gpt-4o-mini-2024","choices":[{"delta":{"content":"lo"}}]}`,
			`data: {"model":"gpt-4o-mini-2024","choices":[{"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`,
			`data: [DONE]`,
		}
		for _, e := range events {
			w.Write([]byte(e + "\n\n"))
		}
	})

	chunks, errs := adapter.Stream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var content strings.Builder
	var finals int
	var finalUsage *domain.Usage
	for chunk := range chunks {
		if chunk.IsFinal {
			finals++
			finalUsage = chunk.Usage
			continue
		}
		if chunk.Usage != nil {
			t.Error("non-final chunk must not carry usage")
		}
		content.WriteString(chunk.Content)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected stream error: %v", err)
	}

	if content.String() != "Hello" {
		t.Errorf("expected reassembled content Hello, got %q", content.String())
	}
	if finals != 1 {
		t.Errorf("expected exactly one final chunk, got %d", finals)
	}
	if finalUsage == nil || finalUsage.TotalTokens != 7 {
		t.Errorf("expected final usage from terminal event, got %+v", finalUsage)
	}
}

func TestStream_TruncatedWithoutSentinel(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`data: {"choices":[{"delta":{"content":"par"}}]}` + "\n\n"))
	})

	chunks, errs := adapter.Stream(context.Background(), domain.ChatRequest{
		Messages: []domain.Message{{Role: "user", Content: "hi"}},
	})

	var received int
	for range chunks {
		received++
	}

	err := <-errs
	var provErr *domain.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError for truncated stream, got %v", err)
	}
	if received != 1 {
		t.Errorf("expected partial chunk before the failure, got %d", received)
	}
}

func TestListModels(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{"data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`))
	})

	models, err := adapter.ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "gpt-4o" {
		t.Errorf("unexpected models %v", models)
	}
}

func TestTestConnection_Failure(t *testing.T) {
	adapter := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	result := adapter.TestConnection(context.Background())
	if result.Success {
		t.Error("expected failure result")
	}
	if result.Message == "" {
		t.Error("expected failure message")
	}
}
