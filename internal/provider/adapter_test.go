package provider

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/modelrelay/gateway/internal/domain"
)

func TestEstimateInputTokens(t *testing.T) {
	messages := []domain.Message{
		{Role: "user", Content: strings.Repeat("a", 396)},
	}
	// 396 content + 4 role chars, 4 chars per token.
	if got := EstimateInputTokens(messages); got != 100 {
		t.Errorf("expected 100 tokens, got %d", got)
	}
}

func TestEstimateCost_NoRates(t *testing.T) {
	req := domain.ChatRequest{Messages: []domain.Message{{Role: "user", Content: "hi"}}}
	snap := &domain.ConfigSnapshot{}

	if got := EstimateCost(req, snap); got != nil {
		t.Errorf("expected nil cost without rates, got %v", *got)
	}
}

func TestEstimateCost_BoundedByMaxTokens(t *testing.T) {
	maxTokens := 200
	req := domain.ChatRequest{
		Messages:  []domain.Message{{Role: "user", Content: strings.Repeat("x", 3996)}},
		MaxTokens: &maxTokens,
	}
	snap := &domain.ConfigSnapshot{CostPer1KInput: 0.001, CostPer1KOutput: 0.002}

	got := EstimateCost(req, snap)
	if got == nil {
		t.Fatal("expected a cost")
	}
	// 1000 input tokens * 0.001/1K + 200 output tokens * 0.002/1K
	want := 0.001 + 0.0004
	if *got < want-1e-9 || *got > want+1e-9 {
		t.Errorf("expected %f, got %f", want, *got)
	}
}

func statusResponse(status int, headers map[string]string) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Header:     make(http.Header),
		Body:       io.NopCloser(strings.NewReader(`{"error":"detail"}`)),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestStatusError_Mapping(t *testing.T) {
	var authErr *domain.AuthenticationError
	if err := StatusError("openai", statusResponse(401, nil)); !errors.As(err, &authErr) {
		t.Errorf("expected AuthenticationError for 401, got %v", err)
	}

	var rateErr *domain.RateLimitedError
	err := StatusError("openai", statusResponse(429, map[string]string{"Retry-After": "17"}))
	if !errors.As(err, &rateErr) {
		t.Fatalf("expected RateLimitedError for 429, got %v", err)
	}
	if rateErr.RetryAfter != 17 {
		t.Errorf("expected retry-after 17, got %d", rateErr.RetryAfter)
	}

	var provErr *domain.ProviderError
	if err := StatusError("openai", statusResponse(503, nil)); !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError for 503, got %v", err)
	}
	if provErr.StatusCode != 503 {
		t.Errorf("expected status 503, got %d", provErr.StatusCode)
	}
}

func TestTransportError(t *testing.T) {
	var netErr *domain.NetworkError
	if err := TransportError("openai", errors.New("connection refused")); !errors.As(err, &netErr) {
		t.Errorf("expected NetworkError, got %v", err)
	}
}
