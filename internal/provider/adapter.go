// Package provider defines the uniform adapter contract every upstream
// implements, plus the cache that keeps one adapter instance alive per
// configuration.
//
// Adapters translate between the internal request/response model and each
// provider's wire format. The rest of the gateway never sees a provider
// payload; it sees domain types and the shared error taxonomy.
package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/modelrelay/gateway/internal/domain"
)

// Adapter is the contract shared by all provider variants.
type Adapter interface {
	// Name returns the provider identifier, e.g. "openai" or "anthropic".
	Name() string

	// Send performs a one-shot call. Non-2xx upstream statuses surface as
	// AuthenticationError (401/403), RateLimitedError (429) or
	// ProviderError; transport failures as NetworkError.
	Send(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error)

	// TestConnection sends a minimal request and reports the outcome
	// without raising.
	TestConnection(ctx context.Context) domain.TestResult

	// EstimateCost returns a heuristic pre-dispatch cost, or nil when the
	// configuration carries no pricing.
	EstimateCost(req domain.ChatRequest) *float64

	// ListModels returns the model identifiers this configuration can
	// serve, via upstream discovery or a curated static list.
	ListModels(ctx context.Context) ([]string, error)
}

// Streamer is implemented by adapters whose upstream supports native
// incremental delivery. The returned chunk sequence is lazy, finite and
// not restartable; the error channel carries at most one value.
type Streamer interface {
	Stream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
}

// ChunkSimulator is implemented by adapters that cannot stream natively
// but can slice a completed response into provider-shaped chunks.
type ChunkSimulator interface {
	SimulateStream(ctx context.Context, req domain.ChatRequest) (<-chan domain.StreamChunk, <-chan error)
}

// Factory builds an adapter for a configuration snapshot. The cache calls
// it once per (configuration id, version).
type Factory func(ctx context.Context, snap *domain.ConfigSnapshot) (Adapter, error)

const (
	// CharsPerToken is the input-size heuristic: roughly four characters
	// of English text per token.
	CharsPerToken = 4

	// DefaultMaxOutputTokens bounds the output estimate when the request
	// and configuration are both silent on max_tokens.
	DefaultMaxOutputTokens = 1000
)

// EstimateInputTokens approximates the prompt token count from message
// sizes.
func EstimateInputTokens(messages []domain.Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content) + len(m.Role) + len(m.Name)
	}
	tokens := chars / CharsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}

// EstimateCost prices a request against snapshot rates. Returns nil when
// both per-1K rates are unset; the cost calculator's pricing-lookup
// fallback handles that case at a higher level.
func EstimateCost(req domain.ChatRequest, snap *domain.ConfigSnapshot) *float64 {
	if snap == nil || (snap.CostPer1KInput == 0 && snap.CostPer1KOutput == 0) {
		return nil
	}

	inputTokens := EstimateInputTokens(req.Messages)
	outputTokens := req.ResolvedMaxTokens(snap, DefaultMaxOutputTokens)

	cost := float64(inputTokens)/1000*snap.CostPer1KInput +
		float64(outputTokens)/1000*snap.CostPer1KOutput +
		snap.CostPerRequest
	return &cost
}

// StatusError maps a non-2xx upstream status to the error taxonomy.
func StatusError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &domain.AuthenticationError{Provider: name, Detail: string(body)}
	case http.StatusTooManyRequests:
		retryAfter := 0
		if v := resp.Header.Get("Retry-After"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				retryAfter = n
			}
		}
		return &domain.RateLimitedError{Provider: name, RetryAfter: retryAfter}
	default:
		return &domain.ProviderError{Provider: name, StatusCode: resp.StatusCode, Detail: string(body)}
	}
}

// TransportError wraps a failed round trip. Context cancellation is passed
// through untouched so callers can distinguish caller disconnects from
// upstream trouble.
func TransportError(name string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return &domain.NetworkError{Provider: name, Err: err}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return &domain.NetworkError{Provider: name, Err: err}
		}
		return err
	}
	return &domain.NetworkError{Provider: name, Err: err}
}
