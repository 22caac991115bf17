package classify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
)

func TestClassifyValidation(t *testing.T) {
	c := Classify(&domain.ValidationError{Field: "messages", Reason: "must not be empty"})
	if c.Category != CategoryValidation || c.Severity != SeverityWarning {
		t.Fatalf("unexpected classification: %+v", c)
	}
	if c.RequiresRetry {
		t.Fatal("validation errors are not retryable")
	}
}

func TestClassifyQuota(t *testing.T) {
	c := Classify(&domain.QuotaExceededError{DepartmentID: "engineering"})
	if c.Category != CategoryQuota {
		t.Fatalf("expected QUOTA, got %s", c.Category)
	}
	if !c.Recoverable {
		t.Fatal("quota denial is recoverable next window")
	}
}

func TestClassifyAuthenticationIsCriticalAndFinal(t *testing.T) {
	c := Classify(&domain.AuthenticationError{Provider: "openai", Detail: "invalid api key"})
	if c.Severity != SeverityCritical {
		t.Fatalf("expected CRITICAL, got %s", c.Severity)
	}
	if c.Recoverable || c.RequiresRetry {
		t.Fatal("authentication failures must not be retried")
	}
}

func TestClassifyRateLimitRetryPolicy(t *testing.T) {
	c := Classify(&domain.RateLimitedError{Provider: "openai"})
	if !c.RequiresRetry {
		t.Fatal("rate limit should request a retry")
	}
	if c.RetryAfter != 60*time.Second {
		t.Fatalf("expected 60s default retry-after, got %s", c.RetryAfter)
	}
	if c.MaxRetries != 2 || !c.Backoff {
		t.Fatalf("expected 2 retries with backoff, got %+v", c)
	}
}

func TestClassifyRateLimitHonorsProviderRetryAfter(t *testing.T) {
	c := Classify(&domain.RateLimitedError{Provider: "openai", RetryAfter: 30})
	if c.RetryAfter != 30*time.Second {
		t.Fatalf("expected provider value 30s, got %s", c.RetryAfter)
	}
}

func TestClassifyNetworkRetryPolicy(t *testing.T) {
	inner := errors.New("connection refused")
	c := Classify(&domain.NetworkError{Provider: "ollama", Err: inner})
	if c.Category != CategoryNetwork {
		t.Fatalf("expected NETWORK, got %s", c.Category)
	}
	if c.RetryAfter != 5*time.Second || c.MaxRetries != 3 {
		t.Fatalf("expected 5s/3 retries, got %s/%d", c.RetryAfter, c.MaxRetries)
	}
	if c.Backoff {
		t.Fatal("network retries use a fixed delay")
	}
}

func TestClassifyWrappedError(t *testing.T) {
	wrapped := fmt.Errorf("dispatch: %w", &domain.ProviderError{Provider: "bedrock", StatusCode: 503})
	c := Classify(wrapped)
	if c.Category != CategoryProvider {
		t.Fatalf("expected PROVIDER through wrapping, got %s", c.Category)
	}
}

func TestClassifyCircuitBreakerOpen(t *testing.T) {
	c := Classify(fmt.Errorf("openai: %w", domain.ErrCircuitBreakerOpen))
	if c.Category != CategoryProvider || !c.RequiresRetry {
		t.Fatalf("unexpected classification: %+v", c)
	}
}

func TestClassifyCancellation(t *testing.T) {
	c := Classify(context.Canceled)
	if c.Category != CategoryNetwork || c.Severity != SeverityWarning {
		t.Fatalf("unexpected classification: %+v", c)
	}
}

func TestClassifyUnknownIsTotal(t *testing.T) {
	c := Classify(errors.New("something nobody anticipated"))
	if c.Category != CategoryUnknown || c.Severity != SeverityCritical {
		t.Fatalf("unexpected classification: %+v", c)
	}
	if c.UserMessage == "" {
		t.Fatal("unknown errors still need a user message")
	}
}

func TestClassifyStreamCarriesProgress(t *testing.T) {
	c := ClassifyStream(&domain.ProviderError{Provider: "openai", StatusCode: 500}, 3, 120)
	if c.ChunksSent != 3 || c.PartialLength != 120 {
		t.Fatalf("expected progress 3/120, got %d/%d", c.ChunksSent, c.PartialLength)
	}
}
