package domain

import (
	"errors"
	"fmt"
)

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")
	ErrCacheMiss          = errors.New("cache miss")
)

// ConfigurationError means the named configuration cannot serve requests:
// it does not exist or is inactive. No upstream request is attempted.
type ConfigurationError struct {
	ConfigID string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration %q: %s", e.ConfigID, e.Reason)
}

// ValidationError means the inbound request is malformed. Nothing is sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid request: %s: %s", e.Field, e.Reason)
}

// AuthenticationError maps an upstream 401/403: the configured credentials
// were rejected.
type AuthenticationError struct {
	Provider string
	Detail   string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Provider, e.Detail)
}

// RateLimitedError maps an upstream 429. Distinct from QuotaExceededError,
// which is the department ledger denying the request before dispatch.
type RateLimitedError struct {
	Provider   string
	RetryAfter int // seconds, 0 if the upstream gave none
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s: upstream rate limit exceeded", e.Provider)
}

// ProviderError covers any other upstream 4xx/5xx or a malformed payload.
type ProviderError struct {
	Provider   string
	StatusCode int
	Detail     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: provider error (status=%d): %s", e.Provider, e.StatusCode, e.Detail)
}

// NetworkError wraps transport failures and timeouts talking to an
// upstream. Eligible for retry by the caller.
type NetworkError struct {
	Provider string
	Err      error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Provider, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// QuotaExceededError is a department quota denial from the ledger. Detail
// carries the ledger's structured payload for the caller to display.
type QuotaExceededError struct {
	DepartmentID string
	Detail       map[string]any
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("department %q: quota exceeded", e.DepartmentID)
}
