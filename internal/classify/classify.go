// Package classify turns errors raised during request processing into a
// uniform shape: how bad it is, whose fault it is, and whether a retry
// is worth attempting.
package classify

import (
	"context"
	"errors"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
)

type Severity string

const (
	SeverityWarning  Severity = "WARNING"
	SeverityError    Severity = "ERROR"
	SeverityCritical Severity = "CRITICAL"
)

type Category string

const (
	CategoryQuota          Category = "QUOTA"
	CategoryAuthentication Category = "AUTHENTICATION"
	CategoryProvider       Category = "PROVIDER"
	CategoryNetwork        Category = "NETWORK"
	CategoryValidation     Category = "VALIDATION"
	CategoryConfiguration  Category = "CONFIGURATION"
	CategoryUnknown        Category = "UNKNOWN"
)

// Classification is the normalized verdict for one failure.
type Classification struct {
	Severity      Severity
	Category      Category
	Recoverable   bool
	RequiresRetry bool
	RetryAfter    time.Duration
	MaxRetries    int
	Backoff       bool // exponential backoff between retries
	UserMessage   string
	Detail        string

	// Streaming progress at the moment of failure, zero for one-shot
	// requests.
	ChunksSent    int
	PartialLength int
}

// Classify maps an error onto a Classification. It is total: anything
// it does not recognize lands in UNKNOWN/CRITICAL rather than escaping.
func Classify(err error) Classification {
	var (
		validationErr *domain.ValidationError
		configErr     *domain.ConfigurationError
		quotaErr      *domain.QuotaExceededError
		authErr       *domain.AuthenticationError
		rateErr       *domain.RateLimitedError
		providerErr   *domain.ProviderError
		networkErr    *domain.NetworkError
	)

	switch {
	case errors.As(err, &validationErr):
		return Classification{
			Severity:    SeverityWarning,
			Category:    CategoryValidation,
			Recoverable: true,
			UserMessage: "The request is invalid: " + validationErr.Reason,
			Detail:      validationErr.Error(),
		}

	case errors.As(err, &configErr):
		return Classification{
			Severity:    SeverityError,
			Category:    CategoryConfiguration,
			Recoverable: true,
			UserMessage: "The requested configuration is unavailable.",
			Detail:      configErr.Error(),
		}

	case errors.As(err, &quotaErr):
		return Classification{
			Severity:    SeverityWarning,
			Category:    CategoryQuota,
			Recoverable: true,
			UserMessage: "Your department has reached its usage quota for this period.",
			Detail:      quotaErr.Error(),
		}

	case errors.As(err, &authErr):
		return Classification{
			Severity:    SeverityCritical,
			Category:    CategoryAuthentication,
			Recoverable: false,
			UserMessage: "The provider rejected the gateway's credentials.",
			Detail:      authErr.Error(),
		}

	case errors.As(err, &rateErr):
		retryAfter := 60 * time.Second
		if rateErr.RetryAfter > 0 {
			retryAfter = time.Duration(rateErr.RetryAfter) * time.Second
		}
		return Classification{
			Severity:      SeverityWarning,
			Category:      CategoryProvider,
			Recoverable:   true,
			RequiresRetry: true,
			RetryAfter:    retryAfter,
			MaxRetries:    2,
			Backoff:       true,
			UserMessage:   "The provider is rate limiting requests. Please retry shortly.",
			Detail:        rateErr.Error(),
		}

	case errors.As(err, &networkErr):
		return Classification{
			Severity:      SeverityError,
			Category:      CategoryNetwork,
			Recoverable:   true,
			RequiresRetry: true,
			RetryAfter:    5 * time.Second,
			MaxRetries:    3,
			UserMessage:   "The provider could not be reached. Please retry.",
			Detail:        networkErr.Error(),
		}

	case errors.As(err, &providerErr):
		return Classification{
			Severity:    SeverityError,
			Category:    CategoryProvider,
			Recoverable: true,
			UserMessage: "The provider returned an error.",
			Detail:      providerErr.Error(),
		}

	case errors.Is(err, domain.ErrCircuitBreakerOpen):
		return Classification{
			Severity:      SeverityWarning,
			Category:      CategoryProvider,
			Recoverable:   true,
			RequiresRetry: true,
			RetryAfter:    30 * time.Second,
			MaxRetries:    1,
			UserMessage:   "The provider is temporarily unavailable. Please retry shortly.",
			Detail:        err.Error(),
		}

	case errors.Is(err, context.Canceled):
		return Classification{
			Severity:    SeverityWarning,
			Category:    CategoryNetwork,
			Recoverable: true,
			UserMessage: "The request was cancelled.",
			Detail:      err.Error(),
		}

	default:
		return Classification{
			Severity:    SeverityCritical,
			Category:    CategoryUnknown,
			Recoverable: false,
			UserMessage: "An internal error occurred.",
			Detail:      err.Error(),
		}
	}
}

// ClassifyStream augments a classification with how far a streaming
// response got before failing.
func ClassifyStream(err error, chunksSent, partialLength int) Classification {
	c := Classify(err)
	c.ChunksSent = chunksSent
	c.PartialLength = partialLength
	return c
}
