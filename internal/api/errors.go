package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/modelrelay/gateway/internal/classify"
)

// writeClassified maps an orchestrator error onto an HTTP response via
// the classifier, so the status code and retry hints are consistent
// across endpoints.
func (h *Handler) writeClassified(w http.ResponseWriter, err error, requestID string) {
	c := classify.Classify(err)

	status := statusFor(c.Category)
	if c.RequiresRetry && c.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(c.RetryAfter.Seconds())))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message":     c.UserMessage,
			"category":    string(c.Category),
			"severity":    string(c.Severity),
			"recoverable": c.Recoverable,
			"request_id":  requestID,
		},
	})
}

func statusFor(category classify.Category) int {
	switch category {
	case classify.CategoryValidation:
		return http.StatusBadRequest
	case classify.CategoryConfiguration:
		return http.StatusNotFound
	case classify.CategoryQuota:
		return http.StatusTooManyRequests
	case classify.CategoryAuthentication:
		// The gateway's upstream credentials failed, not the caller's.
		return http.StatusBadGateway
	case classify.CategoryProvider:
		return http.StatusBadGateway
	case classify.CategoryNetwork:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// streamErrorEvent is the terminal SSE payload for a stream that failed
// after delivery began; the HTTP status is already committed by then.
func streamErrorEvent(err error) map[string]any {
	c := classify.Classify(err)
	return map[string]any{
		"error": map[string]any{
			"message":     c.UserMessage,
			"category":    string(c.Category),
			"recoverable": c.Recoverable,
		},
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    "error",
			"code":    status,
		},
	})
}
