// Package api is the HTTP surface over the orchestrator.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/metrics"
	"github.com/modelrelay/gateway/internal/orchestrator"
	"github.com/modelrelay/gateway/internal/ratelimit"
)

type HandlerConfig struct {
	Orchestrator *orchestrator.Orchestrator
	RateLimiter  ratelimit.Limiter
	RateLimitRPM int
	AdminToken   string
	Logger       *slog.Logger
}

type Handler struct {
	orch       *orchestrator.Orchestrator
	limiter    ratelimit.Limiter
	limitRPM   int
	adminToken string
	logger     *slog.Logger
	mux        *http.ServeMux
}

func NewHandler(cfg HandlerConfig) *Handler {
	rpm := cfg.RateLimitRPM
	if rpm == 0 {
		rpm = 60
	}

	h := &Handler{
		orch:       cfg.Orchestrator,
		limiter:    cfg.RateLimiter,
		limitRPM:   rpm,
		adminToken: cfg.AdminToken,
		logger:     cfg.Logger,
		mux:        http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/chat/completions", h.handleChatCompletions)
	h.mux.HandleFunc("GET /v1/models", h.handleListModels)
	h.mux.HandleFunc("GET /v1/quota", h.handleQuotaStatus)
	h.mux.HandleFunc("POST /v1/cost/estimate", h.handleEstimateCost)
	h.mux.HandleFunc("POST /v1/configurations/{id}/test", h.handleTestConfiguration)
	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/live", h.handleHealthLive)
	h.mux.HandleFunc("GET /health/ready", h.handleHealthReady)
	h.mux.Handle("GET /metrics", promhttp.Handler())

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// chatCompletionRequest is the inbound body. Params is an open bag of
// provider parameters forwarded through the pipeline untouched.
type chatCompletionRequest struct {
	ConfigID    string           `json:"config_id"`
	Model       string           `json:"model,omitempty"`
	Messages    []domain.Message `json:"messages"`
	Temperature *float64         `json:"temperature,omitempty"`
	MaxTokens   *int             `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream,omitempty"`
	Params      map[string]any   `json:"params,omitempty"`
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.New().String()
	}
	w.Header().Set("X-Request-ID", requestID)

	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	if !h.allowRate(w, r, userID, requestID) {
		return
	}

	var body chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req := orchestrator.Request{
		UserID:      userID,
		ConfigID:    body.ConfigID,
		BypassQuota: h.isAdmin(r),
		Chat: domain.ChatRequest{
			Model:       body.Model,
			Messages:    body.Messages,
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
			Extra:       body.Params,
		},
	}

	if body.Stream {
		h.streamChatCompletion(w, r, req, requestID, start)
		return
	}

	resp, err := h.orch.ProcessChatRequest(ctx, req)
	if err != nil {
		h.writeClassified(w, err, requestID)
		return
	}

	h.logger.InfoContext(ctx, "request completed",
		"request_id", requestID,
		"user_id", userID,
		"provider", resp.Provider,
		"model", resp.Model,
		"latency_ms", resp.LatencyMs,
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) streamChatCompletion(w http.ResponseWriter, r *http.Request, req orchestrator.Request, requestID string, start time.Time) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	chunks, errs, err := h.orch.ProcessStreamingRequest(ctx, req)
	if err != nil {
		// Setup failed before any byte went out; a regular error
		// response is still possible.
		h.writeClassified(w, err, requestID)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	writeErrEvent := func(err error) {
		h.logger.ErrorContext(ctx, "streaming error",
			"request_id", requestID, "error", err)
		payload, _ := json.Marshal(streamErrorEvent(err))
		w.Write([]byte("data: " + string(payload) + "\n\n"))
		flusher.Flush()
	}

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// The error channel settles before the chunk channel
				// closes; check it so a failed stream is not reported
				// as done.
				if errs != nil {
					if err := <-errs; err != nil {
						writeErrEvent(err)
						return
					}
				}

				w.Write([]byte("data: [DONE]\n\n"))
				flusher.Flush()

				h.logger.InfoContext(ctx, "streaming request completed",
					"request_id", requestID,
					"user_id", req.UserID,
					"latency_ms", time.Since(start).Milliseconds(),
				)
				return
			}

			data, _ := json.Marshal(chunk)
			w.Write([]byte("data: " + string(data) + "\n\n"))
			flusher.Flush()

		case err, ok := <-errs:
			if ok && err != nil {
				writeErrEvent(err)
				return
			}
			errs = nil

		case <-ctx.Done():
			return
		}
	}
}

// allowRate applies the per-user request rate limit and writes the
// X-RateLimit headers. A limiter failure lets the request through.
func (h *Handler) allowRate(w http.ResponseWriter, r *http.Request, userID, requestID string) bool {
	if h.limiter == nil {
		return true
	}

	allowed, remaining, resetAt, err := h.limiter.Allow(r.Context(), userID, h.limitRPM)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "rate limiter error",
			"request_id", requestID, "error", err)
		return true
	}

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(h.limitRPM))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

	if !allowed {
		metrics.RateLimitHits.WithLabelValues(userID).Inc()
		h.logger.WarnContext(r.Context(), "rate limit exceeded",
			"user_id", userID, "request_id", requestID)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *Handler) isAdmin(r *http.Request) bool {
	return h.adminToken != "" && r.Header.Get("X-Admin-Token") == h.adminToken
}

func (h *Handler) handleListModels(w http.ResponseWriter, r *http.Request) {
	configID := r.URL.Query().Get("config_id")
	showAll := r.URL.Query().Get("show_all") == "true"

	models, err := h.orch.GetProviderModels(r.Context(), configID, showAll)
	if err != nil {
		h.writeClassified(w, err, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   models,
	})
}

func (h *Handler) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	status, err := h.orch.GetUserQuotaStatus(r.Context(), userID)
	if err != nil {
		h.writeClassified(w, err, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *Handler) handleEstimateCost(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
		return
	}

	var body chatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	estimate, err := h.orch.EstimateRequestCost(r.Context(), orchestrator.Request{
		UserID:   userID,
		ConfigID: body.ConfigID,
		Chat: domain.ChatRequest{
			Model:       body.Model,
			Messages:    body.Messages,
			Temperature: body.Temperature,
			MaxTokens:   body.MaxTokens,
			Extra:       body.Params,
		},
	})
	if err != nil {
		h.writeClassified(w, err, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"estimated_cost": estimate})
}

func (h *Handler) handleTestConfiguration(w http.ResponseWriter, r *http.Request) {
	configID := r.PathValue("id")

	result, err := h.orch.TestConfiguration(r.Context(), configID)
	if err != nil {
		h.writeClassified(w, err, "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}
