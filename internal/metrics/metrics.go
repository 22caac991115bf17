package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total number of chat requests processed",
		},
		[]string{"provider", "model", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider", "model"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Total number of tokens processed",
		},
		[]string{"provider", "model", "type"},
	)

	CostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_cost_usd_total",
			Help: "Total cost in USD",
		},
		[]string{"department_id", "provider", "model"},
	)

	QuotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_quota_denials_total",
			Help: "Requests denied by department quota",
		},
		[]string{"department_id"},
	)

	QuotaDegraded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_quota_degraded_total",
			Help: "Quota checks that proceeded without enforcement because the ledger was unavailable",
		},
	)

	ModelCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_model_cache_hits_total",
			Help: "Model list cache hits",
		},
	)

	ModelCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_model_cache_misses_total",
			Help: "Model list cache misses",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"config_id"},
	)

	ProviderErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_provider_errors_total",
			Help: "Provider dispatch failures by error category",
		},
		[]string{"provider", "category"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limit_hits_total",
			Help: "Requests rejected by the per-user rate limiter",
		},
		[]string{"user_id"},
	)

	ActiveStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_streams",
			Help: "Streaming responses currently in flight",
		},
	)

	StreamChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_stream_chunks_total",
			Help: "Stream chunks delivered to clients",
		},
		[]string{"provider", "source"},
	)
)

func RecordRequest(provider, model, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(provider, model, status).Inc()
	RequestDuration.WithLabelValues(provider, model).Observe(durationSec)
}

func RecordTokens(provider, model string, inputTokens, outputTokens int) {
	TokensTotal.WithLabelValues(provider, model, "input").Add(float64(inputTokens))
	TokensTotal.WithLabelValues(provider, model, "output").Add(float64(outputTokens))
}

func RecordCost(departmentID, provider, model string, cost float64) {
	CostTotal.WithLabelValues(departmentID, provider, model).Add(cost)
}
