package domain

import (
	"encoding/json"
	"time"
)

// Message is one turn in a conversation. Name is optional and only
// forwarded to upstreams that accept it.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// ChatRequest is the normalized outbound call handed to an adapter.
// Extra is an open bag of provider parameters; precedence when building
// the upstream payload is explicit field > Extra entry > snapshot default.
type ChatRequest struct {
	Model       string         `json:"model,omitempty"`
	Messages    []Message      `json:"messages"`
	Temperature *float64       `json:"temperature,omitempty"`
	MaxTokens   *int           `json:"max_tokens,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ResolvedModel returns the model the request will be sent with: the
// explicit field wins, then an Extra override, then the snapshot default.
func (r ChatRequest) ResolvedModel(snap *ConfigSnapshot) string {
	if r.Model != "" {
		return r.Model
	}
	if m, ok := r.Extra["model"].(string); ok && m != "" {
		return m
	}
	if snap != nil {
		return snap.DefaultModel
	}
	return ""
}

// ResolvedMaxTokens applies the same precedence to max_tokens. fallback is
// used when neither the request nor the snapshot carries a value.
func (r ChatRequest) ResolvedMaxTokens(snap *ConfigSnapshot, fallback int) int {
	if r.MaxTokens != nil && *r.MaxTokens > 0 {
		return *r.MaxTokens
	}
	if n := intParam(r.Extra, "max_tokens"); n > 0 {
		return n
	}
	if snap != nil {
		if n := intParam(snap.ModelParams, "max_tokens"); n > 0 {
			return n
		}
	}
	return fallback
}

// ResolvedTemperature follows the same precedence chain; returns nil when
// no layer sets a temperature, so the upstream default applies.
func (r ChatRequest) ResolvedTemperature(snap *ConfigSnapshot) *float64 {
	if r.Temperature != nil {
		return r.Temperature
	}
	if v, ok := r.Extra["temperature"].(float64); ok {
		return &v
	}
	if snap != nil {
		if v, ok := snap.ModelParams["temperature"].(float64); ok {
			return &v
		}
	}
	return nil
}

func intParam(m map[string]any, key string) int {
	switch n := m[key].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ChatResponse is a completed one-shot result. Cost is nil until the cost
// calculator has run; it is computed exactly once per response.
type ChatResponse struct {
	Content       string          `json:"content"`
	Model         string          `json:"model"`
	Provider      string          `json:"provider"`
	Usage         Usage           `json:"usage"`
	Cost          *float64        `json:"cost,omitempty"`
	LatencyMs     int64           `json:"latency_ms"`
	QuotaDegraded bool            `json:"quota_degraded,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// StreamChunk is one increment of a streamed response. Usage, Cost and Meta
// are populated only on the chunk with IsFinal set; every prior chunk
// carries content only.
type StreamChunk struct {
	Content  string      `json:"content,omitempty"`
	IsFinal  bool        `json:"is_final"`
	Model    string      `json:"model,omitempty"`
	Provider string      `json:"provider,omitempty"`
	Index    int         `json:"index"`
	Usage    *Usage      `json:"usage,omitempty"`
	Cost     *float64    `json:"cost,omitempty"`
	Meta     *StreamMeta `json:"meta,omitempty"`
}

// StreamMeta summarizes a finished stream on its final chunk.
type StreamMeta struct {
	ChunkCount  int   `json:"chunk_count"`
	TotalLength int   `json:"total_length"`
	DurationMs  int64 `json:"duration_ms"`
}

// ConfigSnapshot is a detached, point-in-time view of a provider
// configuration. It holds plain values only, no live handles, so it can
// outlive the store connection it was read from. Never mutated after
// resolution; the provider cache compares UpdatedAt to detect staleness.
type ConfigSnapshot struct {
	ID              string
	Name            string
	ProviderType    string
	Endpoint        string
	CredentialRef   string
	DefaultModel    string
	ModelParams     map[string]any
	CostPer1KInput  float64
	CostPer1KOutput float64
	CostPerRequest  float64
	Headers         map[string]string
	Active          bool
	UpdatedAt       time.Time
}

// QuotaCheckResult is the outcome of a pre-dispatch department quota check.
// Degraded is set when the ledger itself failed and the request was allowed
// through without a verdict.
type QuotaCheckResult struct {
	Allowed      bool           `json:"allowed"`
	DepartmentID string         `json:"department_id"`
	Degraded     bool           `json:"degraded,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// QuotaStatus reports a user's department ledger position.
type QuotaStatus struct {
	DepartmentID string     `json:"department_id"`
	LimitUSD     float64    `json:"limit_usd"`
	UsedUSD      float64    `json:"used_usd"`
	RemainingUSD float64    `json:"remaining_usd"`
	ResetsAt     *time.Time `json:"resets_at,omitempty"`
}

// TestResult is the outcome of a connectivity probe. It never carries an
// error value upward; failures are reported through Success and Message.
type TestResult struct {
	Success   bool     `json:"success"`
	LatencyMs int64    `json:"latency_ms"`
	Model     string   `json:"model,omitempty"`
	Cost      *float64 `json:"cost,omitempty"`
	Message   string   `json:"message,omitempty"`
}
