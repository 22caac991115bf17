// Package cost estimates and computes request cost. Configured per-1K
// rates on the configuration snapshot win; when a configuration carries no
// rates, the calculator falls back to a pricing-lookup collaborator keyed
// by (provider, model that actually served the request).
package cost

import (
	"context"
	"log/slog"

	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/provider"
)

// Lookup is the external pricing oracle. A nil result with a nil error
// means the oracle knows nothing about the model.
type Lookup interface {
	GetModelPricing(ctx context.Context, providerName, model string) (*ModelPricing, error)
}

type ModelPricing struct {
	InputPer1K  float64 `json:"input_cost_per_1k"`
	OutputPer1K float64 `json:"output_cost_per_1k"`
	PerRequest  float64 `json:"request_cost"`
}

type Calculator struct {
	lookup Lookup
}

func NewCalculator(lookup Lookup) *Calculator {
	return &Calculator{lookup: lookup}
}

// Estimate prices a request before dispatch: ~4 characters per input
// token, output bounded by max_tokens or a conservative default. When the
// snapshot carries no rates it consults the lookup with the resolved
// request model. Returns nil when no pricing can be found.
func (c *Calculator) Estimate(ctx context.Context, req domain.ChatRequest, snap *domain.ConfigSnapshot) *float64 {
	rates := c.ratesFor(ctx, snap, snap.ProviderType, req.ResolvedModel(snap))
	if rates == nil {
		return nil
	}

	inputTokens := provider.EstimateInputTokens(req.Messages)
	outputTokens := req.ResolvedMaxTokens(snap, provider.DefaultMaxOutputTokens)

	cost := compute(domain.Usage{InputTokens: inputTokens, OutputTokens: outputTokens}, rates)
	return &cost
}

// CalculateActual computes the cost of a completed one-shot response from
// reported token usage. The pricing fallback is keyed by the model the
// response names, never the configured default; the upstream may have
// served a different model than was requested.
func (c *Calculator) CalculateActual(ctx context.Context, resp *domain.ChatResponse, snap *domain.ConfigSnapshot) *float64 {
	rates := c.ratesFor(ctx, snap, resp.Provider, resp.Model)
	if rates == nil {
		return nil
	}
	cost := compute(resp.Usage, rates)
	return &cost
}

// CalculateActualStream is the streaming variant: usage is what the
// handler accumulated and observedModel is the model the upstream
// reported mid-stream.
func (c *Calculator) CalculateActualStream(ctx context.Context, usage domain.Usage, providerName, observedModel string, snap *domain.ConfigSnapshot) *float64 {
	rates := c.ratesFor(ctx, snap, providerName, observedModel)
	if rates == nil {
		return nil
	}
	cost := compute(usage, rates)
	return &cost
}

// ratesFor returns the effective pricing: snapshot rates when configured,
// otherwise whatever the lookup knows. The snapshot's per-request charge
// is preserved over a lookup result that has none.
func (c *Calculator) ratesFor(ctx context.Context, snap *domain.ConfigSnapshot, providerName, model string) *ModelPricing {
	if snap.CostPer1KInput != 0 || snap.CostPer1KOutput != 0 {
		return &ModelPricing{
			InputPer1K:  snap.CostPer1KInput,
			OutputPer1K: snap.CostPer1KOutput,
			PerRequest:  snap.CostPerRequest,
		}
	}

	if c.lookup == nil || model == "" {
		return nil
	}

	pricing, err := c.lookup.GetModelPricing(ctx, providerName, model)
	if err != nil {
		slog.Warn("pricing lookup failed",
			"provider", providerName,
			"model", model,
			"error", err,
		)
		return nil
	}
	if pricing == nil {
		return nil
	}

	rates := *pricing
	if rates.PerRequest == 0 {
		rates.PerRequest = snap.CostPerRequest
	}
	return &rates
}

func compute(usage domain.Usage, rates *ModelPricing) float64 {
	return float64(usage.InputTokens)/1000*rates.InputPer1K +
		float64(usage.OutputTokens)/1000*rates.OutputPer1K +
		rates.PerRequest
}
