package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// StaticTable is a Lookup backed by a fixed pricing table, keyed by
// provider then model. Used as the default oracle and in tests.
type StaticTable map[string]map[string]ModelPricing

// DefaultPricing covers the common hosted models. Rates are USD per 1K
// tokens.
func DefaultPricing() StaticTable {
	return StaticTable{
		"openai": {
			"gpt-4":         {InputPer1K: 0.03, OutputPer1K: 0.06},
			"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
			"gpt-4o":        {InputPer1K: 0.005, OutputPer1K: 0.015},
			"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
			"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		},
		"anthropic": {
			"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-5-haiku-20241022":  {InputPer1K: 0.001, OutputPer1K: 0.005},
			"claude-3-opus-20240229":     {InputPer1K: 0.015, OutputPer1K: 0.075},
			"claude-3-sonnet-20240229":   {InputPer1K: 0.003, OutputPer1K: 0.015},
			"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		},
		"bedrock": {
			"anthropic.claude-3-5-sonnet-20241022-v2:0": {InputPer1K: 0.003, OutputPer1K: 0.015},
			"anthropic.claude-3-5-haiku-20241022-v1:0":  {InputPer1K: 0.001, OutputPer1K: 0.005},
			"anthropic.claude-3-haiku-20240307-v1:0":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
		},
	}
}

func (t StaticTable) GetModelPricing(ctx context.Context, providerName, model string) (*ModelPricing, error) {
	models, ok := t[providerName]
	if !ok {
		return nil, nil
	}
	pricing, ok := models[model]
	if !ok {
		return nil, nil
	}
	return &pricing, nil
}

// HTTPLookup queries an external pricing service:
// GET {base}/pricing?provider=X&model=Y -> ModelPricing JSON, 404 when
// unknown. Calls are bounded; a slow oracle must not stall request
// costing.
type HTTPLookup struct {
	baseURL string
	client  *http.Client
}

func NewHTTPLookup(baseURL string, client *http.Client) *HTTPLookup {
	return &HTTPLookup{baseURL: baseURL, client: client}
}

func (l *HTTPLookup) GetModelPricing(ctx context.Context, providerName, model string) (*ModelPricing, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	endpoint := fmt.Sprintf("%s/pricing?provider=%s&model=%s",
		l.baseURL, url.QueryEscape(providerName), url.QueryEscape(model))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create pricing request: %w", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pricing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("pricing service: status=%d", resp.StatusCode)
	}

	var pricing ModelPricing
	if err := json.NewDecoder(resp.Body).Decode(&pricing); err != nil {
		return nil, fmt.Errorf("decode pricing response: %w", err)
	}
	return &pricing, nil
}

// FallbackLookup chains oracles: the first one that knows the model wins,
// errors fall through to the next.
type FallbackLookup []Lookup

func (f FallbackLookup) GetModelPricing(ctx context.Context, providerName, model string) (*ModelPricing, error) {
	var lastErr error
	for _, lookup := range f {
		pricing, err := lookup.GetModelPricing(ctx, providerName, model)
		if err != nil {
			lastErr = err
			continue
		}
		if pricing != nil {
			return pricing, nil
		}
	}
	return nil, lastErr
}
