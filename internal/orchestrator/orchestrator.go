// Package orchestrator sequences a chat request through the gateway:
// request validation, configuration resolution, adapter lookup, quota
// gate, provider dispatch, cost attribution and the audit trail.
package orchestrator

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/modelrelay/gateway/internal/circuitbreaker"
	"github.com/modelrelay/gateway/internal/classify"
	"github.com/modelrelay/gateway/internal/configstore"
	"github.com/modelrelay/gateway/internal/cost"
	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/metrics"
	"github.com/modelrelay/gateway/internal/modelcache"
	"github.com/modelrelay/gateway/internal/provider"
	"github.com/modelrelay/gateway/internal/quota"
	"github.com/modelrelay/gateway/internal/telemetry"
	"github.com/modelrelay/gateway/internal/usagelog"
)

// Request is one caller attempt against a provider configuration.
type Request struct {
	UserID      string
	ConfigID    string
	Chat        domain.ChatRequest
	BypassQuota bool
}

// Orchestrator owns the request pipeline. All collaborators are
// injected; none are optional except the model list cache, which
// degrades to direct discovery calls when absent.
type Orchestrator struct {
	resolver  *configstore.Resolver
	providers *provider.Cache
	costs     *cost.Calculator
	quotas    *quota.Manager
	audit     *usagelog.Logger
	models    modelcache.Cache
	breakers  *circuitbreaker.Manager
	logger    *slog.Logger
	modelTTL  time.Duration
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Resolver  *configstore.Resolver
	Providers *provider.Cache
	Costs     *cost.Calculator
	Quotas    *quota.Manager
	Audit     *usagelog.Logger
	Models    modelcache.Cache
	Breakers  *circuitbreaker.Manager
	Logger    *slog.Logger
	ModelTTL  time.Duration
}

func New(deps Deps) *Orchestrator {
	ttl := deps.ModelTTL
	if ttl == 0 {
		ttl = 10 * time.Minute
	}
	return &Orchestrator{
		resolver:  deps.Resolver,
		providers: deps.Providers,
		costs:     deps.Costs,
		quotas:    deps.Quotas,
		audit:     deps.Audit,
		models:    deps.Models,
		breakers:  deps.Breakers,
		logger:    deps.Logger,
		modelTTL:  ttl,
	}
}

func validate(req Request) error {
	if req.UserID == "" {
		return &domain.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if len(req.Chat.Messages) == 0 {
		return &domain.ValidationError{Field: "messages", Reason: "must not be empty"}
	}
	for i, m := range req.Chat.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			return &domain.ValidationError{Field: "messages", Reason: "unknown role " + m.Role}
		}
		if m.Content == "" {
			return &domain.ValidationError{Field: "messages", Reason: "empty content at index " + strconv.Itoa(i)}
		}
	}
	if t := req.Chat.Temperature; t != nil && (*t < 0 || *t > 2) {
		return &domain.ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	}
	if n := req.Chat.MaxTokens; n != nil && *n <= 0 {
		return &domain.ValidationError{Field: "max_tokens", Reason: "must be positive"}
	}
	return nil
}

// setup runs the shared pre-dispatch phase: validation, configuration
// resolution and adapter lookup.
func (o *Orchestrator) setup(ctx context.Context, req Request) (*domain.ConfigSnapshot, provider.Adapter, error) {
	if err := validate(req); err != nil {
		return nil, nil, err
	}

	snap, err := o.resolver.Resolve(ctx, req.ConfigID)
	if err != nil {
		return nil, nil, err
	}

	adapter, err := o.providers.Get(ctx, snap)
	if err != nil {
		return nil, nil, err
	}
	return snap, adapter, nil
}

// ProcessChatRequest handles a one-shot completion end to end.
func (o *Orchestrator) ProcessChatRequest(ctx context.Context, req Request) (*domain.ChatResponse, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.chat")
	defer span.End()

	snap, adapter, err := o.setup(ctx, req)
	if err != nil {
		return nil, err
	}
	telemetry.AddRequestAttributes(span, req.UserID, snap.ID, adapter.Name(), req.Chat.ResolvedModel(snap))

	estimate := o.costs.Estimate(ctx, req.Chat, snap)

	quotaResult, err := o.quotas.CheckBeforeRequest(ctx, req.UserID, estimate, req.BypassQuota)
	if err != nil {
		o.auditDenied(ctx, req, snap, adapter.Name(), err, quotaResult)
		return nil, err
	}
	degraded := quotaResult != nil && quotaResult.Degraded
	if degraded {
		metrics.QuotaDegraded.Inc()
	}

	breaker := o.breakers.Get(snap.ID)
	if err := breaker.Allow(ctx); err != nil {
		o.auditDenied(ctx, req, snap, adapter.Name(), err, quotaResult)
		return nil, err
	}

	start := time.Now()
	resp, err := adapter.Send(ctx, req.Chat)
	elapsed := time.Since(start)

	if err != nil {
		breaker.RecordFailure(ctx)
		c := classify.Classify(err)
		metrics.ProviderErrors.WithLabelValues(adapter.Name(), string(c.Category)).Inc()
		metrics.RecordRequest(adapter.Name(), req.Chat.ResolvedModel(snap), "error", elapsed.Seconds())
		telemetry.AddErrorAttribute(span, err)

		o.audit.LogAttempt(ctx, usagelog.Record{
			UserID:        req.UserID,
			DepartmentID:  departmentOf(quotaResult),
			ConfigID:      snap.ID,
			Provider:      adapter.Name(),
			Model:         req.Chat.ResolvedModel(snap),
			Success:       false,
			ErrorCategory: string(c.Category),
			ErrorDetail:   c.Detail,
			LatencyMs:     elapsed.Milliseconds(),
			QuotaBypassed: req.BypassQuota,
			QuotaDegraded: degraded,
		})
		return nil, err
	}
	breaker.RecordSuccess(ctx)

	resp.LatencyMs = elapsed.Milliseconds()
	resp.Cost = o.costs.CalculateActual(ctx, resp, snap)
	resp.QuotaDegraded = degraded

	metrics.RecordRequest(resp.Provider, resp.Model, "success", elapsed.Seconds())
	metrics.RecordTokens(resp.Provider, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if resp.Cost != nil {
		metrics.RecordCost(departmentOf(quotaResult), resp.Provider, resp.Model, *resp.Cost)
		telemetry.AddCostAttribute(span, *resp.Cost)
	}
	telemetry.AddTokenAttributes(span, resp.Usage.InputTokens, resp.Usage.OutputTokens)

	if !req.BypassQuota {
		o.quotas.RecordAfterRequest(ctx, req.UserID, resp.Usage, resp.Cost)
	}

	record := usagelog.Record{
		UserID:        req.UserID,
		DepartmentID:  departmentOf(quotaResult),
		ConfigID:      snap.ID,
		Provider:      resp.Provider,
		Model:         resp.Model,
		Success:       true,
		Cost:          resp.Cost,
		LatencyMs:     resp.LatencyMs,
		QuotaBypassed: req.BypassQuota,
		QuotaDegraded: degraded,
	}
	usagelog.UsageFrom(&record, resp.Usage)
	o.audit.LogAttempt(ctx, record)

	return resp, nil
}

// auditDenied writes the single audit record for an attempt stopped
// before dispatch (quota denial, open breaker).
func (o *Orchestrator) auditDenied(ctx context.Context, req Request, snap *domain.ConfigSnapshot, providerName string, cause error, quotaResult *domain.QuotaCheckResult) {
	c := classify.Classify(cause)
	if c.Category == classify.CategoryQuota {
		metrics.QuotaDenials.WithLabelValues(departmentOf(quotaResult)).Inc()
	}
	o.audit.LogAttempt(ctx, usagelog.Record{
		UserID:        req.UserID,
		DepartmentID:  departmentOf(quotaResult),
		ConfigID:      snap.ID,
		Provider:      providerName,
		Model:         req.Chat.ResolvedModel(snap),
		Success:       false,
		ErrorCategory: string(c.Category),
		ErrorDetail:   c.Detail,
		QuotaBypassed: req.BypassQuota,
	})
}

func departmentOf(result *domain.QuotaCheckResult) string {
	if result == nil {
		return ""
	}
	return result.DepartmentID
}

// TestConfiguration probes the configuration's upstream with a minimal
// request. Resolution failures surface as errors; probe failures are
// reported inside the result.
func (o *Orchestrator) TestConfiguration(ctx context.Context, configID string) (*domain.TestResult, error) {
	snap, err := o.resolver.Resolve(ctx, configID)
	if err != nil {
		return nil, err
	}
	adapter, err := o.providers.Get(ctx, snap)
	if err != nil {
		return nil, err
	}

	result := adapter.TestConnection(ctx)
	return &result, nil
}

// EstimateRequestCost prices a request without dispatching it. Returns
// nil when no pricing is known for the configuration and model.
func (o *Orchestrator) EstimateRequestCost(ctx context.Context, req Request) (*float64, error) {
	if err := validate(req); err != nil {
		return nil, err
	}
	snap, err := o.resolver.Resolve(ctx, req.ConfigID)
	if err != nil {
		return nil, err
	}
	return o.costs.Estimate(ctx, req.Chat, snap), nil
}

// GetUserQuotaStatus reports the caller's department ledger position.
func (o *Orchestrator) GetUserQuotaStatus(ctx context.Context, userID string) (*domain.QuotaStatus, error) {
	if userID == "" {
		return nil, &domain.ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	return o.quotas.Status(ctx, userID)
}

// GetProviderModels lists the models a configuration can serve. Cache
// failures degrade to a direct discovery call; a discovery result is
// written back best effort. With showAll unset the list is filtered to
// the configuration's allow-list when one is present.
func (o *Orchestrator) GetProviderModels(ctx context.Context, configID string, showAll bool) ([]string, error) {
	snap, err := o.resolver.Resolve(ctx, configID)
	if err != nil {
		return nil, err
	}

	if o.models != nil {
		cached, err := o.models.Get(ctx, configID, showAll)
		if err == nil {
			metrics.ModelCacheHits.Inc()
			return cached, nil
		}
		metrics.ModelCacheMisses.Inc()
	}

	adapter, err := o.providers.Get(ctx, snap)
	if err != nil {
		return nil, err
	}
	models, err := adapter.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	if !showAll {
		models = filterAllowed(models, snap)
	}

	if o.models != nil {
		if err := o.models.Set(ctx, configID, showAll, models, o.modelTTL); err != nil {
			o.logger.WarnContext(ctx, "model cache write failed", "config_id", configID, "error", err)
		}
	}
	return models, nil
}

// filterAllowed intersects the discovered list with the snapshot's
// allowed_models parameter, when configured.
func filterAllowed(models []string, snap *domain.ConfigSnapshot) []string {
	raw, ok := snap.ModelParams["allowed_models"].([]any)
	if !ok || len(raw) == 0 {
		return models
	}

	allowed := make(map[string]struct{}, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			allowed[s] = struct{}{}
		}
	}

	out := make([]string, 0, len(models))
	for _, m := range models {
		if _, ok := allowed[m]; ok {
			out = append(out, m)
		}
	}
	return out
}

// InvalidateConfiguration drops every cache keyed by the configuration,
// called when an operator updates or deletes it.
func (o *Orchestrator) InvalidateConfiguration(ctx context.Context, configID string) {
	o.providers.Invalidate(configID)
	if o.models != nil {
		if err := o.models.Invalidate(ctx, configID); err != nil {
			o.logger.WarnContext(ctx, "model cache invalidation failed", "config_id", configID, "error", err)
		}
	}
}

// BreakerStates exposes per-configuration circuit state for health
// reporting.
func (o *Orchestrator) BreakerStates() map[string]string {
	return o.breakers.States()
}
