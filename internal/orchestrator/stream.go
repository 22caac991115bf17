package orchestrator

import (
	"context"
	"time"

	"github.com/modelrelay/gateway/internal/circuitbreaker"
	"github.com/modelrelay/gateway/internal/classify"
	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/metrics"
	"github.com/modelrelay/gateway/internal/provider"
	"github.com/modelrelay/gateway/internal/telemetry"
	"github.com/modelrelay/gateway/internal/usagelog"
)

// genericChunkSize slices a one-shot response when the adapter offers
// neither native streaming nor its own simulation.
const genericChunkSize = 64

// ProcessStreamingRequest runs the streaming pipeline. Setup failures
// (validation, configuration, quota, open breaker) are returned
// synchronously before any channel exists. After setup the chunk
// channel delivers content increments and finishes with exactly one
// final chunk carrying usage, cost and stream metadata; mid-stream
// failures arrive on the error channel instead of that final chunk.
func (o *Orchestrator) ProcessStreamingRequest(ctx context.Context, req Request) (<-chan domain.StreamChunk, <-chan error, error) {
	ctx, span := telemetry.StartSpan(ctx, "orchestrator.stream")

	snap, adapter, err := o.setup(ctx, req)
	if err != nil {
		span.End()
		return nil, nil, err
	}
	telemetry.AddRequestAttributes(span, req.UserID, snap.ID, adapter.Name(), req.Chat.ResolvedModel(snap))

	estimate := o.costs.Estimate(ctx, req.Chat, snap)

	quotaResult, err := o.quotas.CheckBeforeRequest(ctx, req.UserID, estimate, req.BypassQuota)
	if err != nil {
		o.auditDenied(ctx, req, snap, adapter.Name(), err, quotaResult)
		span.End()
		return nil, nil, err
	}

	breaker := o.breakers.Get(snap.ID)
	if err := breaker.Allow(ctx); err != nil {
		o.auditDenied(ctx, req, snap, adapter.Name(), err, quotaResult)
		span.End()
		return nil, nil, err
	}

	out := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	st := &streamAttempt{
		req:         req,
		snap:        snap,
		adapter:     adapter,
		breaker:     breaker,
		quotaResult: quotaResult,
	}
	go func() {
		defer span.End()
		o.runStream(ctx, st, out, errs)
		telemetry.AddStreamAttributes(span, st.chunksSent, st.totalLength)
	}()

	return out, errs, nil
}

// streamAttempt carries one attempt's fixed inputs and accumulating
// state through the relay.
type streamAttempt struct {
	req         Request
	snap        *domain.ConfigSnapshot
	adapter     provider.Adapter
	breaker     *circuitbreaker.Breaker
	quotaResult *domain.QuotaCheckResult

	source        string
	chunksSent    int
	totalLength   int
	observedModel string
	usage         domain.Usage
}

// runStream picks the chunk source, relays content to the caller, then
// settles the attempt: final chunk plus quota and audit on success, an
// error value plus audit on failure. The audit write is detached so a
// dead request context cannot suppress it.
func (o *Orchestrator) runStream(ctx context.Context, st *streamAttempt, out chan<- domain.StreamChunk, errs chan<- error) {
	defer close(out)
	defer close(errs)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	start := time.Now()
	src, srcErrs := o.openSource(ctx, st)

	relayErr := o.relay(ctx, st, src, out)
	if relayErr == nil {
		// Source drained; a provider-side failure, if any, is waiting on
		// the source error channel.
		relayErr = <-srcErrs
	}
	elapsed := time.Since(start)

	if relayErr != nil {
		// A caller disconnect says nothing about provider health.
		if ctx.Err() == nil {
			st.breaker.RecordFailure(ctx)
		}
		o.settleStreamFailure(ctx, st, relayErr, elapsed, errs)
		return
	}
	st.breaker.RecordSuccess(ctx)
	o.settleStreamSuccess(ctx, st, elapsed, out)
}

// openSource selects the chunk source by capability: native streaming,
// provider-shaped simulation, then generic slicing of a one-shot call.
func (o *Orchestrator) openSource(ctx context.Context, st *streamAttempt) (<-chan domain.StreamChunk, <-chan error) {
	if s, ok := st.adapter.(provider.Streamer); ok {
		st.source = "native"
		return s.Stream(ctx, st.req.Chat)
	}
	if s, ok := st.adapter.(provider.ChunkSimulator); ok {
		st.source = "simulated"
		return s.SimulateStream(ctx, st.req.Chat)
	}
	st.source = "sliced"
	return o.sliceOneShot(ctx, st)
}

// sliceOneShot performs a blocking Send and replays the completed
// content as fixed-size chunks.
func (o *Orchestrator) sliceOneShot(ctx context.Context, st *streamAttempt) (<-chan domain.StreamChunk, <-chan error) {
	chunks := make(chan domain.StreamChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := st.adapter.Send(ctx, st.req.Chat)
		if err != nil {
			errs <- err
			return
		}

		index := 0
		for pos := 0; pos < len(resp.Content); pos += genericChunkSize {
			end := min(pos+genericChunkSize, len(resp.Content))
			chunk := domain.StreamChunk{
				Content:  resp.Content[pos:end],
				Model:    resp.Model,
				Provider: resp.Provider,
				Index:    index,
			}
			select {
			case chunks <- chunk:
				index++
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}

		final := domain.StreamChunk{
			IsFinal:  true,
			Model:    resp.Model,
			Provider: resp.Provider,
			Index:    index,
			Usage:    &resp.Usage,
		}
		select {
		case chunks <- final:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
	}()

	return chunks, errs
}

// relay forwards content chunks to the caller while accumulating the
// attempt's observed model, usage and delivery counters. The source's
// own final chunk is absorbed, not forwarded: the orchestrator emits
// the single final chunk itself once cost is known.
func (o *Orchestrator) relay(ctx context.Context, st *streamAttempt, src <-chan domain.StreamChunk, out chan<- domain.StreamChunk) error {
	for {
		select {
		case chunk, ok := <-src:
			if !ok {
				return nil
			}
			if chunk.Model != "" {
				st.observedModel = chunk.Model
			}
			if chunk.IsFinal {
				if chunk.Usage != nil {
					st.usage = *chunk.Usage
				}
				continue
			}

			chunk.Index = st.chunksSent
			chunk.Provider = st.adapter.Name()
			select {
			case out <- chunk:
				st.chunksSent++
				st.totalLength += len(chunk.Content)
				metrics.StreamChunks.WithLabelValues(st.adapter.Name(), st.source).Inc()
			case <-ctx.Done():
				return ctx.Err()
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) settleStreamSuccess(ctx context.Context, st *streamAttempt, elapsed time.Duration, out chan<- domain.StreamChunk) {
	model := st.observedModel
	if model == "" {
		model = st.req.Chat.ResolvedModel(st.snap)
	}

	cost := o.costs.CalculateActualStream(ctx, st.usage, st.adapter.Name(), model, st.snap)

	usage := st.usage
	final := domain.StreamChunk{
		IsFinal:  true,
		Model:    model,
		Provider: st.adapter.Name(),
		Index:    st.chunksSent,
		Usage:    &usage,
		Cost:     cost,
		Meta: &domain.StreamMeta{
			ChunkCount:  st.chunksSent,
			TotalLength: st.totalLength,
			DurationMs:  elapsed.Milliseconds(),
		},
	}

	delivered := false
	select {
	case out <- final:
		delivered = true
	case <-ctx.Done():
	}

	metrics.RecordRequest(st.adapter.Name(), model, "success", elapsed.Seconds())
	metrics.RecordTokens(st.adapter.Name(), model, usage.InputTokens, usage.OutputTokens)
	if cost != nil {
		metrics.RecordCost(departmentOf(st.quotaResult), st.adapter.Name(), model, *cost)
	}

	if !st.req.BypassQuota {
		o.quotas.RecordAfterRequest(ctx, st.req.UserID, usage, cost)
	}

	record := usagelog.Record{
		UserID:           st.req.UserID,
		DepartmentID:     departmentOf(st.quotaResult),
		ConfigID:         st.snap.ID,
		Provider:         st.adapter.Name(),
		Model:            model,
		Streaming:        true,
		Success:          true,
		Cost:             cost,
		LatencyMs:        elapsed.Milliseconds(),
		ChunksSent:       st.chunksSent,
		PartialLength:    st.totalLength,
		EarlyTermination: !delivered,
		QuotaBypassed:    st.req.BypassQuota,
		QuotaDegraded:    st.quotaResult != nil && st.quotaResult.Degraded,
	}
	usagelog.UsageFrom(&record, usage)
	o.audit.LogDetached(record)
}

func (o *Orchestrator) settleStreamFailure(ctx context.Context, st *streamAttempt, cause error, elapsed time.Duration, errs chan<- error) {
	c := classify.ClassifyStream(cause, st.chunksSent, st.totalLength)
	metrics.ProviderErrors.WithLabelValues(st.adapter.Name(), string(c.Category)).Inc()
	metrics.RecordRequest(st.adapter.Name(), st.req.Chat.ResolvedModel(st.snap), "error", elapsed.Seconds())

	errs <- cause

	o.audit.LogDetached(usagelog.Record{
		UserID:           st.req.UserID,
		DepartmentID:     departmentOf(st.quotaResult),
		ConfigID:         st.snap.ID,
		Provider:         st.adapter.Name(),
		Model:            st.req.Chat.ResolvedModel(st.snap),
		Streaming:        true,
		Success:          false,
		ErrorCategory:    string(c.Category),
		ErrorDetail:      c.Detail,
		LatencyMs:        elapsed.Milliseconds(),
		ChunksSent:       st.chunksSent,
		PartialLength:    st.totalLength,
		EarlyTermination: ctx.Err() != nil,
		QuotaBypassed:    st.req.BypassQuota,
	})
}
