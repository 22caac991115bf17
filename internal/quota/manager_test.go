package quota

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/notifications"
)

type countingLedger struct {
	inner      Ledger
	checkCalls int
	checkErr   error
	recordErr  error
}

func (l *countingLedger) Check(ctx context.Context, dept string, estimate float64) (*domain.QuotaCheckResult, error) {
	l.checkCalls++
	if l.checkErr != nil {
		return nil, l.checkErr
	}
	return l.inner.Check(ctx, dept, estimate)
}

func (l *countingLedger) Record(ctx context.Context, dept string, usage domain.Usage, cost float64) error {
	if l.recordErr != nil {
		return l.recordErr
	}
	return l.inner.Record(ctx, dept, usage, cost)
}

func (l *countingLedger) Status(ctx context.Context, dept string) (*domain.QuotaStatus, error) {
	return l.inner.Status(ctx, dept)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(ledger Ledger) *Manager {
	resolver := StaticDepartments{
		Members: map[string]string{"alice": "engineering"},
		Default: "general",
	}
	return NewManager(ledger, resolver, nil, discardLogger())
}

func floatPtr(f float64) *float64 { return &f }

func TestCheckBeforeRequestBypassNeverTouchesLedger(t *testing.T) {
	ledger := &countingLedger{inner: NewInMemoryLedger(nil)}
	mgr := newTestManager(ledger)

	result, err := mgr.CheckBeforeRequest(context.Background(), "alice", floatPtr(1.0), true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected nil result on bypass, got %+v", result)
	}
	if ledger.checkCalls != 0 {
		t.Fatalf("expected 0 ledger checks on bypass, got %d", ledger.checkCalls)
	}
}

func TestCheckBeforeRequestAllowsUnderLimit(t *testing.T) {
	inner := NewInMemoryLedger(map[string]float64{"engineering": 100})
	mgr := newTestManager(inner)

	result, err := mgr.CheckBeforeRequest(context.Background(), "alice", floatPtr(5.0), false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("expected request to be allowed")
	}
	if result.DepartmentID != "engineering" {
		t.Fatalf("expected department engineering, got %s", result.DepartmentID)
	}
}

func TestCheckBeforeRequestDeniesOverLimit(t *testing.T) {
	inner := NewInMemoryLedger(map[string]float64{"engineering": 10})
	if err := inner.Record(context.Background(), "engineering", domain.Usage{}, 9.5); err != nil {
		t.Fatalf("seed usage: %v", err)
	}
	mgr := newTestManager(inner)

	result, err := mgr.CheckBeforeRequest(context.Background(), "alice", floatPtr(1.0), false)
	if err == nil {
		t.Fatal("expected quota exceeded error")
	}
	var quotaErr *domain.QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("expected QuotaExceededError, got %T", err)
	}
	if result == nil || result.Allowed {
		t.Fatal("expected denied result alongside the error")
	}
}

func TestCheckBeforeRequestDegradesOnLedgerFailure(t *testing.T) {
	ledger := &countingLedger{
		inner:    NewInMemoryLedger(nil),
		checkErr: errors.New("redis: connection refused"),
	}
	mgr := newTestManager(ledger)

	result, err := mgr.CheckBeforeRequest(context.Background(), "alice", floatPtr(1.0), false)
	if err != nil {
		t.Fatalf("ledger failure must not surface as an error, got %v", err)
	}
	if !result.Allowed {
		t.Fatal("expected request to proceed on ledger failure")
	}
	if !result.Degraded {
		t.Fatal("expected degraded flag on ledger failure")
	}
}

func TestRecordAfterRequestSwallowsFailure(t *testing.T) {
	ledger := &countingLedger{
		inner:     NewInMemoryLedger(nil),
		recordErr: errors.New("redis: connection refused"),
	}
	mgr := newTestManager(ledger)

	// Must not panic or surface anything.
	mgr.RecordAfterRequest(context.Background(), "alice", domain.Usage{TotalTokens: 100}, floatPtr(0.05))
}

func TestRecordAfterRequestAccumulates(t *testing.T) {
	inner := NewInMemoryLedger(map[string]float64{"engineering": 100})
	mgr := newTestManager(inner)

	mgr.RecordAfterRequest(context.Background(), "alice", domain.Usage{TotalTokens: 100}, floatPtr(0.25))
	mgr.RecordAfterRequest(context.Background(), "alice", domain.Usage{TotalTokens: 200}, floatPtr(0.75))

	status, err := mgr.Status(context.Background(), "alice")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.UsedUSD != 1.0 {
		t.Fatalf("expected 1.0 used, got %f", status.UsedUSD)
	}
	if status.RemainingUSD != 99.0 {
		t.Fatalf("expected 99.0 remaining, got %f", status.RemainingUSD)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notifications.Alert
}

func (n *recordingNotifier) Notify(ctx context.Context, alert notifications.Alert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, alert)
	n.mu.Unlock()
	return nil
}

func TestMonitorFiresEachThresholdOnce(t *testing.T) {
	ledger := NewInMemoryLedger(map[string]float64{"engineering": 10})
	notifier := &recordingNotifier{}
	monitor := NewMonitor(ledger, notifier, discardLogger())
	ctx := context.Background()

	crossWarning := 8.5
	if err := ledger.Record(ctx, "engineering", domain.Usage{}, crossWarning); err != nil {
		t.Fatalf("seed: %v", err)
	}
	monitor.Observe(ctx, "engineering")
	monitor.Observe(ctx, "engineering")

	if len(notifier.alerts) != 1 {
		t.Fatalf("expected 1 alert after repeat observe, got %d", len(notifier.alerts))
	}
	if notifier.alerts[0].Kind != "warning" {
		t.Fatalf("expected warning, got %s", notifier.alerts[0].Kind)
	}

	if err := ledger.Record(ctx, "engineering", domain.Usage{}, 1.1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	monitor.Observe(ctx, "engineering") // 96% -> critical

	if err := ledger.Record(ctx, "engineering", domain.Usage{}, 1.0); err != nil {
		t.Fatalf("seed: %v", err)
	}
	monitor.Observe(ctx, "engineering") // >100% -> exceeded

	if len(notifier.alerts) != 3 {
		t.Fatalf("expected 3 alerts, got %d", len(notifier.alerts))
	}
	if notifier.alerts[1].Kind != "critical" || notifier.alerts[2].Kind != "exceeded" {
		t.Fatalf("unexpected alert order: %s, %s", notifier.alerts[1].Kind, notifier.alerts[2].Kind)
	}
}

func TestMonitorSkipsUnlimitedDepartments(t *testing.T) {
	ledger := NewInMemoryLedger(nil)
	notifier := &recordingNotifier{}
	monitor := NewMonitor(ledger, notifier, discardLogger())
	ctx := context.Background()

	if err := ledger.Record(ctx, "research", domain.Usage{}, 500); err != nil {
		t.Fatalf("seed: %v", err)
	}
	monitor.Observe(ctx, "research")

	if len(notifier.alerts) != 0 {
		t.Fatalf("expected no alerts without a limit, got %d", len(notifier.alerts))
	}
}
