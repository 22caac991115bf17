package quota

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
	"github.com/modelrelay/gateway/internal/notifications"
)

// Manager gates requests on department quota and records spend after a
// response is known. It holds two hard rules: a bypassed request never
// touches the ledger, and a ledger failure is never allowed to block a
// request.
type Manager struct {
	ledger      Ledger
	departments DepartmentResolver
	monitor     *Monitor
	logger      *slog.Logger
}

func NewManager(ledger Ledger, departments DepartmentResolver, monitor *Monitor, logger *slog.Logger) *Manager {
	return &Manager{
		ledger:      ledger,
		departments: departments,
		monitor:     monitor,
		logger:      logger,
	}
}

// CheckBeforeRequest decides whether a request may proceed.
//
// With bypass set it returns (nil, nil) without consulting the ledger at
// all. A denial returns a QuotaExceededError alongside the result. Any
// internal failure (department lookup, ledger outage) is logged and the
// request proceeds with Degraded set on the result.
func (m *Manager) CheckBeforeRequest(ctx context.Context, userID string, estimatedCost *float64, bypass bool) (*domain.QuotaCheckResult, error) {
	if bypass {
		return nil, nil
	}

	dept, err := m.departments.DepartmentFor(ctx, userID)
	if err != nil {
		m.logger.WarnContext(ctx, "department resolution failed, proceeding without quota check",
			"user_id", userID, "error", err)
		return &domain.QuotaCheckResult{Allowed: true, Degraded: true}, nil
	}

	estimate := 0.0
	if estimatedCost != nil {
		estimate = *estimatedCost
	}

	result, err := m.ledger.Check(ctx, dept, estimate)
	if err != nil {
		m.logger.WarnContext(ctx, "quota check failed, proceeding without enforcement",
			"user_id", userID, "department_id", dept, "error", err)
		return &domain.QuotaCheckResult{Allowed: true, DepartmentID: dept, Degraded: true}, nil
	}

	if !result.Allowed {
		return result, &domain.QuotaExceededError{DepartmentID: dept, Detail: result.Detail}
	}
	return result, nil
}

// RecordAfterRequest books actual spend against the department ledger.
// Failures are logged and swallowed; a completed response is never
// failed retroactively over accounting.
func (m *Manager) RecordAfterRequest(ctx context.Context, userID string, usage domain.Usage, cost *float64) {
	if cost == nil || *cost == 0 {
		return
	}

	dept, err := m.departments.DepartmentFor(ctx, userID)
	if err != nil {
		m.logger.WarnContext(ctx, "department resolution failed, usage not recorded",
			"user_id", userID, "error", err)
		return
	}

	if err := m.ledger.Record(ctx, dept, usage, *cost); err != nil {
		m.logger.ErrorContext(ctx, "quota record failed",
			"user_id", userID, "department_id", dept, "cost", *cost, "error", err)
		return
	}

	if m.monitor != nil {
		m.monitor.Observe(ctx, dept)
	}
}

// Status reports the current window for the user's department.
func (m *Manager) Status(ctx context.Context, userID string) (*domain.QuotaStatus, error) {
	dept, err := m.departments.DepartmentFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.ledger.Status(ctx, dept)
}

// Monitor raises threshold alerts as departments burn through their
// window. Each threshold fires at most once per department per window.
type Monitor struct {
	ledger   Ledger
	notifier notifications.Notifier
	logger   *slog.Logger

	thresholds []threshold
	dedup      *alertDedup
}

type threshold struct {
	kind    string
	percent float64
}

func NewMonitor(ledger Ledger, notifier notifications.Notifier, logger *slog.Logger) *Monitor {
	return &Monitor{
		ledger:   ledger,
		notifier: notifier,
		logger:   logger,
		thresholds: []threshold{
			{kind: "exceeded", percent: 100},
			{kind: "critical", percent: 95},
			{kind: "warning", percent: 80},
		},
		dedup: newAlertDedup(),
	}
}

// Observe checks the department's burn rate and fires the highest
// crossed threshold that has not already alerted this window.
func (m *Monitor) Observe(ctx context.Context, departmentID string) {
	status, err := m.ledger.Status(ctx, departmentID)
	if err != nil {
		m.logger.WarnContext(ctx, "quota monitor status read failed",
			"department_id", departmentID, "error", err)
		return
	}
	if status.LimitUSD <= 0 {
		return
	}

	percent := status.UsedUSD / status.LimitUSD * 100

	for _, t := range m.thresholds {
		if percent < t.percent {
			continue
		}
		if !m.dedup.mark(departmentID, t.kind, windowKey(time.Now())) {
			return
		}
		alert := notifications.Alert{
			Kind:         t.kind,
			DepartmentID: departmentID,
			LimitUSD:     status.LimitUSD,
			UsedUSD:      status.UsedUSD,
			Percentage:   percent,
			Timestamp:    time.Now().UTC(),
		}
		if err := m.notifier.Notify(ctx, alert); err != nil {
			m.logger.ErrorContext(ctx, "quota alert delivery failed",
				"department_id", departmentID, "kind", t.kind, "error", err)
		}
		return
	}
}
