// Package quota enforces department usage ceilings: a check before
// dispatch, a record after a response is known, and threshold alerting.
// The ledger itself is a collaborator; a broken ledger must never block
// chat, so every internal failure here degrades instead of aborting.
package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/gateway/internal/domain"
)

// Ledger is the durable quota store. Record must be safe under concurrent
// invocation for the same department; implementations use atomic
// increments, not read-modify-write.
type Ledger interface {
	Check(ctx context.Context, departmentID string, estimatedCost float64) (*domain.QuotaCheckResult, error)
	Record(ctx context.Context, departmentID string, usage domain.Usage, cost float64) error
	Status(ctx context.Context, departmentID string) (*domain.QuotaStatus, error)
}

// DepartmentResolver maps a user to their department.
type DepartmentResolver interface {
	DepartmentFor(ctx context.Context, userID string) (string, error)
}

// StaticDepartments resolves from a fixed map, with a default for unknown
// users.
type StaticDepartments struct {
	Members map[string]string
	Default string
}

func (s StaticDepartments) DepartmentFor(ctx context.Context, userID string) (string, error) {
	if dept, ok := s.Members[userID]; ok {
		return dept, nil
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", fmt.Errorf("no department for user %q", userID)
}

// windowStart returns the beginning of the current calendar month; quota
// windows reset monthly.
func windowStart(now time.Time) time.Time {
	year, month, _ := now.UTC().Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func windowKey(now time.Time) string {
	return now.UTC().Format("2006-01")
}

func nextWindow(now time.Time) time.Time {
	return windowStart(now).AddDate(0, 1, 0)
}

// InMemoryLedger is a single-instance ledger for tests and local
// development.
type InMemoryLedger struct {
	mu     sync.Mutex
	limits map[string]float64
	used   map[string]float64 // department:window -> cost
}

func NewInMemoryLedger(limits map[string]float64) *InMemoryLedger {
	if limits == nil {
		limits = make(map[string]float64)
	}
	return &InMemoryLedger{limits: limits, used: make(map[string]float64)}
}

func (l *InMemoryLedger) SetLimit(departmentID string, limit float64) {
	l.mu.Lock()
	l.limits[departmentID] = limit
	l.mu.Unlock()
}

func (l *InMemoryLedger) usageKey(departmentID string) string {
	return departmentID + ":" + windowKey(time.Now())
}

func (l *InMemoryLedger) Check(ctx context.Context, departmentID string, estimatedCost float64) (*domain.QuotaCheckResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit, hasLimit := l.limits[departmentID]
	used := l.used[l.usageKey(departmentID)]

	result := &domain.QuotaCheckResult{
		Allowed:      true,
		DepartmentID: departmentID,
		Detail: map[string]any{
			"limit_usd":     limit,
			"used_usd":      used,
			"estimated_usd": estimatedCost,
		},
	}

	if hasLimit && limit > 0 && used+estimatedCost > limit {
		result.Allowed = false
	}
	return result, nil
}

func (l *InMemoryLedger) Record(ctx context.Context, departmentID string, usage domain.Usage, cost float64) error {
	l.mu.Lock()
	l.used[l.usageKey(departmentID)] += cost
	l.mu.Unlock()
	return nil
}

func (l *InMemoryLedger) Status(ctx context.Context, departmentID string) (*domain.QuotaStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.limits[departmentID]
	used := l.used[l.usageKey(departmentID)]
	resets := nextWindow(time.Now())

	return &domain.QuotaStatus{
		DepartmentID: departmentID,
		LimitUSD:     limit,
		UsedUSD:      used,
		RemainingUSD: max(limit-used, 0),
		ResetsAt:     &resets,
	}, nil
}

// RedisLedger shares quota state across gateway instances. Usage is a
// per-month counter advanced with INCRBYFLOAT, so concurrent records for
// one department never lose updates. Limits live in the quota:limits
// hash, managed outside this core.
type RedisLedger struct {
	client *redis.Client
}

func NewRedisLedger(redisURL string) (*RedisLedger, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisLedger{client: client}, nil
}

func usageRedisKey(departmentID string, now time.Time) string {
	return "quota:used:" + departmentID + ":" + windowKey(now)
}

func (l *RedisLedger) limit(ctx context.Context, departmentID string) (float64, error) {
	limit, err := l.client.HGet(ctx, "quota:limits", departmentID).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	return limit, err
}

func (l *RedisLedger) Check(ctx context.Context, departmentID string, estimatedCost float64) (*domain.QuotaCheckResult, error) {
	limit, err := l.limit(ctx, departmentID)
	if err != nil {
		return nil, fmt.Errorf("read quota limit: %w", err)
	}

	used, err := l.client.Get(ctx, usageRedisKey(departmentID, time.Now())).Float64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read quota usage: %w", err)
	}

	result := &domain.QuotaCheckResult{
		Allowed:      true,
		DepartmentID: departmentID,
		Detail: map[string]any{
			"limit_usd":     limit,
			"used_usd":      used,
			"estimated_usd": estimatedCost,
		},
	}
	if limit > 0 && used+estimatedCost > limit {
		result.Allowed = false
	}
	return result, nil
}

func (l *RedisLedger) Record(ctx context.Context, departmentID string, usage domain.Usage, cost float64) error {
	key := usageRedisKey(departmentID, time.Now())

	pipe := l.client.TxPipeline()
	pipe.IncrByFloat(ctx, key, cost)
	// Two windows of retention so the previous month stays inspectable.
	pipe.Expire(ctx, key, 62*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record quota usage: %w", err)
	}
	return nil
}

func (l *RedisLedger) Status(ctx context.Context, departmentID string) (*domain.QuotaStatus, error) {
	limit, err := l.limit(ctx, departmentID)
	if err != nil {
		return nil, fmt.Errorf("read quota limit: %w", err)
	}

	used, err := l.client.Get(ctx, usageRedisKey(departmentID, time.Now())).Float64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read quota usage: %w", err)
	}

	resets := nextWindow(time.Now())
	return &domain.QuotaStatus{
		DepartmentID: departmentID,
		LimitUSD:     limit,
		UsedUSD:      used,
		RemainingUSD: max(limit-used, 0),
		ResetsAt:     &resets,
	}, nil
}
