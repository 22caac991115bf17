// Package ratelimit throttles per-user request rates (RPM) ahead of the
// quota layer, which meters dollars rather than calls.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter answers whether a user may make another request this minute.
type Limiter interface {
	Allow(ctx context.Context, userID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryLimiter counts requests in fixed one-minute windows. Fine for
// a single gateway instance.
type InMemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{windows: make(map[string]*window)}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.windows[userID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		l.windows[userID] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}

// RedisLimiter shares windows across instances. INCR plus a first-hit
// EXPIRE keeps the counter atomic without scripting.
type RedisLimiter struct {
	client *redis.Client
}

func NewRedisLimiter(redisURL string) (*RedisLimiter, error) {
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
	return &RedisLimiter{client: client}, nil
}

func (l *RedisLimiter) Allow(ctx context.Context, userID string, limit int) (bool, int, time.Time, error) {
	now := time.Now()
	key := fmt.Sprintf("ratelimit:%s:%d", userID, now.Unix()/60)
	resetAt := now.Truncate(time.Minute).Add(time.Minute)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, resetAt, fmt.Errorf("rate limit incr: %w", err)
	}
	if count == 1 {
		l.client.Expire(ctx, key, 2*time.Minute)
	}

	if int(count) > limit {
		return false, 0, resetAt, nil
	}
	return true, limit - int(count), resetAt, nil
}
