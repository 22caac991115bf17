package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryLimiterCountsDown(t *testing.T) {
	l := NewInMemoryLimiter()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, remaining, _, err := l.Allow(ctx, "alice", 3)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if remaining != 3-(i+1) {
			t.Fatalf("expected %d remaining, got %d", 3-(i+1), remaining)
		}
	}

	allowed, remaining, resetAt, err := l.Allow(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("fourth request should be denied")
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining, got %d", remaining)
	}
	if !resetAt.After(time.Now()) {
		t.Fatal("reset time should be in the future")
	}
}

func TestInMemoryLimiterIsolatesUsers(t *testing.T) {
	l := NewInMemoryLimiter()
	ctx := context.Background()

	if allowed, _, _, _ := l.Allow(ctx, "alice", 1); !allowed {
		t.Fatal("alice's first request should pass")
	}
	if allowed, _, _, _ := l.Allow(ctx, "alice", 1); allowed {
		t.Fatal("alice's second request should be denied")
	}
	if allowed, _, _, _ := l.Allow(ctx, "bob", 1); !allowed {
		t.Fatal("bob must not inherit alice's window")
	}
}

func TestInMemoryLimiterResetsExpiredWindow(t *testing.T) {
	l := NewInMemoryLimiter()
	ctx := context.Background()

	if allowed, _, _, _ := l.Allow(ctx, "alice", 1); !allowed {
		t.Fatal("first request should pass")
	}

	// Force the window into the past instead of sleeping a minute.
	l.mu.Lock()
	l.windows["alice"].resetAt = time.Now().Add(-time.Second)
	l.mu.Unlock()

	if allowed, _, _, _ := l.Allow(ctx, "alice", 1); !allowed {
		t.Fatal("expired window should reset the count")
	}
}
