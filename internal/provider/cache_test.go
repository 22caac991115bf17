package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
)

type fakeAdapter struct {
	name string
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Send(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return &domain.ChatResponse{Content: "ok", Provider: f.name}, nil
}
func (f *fakeAdapter) TestConnection(ctx context.Context) domain.TestResult {
	return domain.TestResult{Success: true}
}
func (f *fakeAdapter) EstimateCost(req domain.ChatRequest) *float64 { return nil }
func (f *fakeAdapter) ListModels(ctx context.Context) ([]string, error) {
	return []string{"m1"}, nil
}

func snapshot(id string, updatedAt time.Time) *domain.ConfigSnapshot {
	return &domain.ConfigSnapshot{ID: id, ProviderType: "fake", Active: true, UpdatedAt: updatedAt}
}

func TestCache_ReusesAdapter(t *testing.T) {
	var builds atomic.Int32
	cache := NewCache(func(ctx context.Context, snap *domain.ConfigSnapshot) (Adapter, error) {
		builds.Add(1)
		return &fakeAdapter{name: snap.ID}, nil
	})

	snap := snapshot("cfg-1", time.Unix(100, 0))

	first, err := cache.Get(context.Background(), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := cache.Get(context.Background(), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if first != second {
		t.Error("expected the same adapter instance on unchanged snapshot")
	}
	if builds.Load() != 1 {
		t.Errorf("expected 1 build, got %d", builds.Load())
	}
}

func TestCache_RebuildsOnVersionChange(t *testing.T) {
	cache := NewCache(func(ctx context.Context, snap *domain.ConfigSnapshot) (Adapter, error) {
		return &fakeAdapter{name: snap.ID}, nil
	})

	old, err := cache.Get(context.Background(), snapshot("cfg-1", time.Unix(100, 0)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fresh, err := cache.Get(context.Background(), snapshot("cfg-1", time.Unix(200, 0)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if old == fresh {
		t.Error("expected a new adapter instance after the configuration changed")
	}
}

func TestCache_ConcurrentGetBuildsOnce(t *testing.T) {
	var builds atomic.Int32
	cache := NewCache(func(ctx context.Context, snap *domain.ConfigSnapshot) (Adapter, error) {
		builds.Add(1)
		return &fakeAdapter{name: snap.ID}, nil
	})

	snap := snapshot("cfg-1", time.Unix(100, 0))

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), snap); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if builds.Load() != 1 {
		t.Errorf("expected 1 build under concurrency, got %d", builds.Load())
	}
}

func TestCache_BuildFailureNotCached(t *testing.T) {
	var builds atomic.Int32
	cache := NewCache(func(ctx context.Context, snap *domain.ConfigSnapshot) (Adapter, error) {
		if builds.Add(1) == 1 {
			return nil, errors.New("boom")
		}
		return &fakeAdapter{name: snap.ID}, nil
	})

	snap := snapshot("cfg-1", time.Unix(100, 0))

	if _, err := cache.Get(context.Background(), snap); err == nil {
		t.Fatal("expected first build to fail")
	}
	if _, err := cache.Get(context.Background(), snap); err != nil {
		t.Fatalf("expected second build to succeed, got %v", err)
	}
}

func TestCache_Invalidate(t *testing.T) {
	var builds atomic.Int32
	cache := NewCache(func(ctx context.Context, snap *domain.ConfigSnapshot) (Adapter, error) {
		builds.Add(1)
		return &fakeAdapter{name: snap.ID}, nil
	})

	snap := snapshot("cfg-1", time.Unix(100, 0))
	cache.Get(context.Background(), snap)
	cache.Invalidate("cfg-1")
	cache.Get(context.Background(), snap)

	if builds.Load() != 2 {
		t.Errorf("expected rebuild after Invalidate, got %d builds", builds.Load())
	}
}

func TestCache_Clear(t *testing.T) {
	var builds atomic.Int32
	cache := NewCache(func(ctx context.Context, snap *domain.ConfigSnapshot) (Adapter, error) {
		builds.Add(1)
		return &fakeAdapter{name: snap.ID}, nil
	})

	cache.Get(context.Background(), snapshot("a", time.Unix(1, 0)))
	cache.Get(context.Background(), snapshot("b", time.Unix(1, 0)))
	cache.Clear()
	cache.Get(context.Background(), snapshot("a", time.Unix(1, 0)))
	cache.Get(context.Background(), snapshot("b", time.Unix(1, 0)))

	if builds.Load() != 4 {
		t.Errorf("expected 4 builds after Clear, got %d", builds.Load())
	}
}
