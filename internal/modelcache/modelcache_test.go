package modelcache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
)

func TestInMemoryCache_SetAndGet(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	if err := c.Set(ctx, "cfg-1", false, []string{"m1", "m2"}, time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	models, err := c.Get(ctx, "cfg-1", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "m1" {
		t.Errorf("unexpected models %v", models)
	}
}

func TestInMemoryCache_Miss(t *testing.T) {
	c := NewInMemoryCache()

	_, err := c.Get(context.Background(), "nope", false)
	if !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("expected ErrCacheMiss, got %v", err)
	}
}

func TestInMemoryCache_Expiration(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	c.Set(ctx, "cfg-1", false, []string{"m1"}, -time.Second)

	if _, err := c.Get(ctx, "cfg-1", false); !errors.Is(err, domain.ErrCacheMiss) {
		t.Errorf("expected expired entry to miss, got %v", err)
	}
}

func TestInMemoryCache_ShowAllIsSeparate(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	c.Set(ctx, "cfg-1", false, []string{"curated"}, time.Minute)
	c.Set(ctx, "cfg-1", true, []string{"curated", "hidden"}, time.Minute)

	curated, _ := c.Get(ctx, "cfg-1", false)
	all, _ := c.Get(ctx, "cfg-1", true)

	if len(curated) != 1 || len(all) != 2 {
		t.Errorf("expected separate entries, got %v and %v", curated, all)
	}
}

func TestInMemoryCache_Invalidate(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	c.Set(ctx, "cfg-1", false, []string{"m1"}, time.Minute)
	c.Set(ctx, "cfg-1", true, []string{"m1", "m2"}, time.Minute)
	c.Invalidate(ctx, "cfg-1")

	if _, err := c.Get(ctx, "cfg-1", false); !errors.Is(err, domain.ErrCacheMiss) {
		t.Error("expected curated entry invalidated")
	}
	if _, err := c.Get(ctx, "cfg-1", true); !errors.Is(err, domain.ErrCacheMiss) {
		t.Error("expected show-all entry invalidated")
	}
}

func TestInMemoryCache_Detached(t *testing.T) {
	c := NewInMemoryCache()
	ctx := context.Background()

	c.Set(ctx, "cfg-1", false, []string{"m1"}, time.Minute)

	got, _ := c.Get(ctx, "cfg-1", false)
	got[0] = "tampered"

	again, _ := c.Get(ctx, "cfg-1", false)
	if again[0] != "m1" {
		t.Error("cached list leaked by reference")
	}
}
