// Package modelcache is a time-bounded cache of discovered model lists,
// keyed by configuration id. It exists to keep model discovery off the
// hot path; a cache failure is never fatal, callers fall back to a
// direct discovery call.
package modelcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/modelrelay/gateway/internal/domain"
)

// Cache stores model lists per (configuration id, showAll) pair. showAll
// distinguishes the full discovery listing from the curated subset, which
// may differ for the same configuration.
type Cache interface {
	Get(ctx context.Context, configID string, showAll bool) ([]string, error)
	Set(ctx context.Context, configID string, showAll bool, models []string, ttl time.Duration) error
	Invalidate(ctx context.Context, configID string) error
}

func cacheKey(configID string, showAll bool) string {
	if showAll {
		return "models:" + configID + ":all"
	}
	return "models:" + configID
}

type InMemoryCache struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	models    []string
	expiresAt time.Time
}

func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{items: make(map[string]memoryItem)}
}

func (c *InMemoryCache) Get(ctx context.Context, configID string, showAll bool) ([]string, error) {
	c.mu.RLock()
	item, ok := c.items[cacheKey(configID, showAll)]
	c.mu.RUnlock()

	if !ok || time.Now().After(item.expiresAt) {
		return nil, domain.ErrCacheMiss
	}

	models := make([]string, len(item.models))
	copy(models, item.models)
	return models, nil
}

func (c *InMemoryCache) Set(ctx context.Context, configID string, showAll bool, models []string, ttl time.Duration) error {
	stored := make([]string, len(models))
	copy(stored, models)

	c.mu.Lock()
	c.items[cacheKey(configID, showAll)] = memoryItem{models: stored, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *InMemoryCache) Invalidate(ctx context.Context, configID string) error {
	c.mu.Lock()
	delete(c.items, cacheKey(configID, false))
	delete(c.items, cacheKey(configID, true))
	c.mu.Unlock()
	return nil
}

// RedisCache shares discovered model lists across gateway instances.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(redisURL string) (*RedisCache, error) {
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

	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, configID string, showAll bool) ([]string, error) {
	data, err := c.client.Get(ctx, cacheKey(configID, showAll)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrCacheMiss
	}
	if err != nil {
		return nil, err
	}

	var models []string
	if err := json.Unmarshal(data, &models); err != nil {
		return nil, err
	}
	return models, nil
}

func (c *RedisCache) Set(ctx context.Context, configID string, showAll bool, models []string, ttl time.Duration) error {
	data, err := json.Marshal(models)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(configID, showAll), data, ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, configID string) error {
	return c.client.Del(ctx, cacheKey(configID, false), cacheKey(configID, true)).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
