package provider

import (
	"context"
	"sync"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
)

// Cache holds one adapter per configuration id. An entry is reused while
// the snapshot's UpdatedAt matches the one it was built from; any change
// to the configuration invalidates and rebuilds.
//
// Entries are stored in a sync.Map and built behind a per-entry sync.Once,
// so concurrent requests for unrelated configurations never serialize on a
// shared lock and concurrent requests for the same configuration build the
// adapter exactly once.
type Cache struct {
	factory Factory
	entries sync.Map // config id -> *cacheEntry
}

type cacheEntry struct {
	updatedAt time.Time
	once      sync.Once
	adapter   Adapter
	err       error
}

func NewCache(factory Factory) *Cache {
	return &Cache{factory: factory}
}

// Get returns the cached adapter for the snapshot's configuration,
// building or rebuilding it as needed. A build failure is not cached.
func (c *Cache) Get(ctx context.Context, snap *domain.ConfigSnapshot) (Adapter, error) {
	for {
		value, _ := c.entries.LoadOrStore(snap.ID, &cacheEntry{updatedAt: snap.UpdatedAt})
		entry := value.(*cacheEntry)

		if !entry.updatedAt.Equal(snap.UpdatedAt) {
			fresh := &cacheEntry{updatedAt: snap.UpdatedAt}
			if !c.entries.CompareAndSwap(snap.ID, entry, fresh) {
				continue
			}
			entry = fresh
		}

		entry.once.Do(func() {
			entry.adapter, entry.err = c.factory(ctx, snap)
		})

		if entry.err != nil {
			c.entries.CompareAndDelete(snap.ID, entry)
			return nil, entry.err
		}
		return entry.adapter, nil
	}
}

// Invalidate drops the entry for a configuration id.
func (c *Cache) Invalidate(id string) {
	c.entries.Delete(id)
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.entries.Range(func(key, _ any) bool {
		c.entries.Delete(key)
		return true
	})
}
