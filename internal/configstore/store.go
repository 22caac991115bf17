// Package configstore resolves provider configurations into detached
// snapshots. The resolver is the only gateway component that touches the
// configuration store; everything downstream works from plain-value
// snapshots and can never hold a stale connection.
package configstore

import (
	"context"
	"sync"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
)

// Store fetches configuration rows by id. Implementations return
// *domain.ConfigurationError with reason "not found" for unknown ids.
type Store interface {
	GetConfiguration(ctx context.Context, id string) (*domain.ConfigSnapshot, error)
}

// InMemoryStore serves snapshots from a map. Used in tests and local
// development.
type InMemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*domain.ConfigSnapshot
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{configs: make(map[string]*domain.ConfigSnapshot)}
}

func (s *InMemoryStore) GetConfiguration(ctx context.Context, id string) (*domain.ConfigSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[id]
	if !ok {
		return nil, &domain.ConfigurationError{ConfigID: id, Reason: "not found"}
	}

	snap := cloneSnapshot(cfg)
	return snap, nil
}

func (s *InMemoryStore) Put(cfg *domain.ConfigSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	s.configs[cfg.ID] = cloneSnapshot(cfg)
}

// cloneSnapshot deep-copies the map fields so callers cannot mutate stored
// state through a returned snapshot.
func cloneSnapshot(cfg *domain.ConfigSnapshot) *domain.ConfigSnapshot {
	snap := *cfg
	if cfg.ModelParams != nil {
		snap.ModelParams = make(map[string]any, len(cfg.ModelParams))
		for k, v := range cfg.ModelParams {
			snap.ModelParams[k] = v
		}
	}
	if cfg.Headers != nil {
		snap.Headers = make(map[string]string, len(cfg.Headers))
		for k, v := range cfg.Headers {
			snap.Headers[k] = v
		}
	}
	return &snap
}
