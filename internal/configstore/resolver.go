package configstore

import (
	"context"

	"github.com/modelrelay/gateway/internal/domain"
)

// Resolver validates and returns configuration snapshots. A snapshot is
// re-resolved per request; the provider cache decides whether the adapter
// built from an earlier snapshot is still usable.
type Resolver struct {
	store Store
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve fetches the configuration and enforces the active flag. The
// returned snapshot is detached: plain values only, owned by the caller.
func (r *Resolver) Resolve(ctx context.Context, id string) (*domain.ConfigSnapshot, error) {
	if id == "" {
		return nil, &domain.ConfigurationError{ConfigID: id, Reason: "empty configuration id"}
	}

	snap, err := r.store.GetConfiguration(ctx, id)
	if err != nil {
		return nil, err
	}

	if !snap.Active {
		return nil, &domain.ConfigurationError{ConfigID: id, Reason: "configuration is inactive"}
	}

	return snap, nil
}
