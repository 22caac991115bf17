// Package circuitbreaker shields the gateway from upstream providers
// that are failing hard. A tripped breaker fails fast until a probe
// shows the provider has recovered.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/modelrelay/gateway/internal/domain"
)

// State of one breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes when a breaker trips and recovers.
type Config struct {
	FailureThreshold int           // consecutive failures before tripping
	SuccessThreshold int           // half-open successes required to close
	CoolDown         time.Duration // open duration before probing
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		CoolDown:         30 * time.Second,
	}
}

// Breaker is a single provider's circuit. Single-instance state is
// enough here: each gateway node protecting itself independently still
// stops the hammering.
type Breaker struct {
	mu        sync.Mutex
	cfg       Config
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a request may go upstream. An open breaker past
// its cool-down flips to half-open and lets the request through as a
// probe.
func (b *Breaker) Allow(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if time.Since(b.openedAt) < b.cfg.CoolDown {
			return domain.ErrCircuitBreakerOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
	}
	return nil
}

// RecordSuccess clears failure history; in half-open, enough successes
// close the circuit.
func (b *Breaker) RecordSuccess(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure counts toward the trip threshold; a half-open failure
// re-opens immediately.
func (b *Breaker) RecordFailure(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = time.Now()
		b.successes = 0
	}
}

func (b *Breaker) State(ctx context.Context) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager keeps one breaker per provider configuration.
type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	breakers map[string]*Breaker
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg, breakers: make(map[string]*Breaker)}
}

func (m *Manager) Get(configID string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[configID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[configID]; ok {
		return b
	}
	b = New(m.cfg)
	m.breakers[configID] = b
	return b
}

// States snapshots every breaker, for the health endpoint.
func (m *Manager) States() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx := context.Background()
	out := make(map[string]string, len(m.breakers))
	for id, b := range m.breakers {
		out[id] = b.State(ctx).String()
	}
	return out
}
