// Package usagelog produces the audit trail: exactly one record per
// request attempt, successful or not. Writing the record is never
// allowed to fail the request it describes.
package usagelog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelrelay/gateway/internal/domain"
)

// Record is one audit entry. For streaming attempts the chunk fields
// describe how far delivery got before completion or failure.
type Record struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	UserID        string    `json:"user_id"`
	DepartmentID  string    `json:"department_id,omitempty"`
	ConfigID      string    `json:"config_id"`
	Provider      string    `json:"provider"`
	Model         string    `json:"model"`
	Streaming     bool      `json:"streaming"`
	Success       bool      `json:"success"`
	ErrorCategory string    `json:"error_category,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty"`

	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	TotalTokens  int      `json:"total_tokens"`
	Cost         *float64 `json:"cost,omitempty"`
	LatencyMs    int64    `json:"latency_ms"`

	ChunksSent       int  `json:"chunks_sent,omitempty"`
	PartialLength    int  `json:"partial_length,omitempty"`
	EarlyTermination bool `json:"early_termination,omitempty"`

	QuotaBypassed bool `json:"quota_bypassed,omitempty"`
	QuotaDegraded bool `json:"quota_degraded,omitempty"`
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, record Record) error
}

// InMemoryStore keeps records in a slice for tests and local runs.
type InMemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(ctx context.Context, record Record) error {
	s.mu.Lock()
	s.records = append(s.records, record)
	s.mu.Unlock()
	return nil
}

// Records returns a copy of everything appended so far.
func (s *InMemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// detachTimeout bounds the background write after a streaming attempt
// ends; the request context is gone by then.
const detachTimeout = 10 * time.Second

// Logger writes audit records through a Store. LogAttempt is the
// synchronous path for one-shot requests; LogDetached serves streaming
// attempts whose request context may already be cancelled.
type Logger struct {
	store  Store
	logger *slog.Logger
}

func NewLogger(store Store, logger *slog.Logger) *Logger {
	return &Logger{store: store, logger: logger}
}

func (l *Logger) finalize(record *Record) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.TotalTokens == 0 {
		record.TotalTokens = record.InputTokens + record.OutputTokens
	}
}

// LogAttempt writes the record before returning. A store failure is
// logged and swallowed.
func (l *Logger) LogAttempt(ctx context.Context, record Record) {
	l.finalize(&record)
	if err := l.store.Append(ctx, record); err != nil {
		l.logger.ErrorContext(ctx, "usage record write failed",
			"record_id", record.ID, "user_id", record.UserID, "error", err)
	}
}

// LogDetached writes the record on its own goroutine with a fresh
// bounded context, so a cancelled stream still gets its audit entry.
// The returned channel closes when the write finishes; callers other
// than tests ignore it.
func (l *Logger) LogDetached(record Record) <-chan struct{} {
	l.finalize(&record)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := l.store.Append(ctx, record); err != nil {
			l.logger.ErrorContext(ctx, "detached usage record write failed",
				"record_id", record.ID, "user_id", record.UserID, "error", err)
		}
	}()
	return done
}

// UsageFrom copies token counts out of a provider usage block.
func UsageFrom(record *Record, usage domain.Usage) {
	record.InputTokens = usage.InputTokens
	record.OutputTokens = usage.OutputTokens
	record.TotalTokens = usage.TotalTokens
}
