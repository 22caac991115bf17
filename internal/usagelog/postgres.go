package usagelog

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStore writes audit records to the usage_records table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, record Record) error {
	query := `
		INSERT INTO usage_records (
			id, created_at, user_id, department_id, config_id, provider, model,
			streaming, success, error_category, error_detail,
			input_tokens, output_tokens, total_tokens, cost, latency_ms,
			chunks_sent, partial_length, early_termination,
			quota_bypassed, quota_degraded
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11,
			$12, $13, $14, $15, $16,
			$17, $18, $19,
			$20, $21
		)`

	var cost sql.NullFloat64
	if record.Cost != nil {
		cost = sql.NullFloat64{Float64: *record.Cost, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		record.ID, record.Timestamp, record.UserID, nullStr(record.DepartmentID),
		record.ConfigID, record.Provider, record.Model,
		record.Streaming, record.Success, nullStr(record.ErrorCategory), nullStr(record.ErrorDetail),
		record.InputTokens, record.OutputTokens, record.TotalTokens, cost, record.LatencyMs,
		record.ChunksSent, record.PartialLength, record.EarlyTermination,
		record.QuotaBypassed, record.QuotaDegraded,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
