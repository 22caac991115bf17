package configstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"github.com/modelrelay/gateway/internal/domain"
)

// PostgresStore reads provider configuration rows. model_params and
// headers are JSONB columns decoded into plain maps, so the snapshot never
// references driver state.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetConfiguration(ctx context.Context, id string) (*domain.ConfigSnapshot, error) {
	query := `
		SELECT id, name, provider_type, endpoint, credential_ref, default_model,
		       model_params, cost_per_1k_input, cost_per_1k_output, cost_per_request,
		       headers, active, updated_at
		FROM provider_configs
		WHERE id = $1
	`

	var (
		snap          domain.ConfigSnapshot
		endpoint      sql.NullString
		defaultModel  sql.NullString
		modelParamsJS []byte
		headersJS     []byte
	)

	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&snap.ID,
		&snap.Name,
		&snap.ProviderType,
		&endpoint,
		&snap.CredentialRef,
		&defaultModel,
		&modelParamsJS,
		&snap.CostPer1KInput,
		&snap.CostPer1KOutput,
		&snap.CostPerRequest,
		&headersJS,
		&snap.Active,
		&snap.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, &domain.ConfigurationError{ConfigID: id, Reason: "not found"}
	}
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return nil, fmt.Errorf("query configuration: %s: %w", pqErr.Code.Name(), err)
		}
		return nil, fmt.Errorf("query configuration: %w", err)
	}

	if endpoint.Valid {
		snap.Endpoint = endpoint.String
	}
	if defaultModel.Valid {
		snap.DefaultModel = defaultModel.String
	}

	if len(modelParamsJS) > 0 {
		if err := json.Unmarshal(modelParamsJS, &snap.ModelParams); err != nil {
			return nil, fmt.Errorf("decode model_params for %s: %w", id, err)
		}
	}
	if len(headersJS) > 0 {
		if err := json.Unmarshal(headersJS, &snap.Headers); err != nil {
			return nil, fmt.Errorf("decode headers for %s: %w", id, err)
		}
	}

	return &snap, nil
}
