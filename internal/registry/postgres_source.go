package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"go.uber.org/zap"
)

// ContractStore abstracts DB queries for testability.
type ContractStore interface {
	ListContracts(ctx context.Context) ([]*contractRow, error)
}

type contractRow struct {
	Name                        string
	Version                     string
	Description                 sql.NullString
	SideEffectLevel             string
	TimeoutMs                   int64
	InputSchema                 string
	OutputSchema                string
	IdempotencyKeyTemplate      sql.NullString
	ExternalProvider            sql.NullString
	ExternalIdempotencyHeader   sql.NullString
	ExternalIdempotencyTemplate sql.NullString
	RateLimitRPM                int
	Redaction                   string
	Preconditions               string
	ArgumentPolicy              string
	RequiresApproval            bool
	Deprecated                  bool
	Endpoint                    sql.NullString
}

// sqlContractStore is the real implementation using *sql.DB.
type sqlContractStore struct {
	db *sql.DB
}

func (s *sqlContractStore) ListContracts(ctx context.Context) ([]*contractRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, version, description, side_effect_level, timeout_ms,
		       input_schema, output_schema, idempotency_key_template,
		       external_provider, external_idempotency_header, external_idempotency_template,
		       rate_limit_rpm, redaction, preconditions, argument_policy,
		       requires_approval, deprecated, endpoint
		FROM tool_contracts
		ORDER BY name, version
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*contractRow
	for rows.Next() {
		var r contractRow
		if err := rows.Scan(
			&r.Name, &r.Version, &r.Description, &r.SideEffectLevel, &r.TimeoutMs,
			&r.InputSchema, &r.OutputSchema, &r.IdempotencyKeyTemplate,
			&r.ExternalProvider, &r.ExternalIdempotencyHeader, &r.ExternalIdempotencyTemplate,
			&r.RateLimitRPM, &r.Redaction, &r.Preconditions, &r.ArgumentPolicy,
			&r.RequiresApproval, &r.Deprecated, &r.Endpoint,
		); err != nil {
			return nil, err
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

// PostgresSource loads contracts from the tool_contracts table.
type PostgresSource struct {
	store  ContractStore
	logger *zap.Logger
}

// NewPostgresSource creates a source over db.
func NewPostgresSource(db *sql.DB, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{store: &sqlContractStore{db: db}, logger: logger}
}

// newPostgresSourceWithStore creates a source with a custom store (for testing).
func newPostgresSourceWithStore(store ContractStore, logger *zap.Logger) *PostgresSource {
	return &PostgresSource{store: store, logger: logger}
}

func (s *PostgresSource) Load(ctx context.Context) ([]*Contract, error) {
	rows, err := s.store.ListContracts(ctx)
	if err != nil {
		return nil, fmt.Errorf("PostgresSource.Load: %w", err)
	}

	out := make([]*Contract, 0, len(rows))
	for _, row := range rows {
		c, err := parseContractRow(row)
		if err != nil {
			return nil, fmt.Errorf("PostgresSource.Load: %s@%s: %w", row.Name, row.Version, err)
		}
		out = append(out, c)
	}
	s.logger.Info("loaded tool contracts from postgres", zap.Int("count", len(out)))
	return out, nil
}

func parseContractRow(row *contractRow) (*Contract, error) {
	c := &Contract{
		Name:                        row.Name,
		Version:                     row.Version,
		Description:                 row.Description.String,
		SideEffect:                  SideEffect(row.SideEffectLevel),
		Timeout:                     time.Duration(row.TimeoutMs) * time.Millisecond,
		IdempotencyKeyTemplate:      row.IdempotencyKeyTemplate.String,
		ExternalProvider:            row.ExternalProvider.String,
		ExternalIdempotencyHeader:   row.ExternalIdempotencyHeader.String,
		ExternalIdempotencyTemplate: row.ExternalIdempotencyTemplate.String,
		RateLimitRPM:                row.RateLimitRPM,
		RequiresApproval:            row.RequiresApproval,
		Deprecated:                  row.Deprecated,
		Endpoint:                    row.Endpoint.String,
	}

	in, err := payload.ParseStruct([]byte(row.InputSchema))
	if err != nil {
		return nil, fmt.Errorf("parseContractRow: input_schema: %w", err)
	}
	c.InputSchema = in

	out, err := payload.ParseStruct([]byte(row.OutputSchema))
	if err != nil {
		return nil, fmt.Errorf("parseContractRow: output_schema: %w", err)
	}
	c.OutputSchema = out

	if row.Redaction != "" && row.Redaction != "{}" {
		if err := json.Unmarshal([]byte(row.Redaction), &c.Redaction); err != nil {
			return nil, fmt.Errorf("parseContractRow: redaction: %w", err)
		}
	}

	if row.Preconditions != "" && row.Preconditions != "[]" {
		if err := json.Unmarshal([]byte(row.Preconditions), &c.Preconditions); err != nil {
			return nil, fmt.Errorf("parseContractRow: preconditions: %w", err)
		}
	}

	if row.ArgumentPolicy != "" && row.ArgumentPolicy != "{}" {
		if err := json.Unmarshal([]byte(row.ArgumentPolicy), &c.ArgumentPolicy); err != nil {
			return nil, fmt.Errorf("parseContractRow: argument_policy: %w", err)
		}
	}

	return c, nil
}
