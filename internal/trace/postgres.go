package trace

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/db"
)

const traceColumns = `trace_id, tenant_id, correlation_id, execution_id, steps, tool_calls,
	state_diffs, cost_cents, status, started_at, completed_at`

const (
	insertTraceSQL = `
		INSERT INTO traces (tenant_id, correlation_id, execution_id, started_at, status)
		VALUES ($1, $2, $3, $4, 'RUNNING')
		ON CONFLICT (tenant_id, correlation_id) DO NOTHING`

	getTraceSQL = `SELECT ` + traceColumns + ` FROM traces
		WHERE tenant_id = $1 AND correlation_id = $2`

	traceClosedSQL = `SELECT completed_at IS NOT NULL FROM traces
		WHERE tenant_id = $1 AND correlation_id = $2`

	closeTraceSQL = `
		UPDATE traces SET status = $3, completed_at = $4
		WHERE tenant_id = $1 AND correlation_id = $2 AND completed_at IS NULL`
)

// appendSQL is keyed by kind so the column name is never interpolated from input.
var appendSQL = map[Kind]string{
	KindStep:      appendTo("steps"),
	KindToolCall:  appendTo("tool_calls"),
	KindStateDiff: appendTo("state_diffs"),
}

func appendTo(col string) string {
	return `
		UPDATE traces SET ` + col + ` = ` + col + ` || $3::jsonb, cost_cents = cost_cents + $4
		WHERE tenant_id = $1 AND correlation_id = $2 AND completed_at IS NULL`
}

// PostgresStore keeps traces in the traces table, one row per run. Entries
// are appended with jsonb concatenation so concurrent appends never
// overwrite each other.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{db: conn}
}

func (s *PostgresStore) Ensure(ctx context.Context, correlationID, executionID string, now time.Time) (*Trace, error) {
	var t *Trace
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		if _, err := tx.ExecContext(ctx, insertTraceSQL, tenantID, correlationID, executionID, now); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		var err error
		t, err = scanTrace(tx.QueryRowContext(ctx, getTraceSQL, tenantID, correlationID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (s *PostgresStore) Append(ctx context.Context, correlationID string, e Entry) error {
	query, ok := appendSQL[e.Kind]
	if !ok {
		return ErrInvalidEntry
	}
	doc, err := json.Marshal([]Entry{e})
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	return db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		res, err := tx.ExecContext(ctx, query, tenantID, correlationID, string(doc), e.CostCents)
		if err != nil {
			return err
		}
		return s.checkUpdated(ctx, tx, res, tenantID, correlationID)
	})
}

func (s *PostgresStore) Close(ctx context.Context, correlationID string, status Status, now time.Time) error {
	return db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		res, err := tx.ExecContext(ctx, closeTraceSQL, tenantID, correlationID, string(status), now)
		if err != nil {
			return err
		}
		return s.checkUpdated(ctx, tx, res, tenantID, correlationID)
	})
}

func (s *PostgresStore) Get(ctx context.Context, correlationID string) (*Trace, error) {
	var t *Trace
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		var err error
		t, err = scanTrace(tx.QueryRowContext(ctx, getTraceSQL, tenantID, correlationID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// checkUpdated turns a zero-row update into ErrNotFound or ErrAlreadyClosed.
func (s *PostgresStore) checkUpdated(ctx context.Context, tx *sql.Tx, res sql.Result, tenantID, correlationID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var closed bool
	err = tx.QueryRowContext(ctx, traceClosedSQL, tenantID, correlationID).Scan(&closed)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if closed {
		return ErrAlreadyClosed
	}
	return fmt.Errorf("trace %s not updated", correlationID)
}

func scanTrace(row *sql.Row) (*Trace, error) {
	var (
		t                           Trace
		status                      string
		steps, toolCalls, stateDiff string
		completedAt                 sql.NullTime
	)
	err := row.Scan(&t.TraceID, &t.TenantID, &t.CorrelationID, &t.ExecutionID,
		&steps, &toolCalls, &stateDiff, &t.CostCents, &status, &t.StartedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.Status = Status(status)
	if completedAt.Valid {
		at := completedAt.Time
		t.CompletedAt = &at
	}
	for _, col := range []struct {
		raw string
		dst *[]Entry
	}{{steps, &t.Steps}, {toolCalls, &t.ToolCalls}, {stateDiff, &t.StateDiffs}} {
		if col.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
			return nil, fmt.Errorf("decode entries: %w", err)
		}
	}
	return &t, nil
}
