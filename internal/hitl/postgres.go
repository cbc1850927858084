package hitl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/db"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
)

const requestColumns = `request_id, tenant_id, tool_name, tool_input, execution_id, correlation_id,
	rule_id, rule_reason, status, created_at, timeout_at, decision, decided_by, decided_at,
	decision_reason`

const (
	insertRequestSQL = `
		INSERT INTO hitl_requests (
			tenant_id, tool_name, tool_input, execution_id, correlation_id,
			rule_id, rule_reason, status, created_at, timeout_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING', $8, $9)
		RETURNING request_id`

	getRequestSQL = `SELECT ` + requestColumns + ` FROM hitl_requests
		WHERE tenant_id = $1 AND request_id = $2`

	resolveRequestSQL = `
		UPDATE hitl_requests
		SET status = $3, decision = $3, decided_by = $4, decision_reason = $5, decided_at = $6
		WHERE tenant_id = $1 AND request_id = $2 AND status = 'PENDING'
		RETURNING ` + requestColumns

	overdueRequestsSQL = `SELECT ` + requestColumns + ` FROM hitl_requests
		WHERE tenant_id = $1 AND status = 'PENDING' AND timeout_at <= $2
		ORDER BY timeout_at
		LIMIT $3`
)

// PostgresStore keeps approval requests in hitl_requests. Resolution is a
// conditional update on status = 'PENDING', so exactly one of a decision and
// a timeout wins.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{db: conn}
}

func (s *PostgresStore) Create(ctx context.Context, r *Request) (*Request, error) {
	input, err := payload.Marshal(r.ToolInput)
	if err != nil {
		return nil, err
	}
	out := copyRequest(r)
	err = db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		out.TenantID = tenantID
		out.Status = StatusPending
		return tx.QueryRowContext(ctx, insertRequestSQL,
			tenantID, r.ToolName, string(input), r.ExecutionID, r.CorrelationID,
			r.RuleID, r.RuleReason, r.CreatedAt, r.TimeoutAt,
		).Scan(&out.RequestID)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, requestID string) (*Request, error) {
	var r *Request
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		var err error
		r, err = scanRequest(tx.QueryRowContext(ctx, getRequestSQL, tenantID, requestID))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) Resolve(ctx context.Context, requestID string, status Status, decidedBy, reason string, at time.Time) (*Request, error) {
	var r *Request
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		var err error
		r, err = scanRequest(tx.QueryRowContext(ctx, resolveRequestSQL,
			tenantID, requestID, string(status), decidedBy, reason, at))
		if !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		// Nothing updated: unknown id or already resolved.
		if _, err := scanRequest(tx.QueryRowContext(ctx, getRequestSQL, tenantID, requestID)); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return ErrConflict
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*Request
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		rows, err := tx.QueryContext(ctx, overdueRequestsSQL, tenantID, now, limit)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRequest(rows)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var (
		r                                      Request
		input, status                          string
		reason, decision, decidedBy, decReason sql.NullString
		timeoutAt, decidedAt                   sql.NullTime
	)
	if err := row.Scan(&r.RequestID, &r.TenantID, &r.ToolName, &input, &r.ExecutionID,
		&r.CorrelationID, &r.RuleID, &reason, &status, &r.CreatedAt, &timeoutAt,
		&decision, &decidedBy, &decidedAt, &decReason); err != nil {
		return nil, err
	}
	v, err := payload.Parse([]byte(input))
	if err != nil {
		return nil, fmt.Errorf("scanRequest: tool_input: %w", err)
	}
	r.ToolInput = v
	r.Status = Status(status)
	r.RuleReason = reason.String
	r.Decision = decision.String
	r.DecidedBy = decidedBy.String
	r.DecisionReason = decReason.String
	if timeoutAt.Valid {
		r.TimeoutAt = timeoutAt.Time
	}
	if decidedAt.Valid {
		at := decidedAt.Time
		r.DecidedAt = &at
	}
	return &r, nil
}
