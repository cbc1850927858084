package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/db"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"google.golang.org/protobuf/types/known/structpb"
)

const receiptColumns = `receipt_id, tenant_id, tool_name, tool_version, internal_idempotency_key,
	execution_id, attempt, external_provider, external_idempotency_key, external_transaction_id,
	status, result_json, failure_reason, first_seen_at, updated_at, ttl_expires_at`

const (
	insertReceiptSQL = `
		INSERT INTO receipts (
			tenant_id, tool_name, tool_version, internal_idempotency_key, execution_id,
			attempt, external_provider, external_idempotency_key, status,
			first_seen_at, updated_at, ttl_expires_at
		) VALUES ($1, $2, $3, $4, $5, 1, $6, $7, 'PENDING', $8, $8, $9)
		ON CONFLICT (tenant_id, internal_idempotency_key) DO NOTHING
		RETURNING receipt_id`

	lockReceiptSQL = `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND internal_idempotency_key = $2
		FOR UPDATE`

	takeoverReceiptSQL = `
		UPDATE receipts
		SET execution_id = $2, attempt = attempt + 1,
		    external_provider = $3, external_idempotency_key = $4, external_transaction_id = NULL,
		    status = 'PENDING', result_json = NULL, failure_reason = NULL,
		    updated_at = $5, ttl_expires_at = $6
		WHERE receipt_id = $1
		RETURNING ` + receiptColumns

	commitReceiptSQL = `
		UPDATE receipts
		SET status = 'COMMITTED', result_json = $4,
		    external_provider = COALESCE($5, external_provider),
		    external_idempotency_key = COALESCE($6, external_idempotency_key),
		    external_transaction_id = $7,
		    updated_at = $8, ttl_expires_at = $9
		WHERE tenant_id = $1 AND internal_idempotency_key = $2
		  AND execution_id = $3 AND status = 'PENDING'
		RETURNING ` + receiptColumns

	failReceiptSQL = `
		UPDATE receipts
		SET status = 'FAILED', failure_reason = $4, updated_at = $5, ttl_expires_at = $6
		WHERE tenant_id = $1 AND internal_idempotency_key = $2
		  AND execution_id = $3 AND status = 'PENDING'
		RETURNING ` + receiptColumns

	getReceiptSQL = `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND internal_idempotency_key = $2`

	expiredPendingSQL = `SELECT ` + receiptColumns + ` FROM receipts
		WHERE tenant_id = $1 AND status = 'PENDING' AND ttl_expires_at <= $2
		ORDER BY ttl_expires_at
		LIMIT $3`

	deleteExpiredSQL = `
		DELETE FROM receipts
		WHERE tenant_id = $1 AND status IN ('COMMITTED', 'FAILED') AND ttl_expires_at <= $2`
)

// PostgresStore keeps receipts in the receipts table. Reservation relies on
// the (tenant_id, internal_idempotency_key) unique constraint: the insert
// either wins or yields to the existing row, which is then locked and
// resolved inside the same transaction.
type PostgresStore struct {
	db        *sql.DB
	retention time.Duration
	clock     func() time.Time
}

// NewPostgresStore creates a store over conn.
func NewPostgresStore(conn *sql.DB, retention time.Duration) *PostgresStore {
	return &PostgresStore{
		db:        conn,
		retention: retentionOrDefault(retention),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

func (s *PostgresStore) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	var res *Reservation
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		now := s.clock()
		expires := now.Add(leaseOrDefault(req.Lease))

		var receiptID string
		err := tx.QueryRowContext(ctx, insertReceiptSQL,
			tenantID, req.ToolName, req.ToolVersion, req.Key, req.ExecutionID,
			nullString(req.ExternalProvider), nullString(req.ExternalKey), now, expires,
		).Scan(&receiptID)
		switch {
		case err == nil:
			res = &Reservation{Decision: Reserved, Receipt: &Receipt{
				ReceiptID:        receiptID,
				TenantID:         tenantID,
				ToolName:         req.ToolName,
				ToolVersion:      req.ToolVersion,
				IdempotencyKey:   req.Key,
				ExecutionID:      req.ExecutionID,
				Attempt:          1,
				ExternalProvider: req.ExternalProvider,
				ExternalKey:      req.ExternalKey,
				Status:           StatusPending,
				FirstSeenAt:      now,
				UpdatedAt:        now,
				TTLExpiresAt:     expires,
			}}
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("Reserve: insert: %w", err)
		}

		// Conflict: the key exists. Lock it and resolve.
		existing, err := scanReceipt(tx.QueryRowContext(ctx, lockReceiptSQL, tenantID, req.Key))
		if err != nil {
			return fmt.Errorf("Reserve: lock: %w", err)
		}
		act, err := decide(existing, req, now)
		if err != nil {
			return err
		}
		if act == actionReplay {
			res = &Reservation{Decision: Replay, Receipt: existing}
			return nil
		}

		updated, err := scanReceipt(tx.QueryRowContext(ctx, takeoverReceiptSQL,
			existing.ReceiptID, req.ExecutionID,
			nullString(req.ExternalProvider), nullString(req.ExternalKey), now, expires,
		))
		if err != nil {
			return fmt.Errorf("Reserve: takeover: %w", err)
		}
		res = &Reservation{Decision: Reserved, Receipt: updated}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *PostgresStore) Commit(ctx context.Context, key, executionID string, out Outcome) (*Receipt, error) {
	if out.RequireExternalKey && out.ExternalKey == "" {
		return nil, ErrExternalKeyRequired
	}
	result, err := resultParam(out.Result)
	if err != nil {
		return nil, fmt.Errorf("Commit: %w", err)
	}

	var r *Receipt
	err = db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		now := s.clock()
		var err error
		r, err = scanReceipt(tx.QueryRowContext(ctx, commitReceiptSQL,
			tenantID, key, executionID, result,
			nullString(out.ExternalProvider), nullString(out.ExternalKey), nullString(out.ExternalTransactionID),
			now, now.Add(s.retention),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotPending
		}
		if err != nil {
			return fmt.Errorf("Commit: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) Fail(ctx context.Context, key, executionID, reason string) (*Receipt, error) {
	var r *Receipt
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		now := s.clock()
		var err error
		r, err = scanReceipt(tx.QueryRowContext(ctx, failReceiptSQL,
			tenantID, key, executionID, reason, now, now.Add(s.retention),
		))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotPending
		}
		if err != nil {
			return fmt.Errorf("Fail: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Receipt, error) {
	var r *Receipt
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		var err error
		r, err = scanReceipt(tx.QueryRowContext(ctx, getReceiptSQL, tenantID, key))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("Get: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *PostgresStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*Receipt
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		rows, err := tx.QueryContext(ctx, expiredPendingSQL, tenantID, now, limit)
		if err != nil {
			return fmt.Errorf("ListExpiredPending: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanReceipt(rows)
			if err != nil {
				return fmt.Errorf("ListExpiredPending: scan: %w", err)
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

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		res, err := tx.ExecContext(ctx, deleteExpiredSQL, tenantID, now)
		if err != nil {
			return fmt.Errorf("DeleteExpired: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	var (
		r                          Receipt
		status                     string
		extProvider, extKey, extTx sql.NullString
		result, failure            sql.NullString
	)
	if err := row.Scan(
		&r.ReceiptID, &r.TenantID, &r.ToolName, &r.ToolVersion, &r.IdempotencyKey,
		&r.ExecutionID, &r.Attempt, &extProvider, &extKey, &extTx,
		&status, &result, &failure, &r.FirstSeenAt, &r.UpdatedAt, &r.TTLExpiresAt,
	); err != nil {
		return nil, err
	}
	r.Status = Status(status)
	r.ExternalProvider = extProvider.String
	r.ExternalKey = extKey.String
	r.ExternalTransactionID = extTx.String
	r.FailureReason = failure.String
	if result.Valid && result.String != "" {
		v, err := payload.Parse([]byte(result.String))
		if err != nil {
			return nil, fmt.Errorf("scanReceipt: result_json: %w", err)
		}
		r.Result = v
	}
	return &r, nil
}

func resultParam(v *structpb.Value) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := payload.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
