package events

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/db"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
)

const (
	contentDuplicateSQL = `
		SELECT event_id FROM event_store
		WHERE tenant_id = $1 AND payload_sha256 = $2
		ORDER BY received_at
		LIMIT 1`

	insertEventSQL = `
		INSERT INTO event_store (
			tenant_id, source, source_event_id, event_type, received_at,
			payload_json, payload_sha256, processing_status, duplicate_of, correlation_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, source, source_event_id) DO NOTHING
		RETURNING event_id`

	existingEventSQL = `
		SELECT event_id FROM event_store
		WHERE tenant_id = $1 AND source = $2 AND source_event_id = $3`

	getEventSQL = `
		SELECT event_id, tenant_id, source, source_event_id, event_type, received_at,
		       payload_json, payload_sha256, processing_status, duplicate_of, correlation_id
		FROM event_store
		WHERE tenant_id = $1 AND event_id = $2`
)

// PostgresStore keeps events in event_store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(conn *sql.DB) *PostgresStore {
	return &PostgresStore{db: conn}
}

func (s *PostgresStore) Insert(ctx context.Context, e *Event) (IngestResult, error) {
	body, err := payload.Marshal(e.Payload)
	if err != nil {
		return IngestResult{}, fmt.Errorf("Insert: %w", err)
	}

	var res IngestResult
	err = db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		var original sql.NullString
		err := tx.QueryRowContext(ctx, contentDuplicateSQL, tenantID, e.PayloadSHA256).Scan(&original)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("Insert: content lookup: %w", err)
		}

		status := StatusReceived
		if original.Valid {
			status = StatusDuplicate
		}
		var id string
		err = tx.QueryRowContext(ctx, insertEventSQL,
			tenantID, e.Source, e.SourceEventID, e.EventType, e.ReceivedAt,
			string(body), e.PayloadSHA256, status, original, nullString(e.CorrelationID),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.QueryRowContext(ctx, existingEventSQL, tenantID, e.Source, e.SourceEventID).Scan(&id); err != nil {
				return fmt.Errorf("Insert: existing: %w", err)
			}
			res = IngestResult{Outcome: DuplicateByID, EventID: id}
			return nil
		}
		if err != nil {
			return fmt.Errorf("Insert: %w", err)
		}

		res = IngestResult{Outcome: Accepted, EventID: id}
		if original.Valid {
			res.Outcome = DuplicateByContent
			res.DuplicateOf = original.String
		}
		return nil
	})
	return res, err
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*Event, error) {
	var out *Event
	err := db.TenantTx(ctx, s.db, func(tx *sql.Tx, tenantID string) error {
		var (
			e           Event
			body        string
			duplicateOf sql.NullString
			correlation sql.NullString
		)
		err := tx.QueryRowContext(ctx, getEventSQL, tenantID, eventID).Scan(
			&e.EventID, &e.TenantID, &e.Source, &e.SourceEventID, &e.EventType, &e.ReceivedAt,
			&body, &e.PayloadSHA256, &e.ProcessingStatus, &duplicateOf, &correlation,
		)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("Get: %w", err)
		}
		v, err := payload.Parse([]byte(body))
		if err != nil {
			return fmt.Errorf("Get: payload: %w", err)
		}
		e.Payload = v
		e.DuplicateOf = duplicateOf.String
		e.CorrelationID = correlation.String
		out = &e
		return nil
	})
	return out, err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
