package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/db"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
)

const (
	enqueueJobSQL = `
		INSERT INTO reconciliation_jobs (
			tenant_id, job_type, entity_type, entity_id, detected_at,
			drift_description, local_state, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 'PENDING')
		ON CONFLICT (tenant_id, job_type, entity_type, entity_id) WHERE status = 'PENDING'
		DO NOTHING
		RETURNING job_id`

	pendingJobsSQL = `
		SELECT job_id, tenant_id, job_type, entity_type, entity_id, detected_at,
		       drift_description, local_state, status
		FROM reconciliation_jobs
		WHERE tenant_id = $1 AND status = 'PENDING'
		ORDER BY detected_at
		LIMIT $2`
)

// PostgresQueue keeps jobs in reconciliation_jobs. The partial unique index
// on open jobs makes Enqueue idempotent.
type PostgresQueue struct {
	db *sql.DB
}

func NewPostgresQueue(conn *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: conn}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	var state any
	if job.LocalState != nil {
		b, err := payload.Marshal(job.LocalState)
		if err != nil {
			return false, fmt.Errorf("Enqueue: %w", err)
		}
		state = string(b)
	}

	created := false
	err := db.TenantTx(ctx, q.db, func(tx *sql.Tx, tenantID string) error {
		var id string
		err := tx.QueryRowContext(ctx, enqueueJobSQL,
			tenantID, string(job.JobType), job.EntityType, job.EntityID, job.DetectedAt,
			job.DriftDescription, state,
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("Enqueue: %w", err)
		}
		created = true
		return nil
	})
	return created, err
}

func (q *PostgresQueue) ListPending(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*Job
	err := db.TenantTx(ctx, q.db, func(tx *sql.Tx, tenantID string) error {
		rows, err := tx.QueryContext(ctx, pendingJobsSQL, tenantID, limit)
		if err != nil {
			return fmt.Errorf("ListPending: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				j           Job
				jobType     string
				description sql.NullString
				state       sql.NullString
			)
			if err := rows.Scan(&j.JobID, &j.TenantID, &jobType, &j.EntityType, &j.EntityID,
				&j.DetectedAt, &description, &state, &j.Status); err != nil {
				return fmt.Errorf("ListPending: scan: %w", err)
			}
			j.JobType = JobType(jobType)
			j.DriftDescription = description.String
			if state.Valid {
				v, err := payload.Parse([]byte(state.String))
				if err != nil {
					return fmt.Errorf("ListPending: local_state: %w", err)
				}
				j.LocalState = v
			}
			out = append(out, &j)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
