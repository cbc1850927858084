// Package reconcile queues drift between the receipts ledger and the outside
// world for out-of-band resolution, and sweeps expired ledger state.
package reconcile

import (
	"context"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/ledger"
	"google.golang.org/protobuf/types/known/structpb"
)

// JobType classifies the drift.
type JobType string

const (
	// JobPostconditionViolation: the adapter returned output that failed the
	// contract's output schema after a possibly completed external effect.
	JobPostconditionViolation JobType = "POSTCONDITION_VIOLATION"
	// JobAdapterTimeout: a write-class adapter call was abandoned at its
	// deadline and may still have taken effect.
	JobAdapterTimeout JobType = "ADAPTER_TIMEOUT"
	// JobOrphanedPending: a PENDING receipt outlived its lease.
	JobOrphanedPending JobType = "ORPHANED_PENDING"
)

// EntityReceipt is the entity type of receipt-scoped jobs.
const EntityReceipt = "receipt"

const StatusPending = "PENDING"

// Job is one reconciliation work item.
type Job struct {
	JobID            string
	TenantID         string
	JobType          JobType
	EntityType       string
	EntityID         string
	DriftDescription string
	LocalState       *structpb.Value
	Status           string
	DetectedAt       time.Time
}

// Queue stores jobs. At most one PENDING job exists per (tenant, job type,
// entity); Enqueue reports false when one is already open. Every method is
// scoped to the tenant in ctx.
type Queue interface {
	Enqueue(ctx context.Context, job Job) (bool, error)
	ListPending(ctx context.Context, limit int) ([]*Job, error)
}

// ReceiptJob builds a receipt-scoped job carrying the receipt's local state.
func ReceiptJob(t JobType, r *ledger.Receipt, description string, now time.Time) Job {
	state, _ := structpb.NewStruct(map[string]any{
		"idempotency_key":          r.IdempotencyKey,
		"tool_name":                r.ToolName,
		"tool_version":             r.ToolVersion,
		"execution_id":             r.ExecutionID,
		"attempt":                  float64(r.Attempt),
		"status":                   string(r.Status),
		"external_provider":        r.ExternalProvider,
		"external_idempotency_key": r.ExternalKey,
		"ttl_expires_at":           r.TTLExpiresAt.UTC().Format(time.RFC3339Nano),
	})
	entity := r.ReceiptID
	if entity == "" {
		entity = r.IdempotencyKey
	}
	return Job{
		TenantID:         r.TenantID,
		JobType:          t,
		EntityType:       EntityReceipt,
		EntityID:         entity,
		DriftDescription: description,
		LocalState:       structpb.NewStructValue(state),
		Status:           StatusPending,
		DetectedAt:       now,
	}
}
