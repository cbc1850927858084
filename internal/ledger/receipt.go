// Package ledger is the tenant-scoped receipts ledger that makes side-effecting
// tool calls execute at most once per idempotency key.
package ledger

import (
	"errors"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the lifecycle state of a receipt.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCommitted Status = "COMMITTED"
	StatusFailed    Status = "FAILED"
)

var (
	// ErrInFlight is returned by Reserve when another attempt holds an
	// unexpired PENDING receipt for the key.
	ErrInFlight = errors.New("concurrent duplicate in flight")
	// ErrKeyReuse is returned when a key already belongs to another tool or version.
	ErrKeyReuse = errors.New("idempotency key already used by a different tool")
	// ErrNotPending is returned when finalizing a receipt that is no longer
	// PENDING or belongs to a newer attempt.
	ErrNotPending = errors.New("receipt is not pending for this execution")
	// ErrExternalKeyRequired is returned when committing a call that must
	// carry an external idempotency key without one.
	ErrExternalKeyRequired = errors.New("external idempotency key required to commit")
	// ErrNotFound is returned by Get for an unknown key.
	ErrNotFound = errors.New("receipt not found")
)

// Receipt records that a logical call has, or has not yet, produced a result.
type Receipt struct {
	ReceiptID      string
	TenantID       string
	ToolName       string
	ToolVersion    string
	IdempotencyKey string
	// ExecutionID identifies the current physical attempt.
	ExecutionID string
	Attempt     int

	ExternalProvider      string
	ExternalKey           string
	ExternalTransactionID string

	Status        Status
	Result        *structpb.Value
	FailureReason string

	FirstSeenAt  time.Time
	UpdatedAt    time.Time
	TTLExpiresAt time.Time
}

// Terminal reports whether the receipt reached COMMITTED or FAILED.
func (r *Receipt) Terminal() bool {
	return r.Status == StatusCommitted || r.Status == StatusFailed
}

// Decision is the outcome of a successful Reserve.
type Decision int

const (
	// Reserved means the caller owns a PENDING receipt and may execute.
	Reserved Decision = iota
	// Replay means the key already COMMITTED; the stored result is returned
	// and nothing may execute.
	Replay
)

func (d Decision) String() string {
	if d == Replay {
		return "replay"
	}
	return "reserved"
}

// ReserveRequest describes the attempt being reserved.
type ReserveRequest struct {
	Key              string
	ToolName         string
	ToolVersion      string
	ExecutionID      string
	ExternalProvider string
	ExternalKey      string
	// Lease bounds how long a PENDING receipt blocks duplicates before a
	// new attempt may take it over.
	Lease time.Duration
}

// Reservation is returned by Reserve.
type Reservation struct {
	Decision Decision
	Receipt  *Receipt
}

// Outcome finalizes a reserved attempt.
type Outcome struct {
	Result                *structpb.Value
	ExternalProvider      string
	ExternalKey           string
	ExternalTransactionID string
	// RequireExternalKey rejects a commit with an empty ExternalKey.
	RequireExternalKey bool
}

type action int

const (
	actionReplay action = iota
	actionTakeover
)

// decide resolves a reservation against an existing receipt for the same key.
func decide(existing *Receipt, req ReserveRequest, now time.Time) (action, error) {
	if existing.ToolName != req.ToolName || existing.ToolVersion != req.ToolVersion {
		return 0, ErrKeyReuse
	}
	switch existing.Status {
	case StatusCommitted:
		return actionReplay, nil
	case StatusPending:
		if now.Before(existing.TTLExpiresAt) {
			return 0, ErrInFlight
		}
		return actionTakeover, nil
	default:
		return actionTakeover, nil
	}
}
