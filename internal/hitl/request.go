// Package hitl suspends tool calls that need a human decision and resumes
// them once the request is approved, rejected or timed out.
package hitl

import (
	"context"
	"errors"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
	StatusTimedOut Status = "TIMED_OUT"
)

// SystemDecider is recorded as decided_by for timeouts and withdrawn requests.
const SystemDecider = "system"

var (
	// ErrConflict is returned when deciding a request that is no longer PENDING.
	ErrConflict = errors.New("approval request already decided")
	// ErrNotFound is returned for an unknown request id.
	ErrNotFound = errors.New("approval request not found")
	// ErrInvalidDecision is returned for a decision other than APPROVED or REJECTED.
	ErrInvalidDecision = errors.New("decision must be APPROVED or REJECTED")
)

// Request is a pending or resolved approval.
type Request struct {
	RequestID     string
	TenantID      string
	ToolName      string
	ToolInput     *structpb.Value
	ExecutionID   string
	CorrelationID string
	RuleID        string
	RuleReason    string
	Status        Status
	CreatedAt     time.Time
	TimeoutAt     time.Time

	Decision       string
	DecidedBy      string
	DecidedAt      *time.Time
	DecisionReason string
}

// Resolved reports whether the request left PENDING.
func (r *Request) Resolved() bool {
	return r.Status != StatusPending
}

// Approved reports whether execution may proceed.
func (r *Request) Approved() bool {
	return r.Status == StatusApproved
}

// NewRequest describes a call waiting for approval.
type NewRequest struct {
	ToolName      string
	ToolInput     *structpb.Value
	ExecutionID   string
	CorrelationID string
	RuleID        string
	RuleReason    string
	// Timeout overrides the gate default.
	Timeout time.Duration
}

// Store persists approval requests. Every method is scoped to the tenant in ctx.
type Store interface {
	// Create stores r as PENDING and fills RequestID and TenantID.
	Create(ctx context.Context, r *Request) (*Request, error)
	Get(ctx context.Context, requestID string) (*Request, error)
	// Resolve moves a PENDING request to status. A request that is already
	// resolved yields ErrConflict.
	Resolve(ctx context.Context, requestID string, status Status, decidedBy, reason string, at time.Time) (*Request, error)
	// ListOverdue returns PENDING requests whose timeout passed.
	ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Request, error)
}
