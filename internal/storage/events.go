// Package storage ships per-call analytics events to a sink off the
// request path.
package storage

import "time"

// EventWriter is the interface for writing tool call events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *ToolCallEvent)
	Close()
}

// Outcome values for ToolCallEvent.
const (
	OutcomeCommitted = "committed"
	OutcomeReplayed  = "replayed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// ToolCallEvent summarises one pass through the execution gate.
type ToolCallEvent struct {
	ExecutionID    string
	TenantID       string
	Timestamp      time.Time
	ToolName       string
	ToolVersion    string
	SideEffect     string
	CorrelationID  string
	IdempotencyKey string
	Attempt        int32

	// Outcome is one of the Outcome* constants; ErrorKind is set unless
	// the call committed or replayed.
	Outcome   string
	ErrorKind string

	PolicyAction  string
	PolicyRules   []string
	PolicyActions []string
	PolicyDetails []string
	// Approval is the HITL status when the call waited for approval.
	Approval string

	CostCents        int64
	LatencyMs        float32
	AdapterLatencyMs float32
}
