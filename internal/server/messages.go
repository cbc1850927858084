package server

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/trace"
)

// ExecuteRequest runs one tool call for the authenticated tenant.
type ExecuteRequest struct {
	ToolName       string          `json:"tool_name"`
	ToolVersion    string          `json:"tool_version"`
	CorrelationID  string          `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
}

type ExecuteResponse struct {
	ExecutionID           string          `json:"execution_id"`
	Output                json.RawMessage `json:"output,omitempty"`
	Replayed              bool            `json:"replayed"`
	ReceiptStatus         string          `json:"receipt_status"`
	Attempt               int             `json:"attempt"`
	ExternalTransactionID string          `json:"external_transaction_id,omitempty"`
	PolicyAction          string          `json:"policy_action"`
	PolicyRule            string          `json:"policy_rule,omitempty"`
	PolicyReason          string          `json:"policy_reason,omitempty"`
	ApprovalRequestID     string          `json:"approval_request_id,omitempty"`
}

// DecideApprovalRequest resolves a pending approval. Decision is APPROVED
// or REJECTED.
type DecideApprovalRequest struct {
	RequestID string `json:"request_id"`
	Decision  string `json:"decision"`
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason,omitempty"`
}

type GetApprovalRequest struct {
	RequestID string `json:"request_id"`
}

type Approval struct {
	RequestID      string          `json:"request_id"`
	ToolName       string          `json:"tool_name"`
	ToolInput      json.RawMessage `json:"tool_input,omitempty"`
	ExecutionID    string          `json:"execution_id"`
	CorrelationID  string          `json:"correlation_id"`
	RuleID         string          `json:"rule_id,omitempty"`
	RuleReason     string          `json:"rule_reason,omitempty"`
	Status         string          `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	TimeoutAt      time.Time       `json:"timeout_at"`
	DecidedBy      string          `json:"decided_by,omitempty"`
	DecidedAt      *time.Time      `json:"decided_at,omitempty"`
	DecisionReason string          `json:"decision_reason,omitempty"`
}

type GetReceiptRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type Receipt struct {
	ReceiptID             string          `json:"receipt_id"`
	ToolName              string          `json:"tool_name"`
	ToolVersion           string          `json:"tool_version"`
	IdempotencyKey        string          `json:"idempotency_key"`
	ExecutionID           string          `json:"execution_id"`
	Attempt               int             `json:"attempt"`
	Status                string          `json:"status"`
	Result                json.RawMessage `json:"result,omitempty"`
	FailureReason         string          `json:"failure_reason,omitempty"`
	ExternalProvider      string          `json:"external_provider,omitempty"`
	ExternalKey           string          `json:"external_key,omitempty"`
	ExternalTransactionID string          `json:"external_transaction_id,omitempty"`
	FirstSeenAt           time.Time       `json:"first_seen_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
	TTLExpiresAt          time.Time       `json:"ttl_expires_at"`
}

type GetTraceRequest struct {
	CorrelationID string `json:"correlation_id"`
}

// CloseTraceRequest finalizes a run. Status is COMPLETED or FAILED.
type CloseTraceRequest struct {
	CorrelationID string `json:"correlation_id"`
	Status        string `json:"status"`
}

type Trace struct {
	TraceID       string        `json:"trace_id"`
	CorrelationID string        `json:"correlation_id"`
	ExecutionID   string        `json:"execution_id,omitempty"`
	Steps         []trace.Entry `json:"steps"`
	ToolCalls     []trace.Entry `json:"tool_calls"`
	StateDiffs    []trace.Entry `json:"state_diffs"`
	CostCents     int64         `json:"cost_cents"`
	Status        string        `json:"status"`
	StartedAt     time.Time     `json:"started_at"`
	CompletedAt   *time.Time    `json:"completed_at,omitempty"`
}

type IngestEventRequest struct {
	Source        string          `json:"source"`
	SourceEventID string          `json:"source_event_id"`
	EventType     string          `json:"event_type"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type IngestEventResponse struct {
	EventID     string `json:"event_id"`
	Outcome     string `json:"outcome"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
}
