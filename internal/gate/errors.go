package gate

import (
	"context"
	"errors"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/ledger"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/schema"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
)

// Kind classifies every failure the gate can return.
type Kind string

const (
	KindSchemaInvalid               Kind = "SCHEMA_INVALID"
	KindSchemaMalformed             Kind = "SCHEMA_MALFORMED"
	KindToolNotFound                Kind = "TOOL_NOT_FOUND"
	KindDuplicateRegistration       Kind = "DUPLICATE_REGISTRATION"
	KindConcurrentDuplicateInFlight Kind = "CONCURRENT_DUPLICATE_IN_FLIGHT"
	KindHitlRejectedOrTimedOut      Kind = "HITL_REJECTED_OR_TIMED_OUT"
	KindAdapterTimeout              Kind = "ADAPTER_TIMEOUT"
	KindAdapterFailure              Kind = "ADAPTER_FAILURE"
	// KindPostconditionViolation: the output failed its schema after the
	// external effect may already have happened. Always reconciled.
	KindPostconditionViolation Kind = "POSTCONDITION_VIOLATION"
	KindPolicyDenied           Kind = "POLICY_DENIED"
	KindRateLimited            Kind = "RATE_LIMITED"
	KindExternalKeyRequired    Kind = "EXTERNAL_IDEMPOTENCY_REQUIRED"
	// KindKeyConflict: the idempotency key belongs to another tool or
	// version, or the receipt changed owner underneath the call.
	KindKeyConflict      Kind = "KEY_CONFLICT"
	KindTraceUnavailable Kind = "TRACE_UNAVAILABLE"
	KindInvalidRequest   Kind = "INVALID_REQUEST"
	KindCanceled         Kind = "CANCELED"
	// KindDeadlineExceeded: the caller's own deadline passed before the
	// call finished. Adapter timeouts are KindAdapterTimeout.
	KindDeadlineExceeded Kind = "DEADLINE_EXCEEDED"
	KindInternal         Kind = "INTERNAL"
)

// Error is returned by Execute for every failed call.
type Error struct {
	Kind    Kind
	Message string
	// ExecutionID is set once a receipt was reserved for the call.
	ExecutionID string
	// ApprovalRequestID is set when the call waited for a human decision.
	ApprovalRequestID string
	Err               error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: err, Message: fmt.Sprintf(format, args...)}
}

// KindOf maps err to exactly one Kind. Errors from the gate carry their kind;
// component errors are classified by their sentinel or type. nil maps to "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}
	switch schema.CodeOf(err) {
	case schema.CodeInvalid:
		return KindSchemaInvalid
	case schema.CodeMalformed, schema.CodeMissing:
		return KindSchemaMalformed
	}
	var nf *registry.ToolNotFoundError
	switch {
	case errors.As(err, &nf):
		return KindToolNotFound
	case errors.Is(err, registry.ErrDuplicateRegistration):
		return KindDuplicateRegistration
	case errors.Is(err, registry.ErrExternalIdempotencyRequired), errors.Is(err, ledger.ErrExternalKeyRequired):
		return KindExternalKeyRequired
	case errors.Is(err, ledger.ErrInFlight):
		return KindConcurrentDuplicateInFlight
	case errors.Is(err, ledger.ErrKeyReuse), errors.Is(err, ledger.ErrNotPending):
		return KindKeyConflict
	case errors.Is(err, registry.ErrTemplateInput), errors.Is(err, tenant.ErrNoTenant):
		return KindInvalidRequest
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindDeadlineExceeded
	}
	return KindInternal
}

// schemaKind maps a validator failure to its kind. Anything unexpected from
// the validator counts as invalid data.
func schemaKind(err error) Kind {
	switch schema.CodeOf(err) {
	case schema.CodeMalformed, schema.CodeMissing:
		return KindSchemaMalformed
	}
	return KindSchemaInvalid
}
