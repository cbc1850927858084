package server

import (
	"context"
	"errors"

	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
	"github.com/triage-ai/palisade/services/tool_gate/internal/hitl"
	"github.com/triage-ai/palisade/services/tool_gate/internal/ledger"
	"github.com/triage-ai/palisade/services/tool_gate/internal/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Trailer keys set on failed calls.
const (
	TrailerErrorKind         = "x-error-kind"
	TrailerExecutionID       = "x-execution-id"
	TrailerApprovalRequestID = "x-approval-request-id"
)

// Kinds reported for failures outside the gate.
const (
	kindNotFound        = "NOT_FOUND"
	kindConflict        = "CONFLICT"
	kindUnauthenticated = "UNAUTHENTICATED"
)

var kindCodes = map[gate.Kind]codes.Code{
	gate.KindSchemaInvalid:               codes.InvalidArgument,
	gate.KindSchemaMalformed:             codes.FailedPrecondition,
	gate.KindToolNotFound:                codes.NotFound,
	gate.KindDuplicateRegistration:       codes.AlreadyExists,
	gate.KindConcurrentDuplicateInFlight: codes.Aborted,
	gate.KindHitlRejectedOrTimedOut:      codes.PermissionDenied,
	gate.KindAdapterTimeout:              codes.DeadlineExceeded,
	gate.KindAdapterFailure:              codes.Unavailable,
	gate.KindPostconditionViolation:      codes.DataLoss,
	gate.KindPolicyDenied:                codes.PermissionDenied,
	gate.KindRateLimited:                 codes.ResourceExhausted,
	gate.KindExternalKeyRequired:         codes.FailedPrecondition,
	gate.KindKeyConflict:                 codes.AlreadyExists,
	gate.KindTraceUnavailable:            codes.Unavailable,
	gate.KindInvalidRequest:              codes.InvalidArgument,
	gate.KindCanceled:                    codes.Canceled,
	gate.KindDeadlineExceeded:            codes.DeadlineExceeded,
	gate.KindInternal:                    codes.Internal,
}

// classify maps err to a status code and the kind reported to the caller.
func classify(err error) (codes.Code, string) {
	var ge *gate.Error
	if errors.As(err, &ge) {
		return kindCodes[ge.Kind], string(ge.Kind)
	}
	switch {
	case errors.Is(err, auth.ErrInactiveTenant):
		return codes.PermissionDenied, kindUnauthenticated
	case errors.Is(err, auth.ErrUnauthenticated):
		return codes.Unauthenticated, kindUnauthenticated
	case errors.Is(err, hitl.ErrNotFound),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, trace.ErrNotFound),
		errors.Is(err, events.ErrNotFound):
		return codes.NotFound, kindNotFound
	case errors.Is(err, hitl.ErrConflict), errors.Is(err, trace.ErrAlreadyClosed):
		return codes.FailedPrecondition, kindConflict
	case errors.Is(err, hitl.ErrInvalidDecision),
		errors.Is(err, trace.ErrInvalidEntry),
		errors.Is(err, events.ErrInvalidEvent):
		return codes.InvalidArgument, string(gate.KindInvalidRequest)
	}
	kind := gate.KindOf(err)
	return kindCodes[kind], string(kind)
}

// statusError converts err to a gRPC status and reports its kind, plus the
// execution and approval ids of a gate failure, in the trailer.
func statusError(ctx context.Context, err error) error {
	code, kind := classify(err)
	md := metadata.Pairs(TrailerErrorKind, kind)
	var ge *gate.Error
	if errors.As(err, &ge) {
		if ge.ExecutionID != "" {
			md.Append(TrailerExecutionID, ge.ExecutionID)
		}
		if ge.ApprovalRequestID != "" {
			md.Append(TrailerApprovalRequestID, ge.ApprovalRequestID)
		}
	}
	_ = grpc.SetTrailer(ctx, md)
	return status.Error(code, err.Error())
}
