// Package server exposes the tool gate over gRPC.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gate/internal/auth"
	"github.com/triage-ai/palisade/services/tool_gate/internal/events"
	"github.com/triage-ai/palisade/services/tool_gate/internal/gate"
	"github.com/triage-ai/palisade/services/tool_gate/internal/hitl"
	"github.com/triage-ai/palisade/services/tool_gate/internal/ledger"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
	"github.com/triage-ai/palisade/services/tool_gate/internal/trace"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Deps are the components behind the service. Approvals and Events are
// optional; their RPCs answer Unimplemented without them.
type Deps struct {
	Gate      *gate.Gate
	Approvals *hitl.Gate
	Receipts  ledger.Store
	Traces    *trace.Recorder
	Events    *events.Ledger
	Auth      auth.Authenticator
}

// ToolGateServer implements ToolGateServiceServer.
type ToolGateServer struct {
	gate      *gate.Gate
	approvals *hitl.Gate
	receipts  ledger.Store
	traces    *trace.Recorder
	events    *events.Ledger
	auth      auth.Authenticator
	logger    *zap.Logger
}

// NewToolGateServer creates a new ToolGateServer with the given dependencies.
func NewToolGateServer(d Deps, logger *zap.Logger) *ToolGateServer {
	return &ToolGateServer{
		gate:      d.Gate,
		approvals: d.Approvals,
		receipts:  d.Receipts,
		traces:    d.Traces,
		events:    d.Events,
		auth:      d.Auth,
		logger:    logger,
	}
}

// authenticate resolves the caller and installs its tenant into ctx.
func (s *ToolGateServer) authenticate(ctx context.Context) (context.Context, *auth.TenantContext, error) {
	tc, err := s.auth.Authenticate(ctx)
	if err != nil {
		return nil, nil, statusError(ctx, err)
	}
	return tenant.WithTenant(ctx, tc.TenantID), tc, nil
}

// fail logs unexpected failures and converts err to a status.
func (s *ToolGateServer) fail(ctx context.Context, method string, err error) error {
	code, kind := classify(err)
	if code == codes.Internal || code == codes.Unknown {
		tenantID, _ := tenant.FromContext(ctx)
		s.logger.Error("rpc failed",
			zap.String("method", method),
			zap.String("tenant_id", tenantID),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
	return statusError(ctx, err)
}

// Execute implements ToolGateService.Execute.
func (s *ToolGateServer) Execute(ctx context.Context, req *ExecuteRequest) (*ExecuteResponse, error) {
	ctx, _, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}

	input, err := parseJSON(req.Input, structpb.NewStructValue(&structpb.Struct{}))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "input: %v", err)
	}

	res, err := s.gate.Execute(ctx, gate.Call{
		ToolName:       req.ToolName,
		ToolVersion:    req.ToolVersion,
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		Input:          input,
	})
	if err != nil {
		return nil, s.fail(ctx, "Execute", err)
	}

	out, err := marshalJSON(res.Output)
	if err != nil {
		return nil, s.fail(ctx, "Execute", err)
	}
	resp := &ExecuteResponse{
		ExecutionID:       res.ExecutionID,
		Output:            out,
		Replayed:          res.Replayed,
		PolicyAction:      res.Verdict.Action.String(),
		PolicyRule:        res.Verdict.RuleID,
		PolicyReason:      res.Verdict.Reason,
		ApprovalRequestID: res.ApprovalRequestID,
	}
	if r := res.Receipt; r != nil {
		resp.ReceiptStatus = string(r.Status)
		resp.Attempt = r.Attempt
		resp.ExternalTransactionID = r.ExternalTransactionID
	}
	return resp, nil
}

// DecideApproval implements ToolGateService.DecideApproval. The decider
// defaults to the authenticated tenant.
func (s *ToolGateServer) DecideApproval(ctx context.Context, req *DecideApprovalRequest) (*Approval, error) {
	if s.approvals == nil {
		return nil, status.Error(codes.Unimplemented, "approvals are not enabled")
	}
	ctx, tc, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = tc.Name
	}
	decision := hitl.Status(strings.ToUpper(req.Decision))
	r, err := s.approvals.Decide(ctx, req.RequestID, decision, decidedBy, req.Reason)
	if err != nil {
		return nil, s.fail(ctx, "DecideApproval", err)
	}
	return s.approval(ctx, "DecideApproval", r)
}

// GetApproval implements ToolGateService.GetApproval.
func (s *ToolGateServer) GetApproval(ctx context.Context, req *GetApprovalRequest) (*Approval, error) {
	if s.approvals == nil {
		return nil, status.Error(codes.Unimplemented, "approvals are not enabled")
	}
	ctx, _, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.approvals.Get(ctx, req.RequestID)
	if err != nil {
		return nil, s.fail(ctx, "GetApproval", err)
	}
	return s.approval(ctx, "GetApproval", r)
}

func (s *ToolGateServer) approval(ctx context.Context, method string, r *hitl.Request) (*Approval, error) {
	input, err := marshalJSON(r.ToolInput)
	if err != nil {
		return nil, s.fail(ctx, method, err)
	}
	return &Approval{
		RequestID:      r.RequestID,
		ToolName:       r.ToolName,
		ToolInput:      input,
		ExecutionID:    r.ExecutionID,
		CorrelationID:  r.CorrelationID,
		RuleID:         r.RuleID,
		RuleReason:     r.RuleReason,
		Status:         string(r.Status),
		CreatedAt:      r.CreatedAt,
		TimeoutAt:      r.TimeoutAt,
		DecidedBy:      r.DecidedBy,
		DecidedAt:      r.DecidedAt,
		DecisionReason: r.DecisionReason,
	}, nil
}

// GetReceipt implements ToolGateService.GetReceipt.
func (s *ToolGateServer) GetReceipt(ctx context.Context, req *GetReceiptRequest) (*Receipt, error) {
	ctx, _, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.receipts.Get(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, s.fail(ctx, "GetReceipt", err)
	}
	result, err := marshalJSON(r.Result)
	if err != nil {
		return nil, s.fail(ctx, "GetReceipt", err)
	}
	return &Receipt{
		ReceiptID:             r.ReceiptID,
		ToolName:              r.ToolName,
		ToolVersion:           r.ToolVersion,
		IdempotencyKey:        r.IdempotencyKey,
		ExecutionID:           r.ExecutionID,
		Attempt:               r.Attempt,
		Status:                string(r.Status),
		Result:                result,
		FailureReason:         r.FailureReason,
		ExternalProvider:      r.ExternalProvider,
		ExternalKey:           r.ExternalKey,
		ExternalTransactionID: r.ExternalTransactionID,
		FirstSeenAt:           r.FirstSeenAt,
		UpdatedAt:             r.UpdatedAt,
		TTLExpiresAt:          r.TTLExpiresAt,
	}, nil
}

// GetTrace implements ToolGateService.GetTrace.
func (s *ToolGateServer) GetTrace(ctx context.Context, req *GetTraceRequest) (*Trace, error) {
	ctx, _, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	t, err := s.traces.Get(ctx, req.CorrelationID)
	if err != nil {
		return nil, s.fail(ctx, "GetTrace", err)
	}
	return toTrace(t), nil
}

// CloseTrace implements ToolGateService.CloseTrace. Closing twice fails
// with FailedPrecondition.
func (s *ToolGateServer) CloseTrace(ctx context.Context, req *CloseTraceRequest) (*Trace, error) {
	ctx, _, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	st := trace.Status(strings.ToUpper(req.Status))
	if err := s.traces.Close(ctx, req.CorrelationID, st); err != nil {
		return nil, s.fail(ctx, "CloseTrace", err)
	}
	t, err := s.traces.Get(ctx, req.CorrelationID)
	if err != nil {
		return nil, s.fail(ctx, "CloseTrace", err)
	}
	return toTrace(t), nil
}

func toTrace(t *trace.Trace) *Trace {
	return &Trace{
		TraceID:       t.TraceID,
		CorrelationID: t.CorrelationID,
		ExecutionID:   t.ExecutionID,
		Steps:         t.Steps,
		ToolCalls:     t.ToolCalls,
		StateDiffs:    t.StateDiffs,
		CostCents:     t.CostCents,
		Status:        string(t.Status),
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
	}
}

// IngestEvent implements ToolGateService.IngestEvent.
func (s *ToolGateServer) IngestEvent(ctx context.Context, req *IngestEventRequest) (*IngestEventResponse, error) {
	if s.events == nil {
		return nil, status.Error(codes.Unimplemented, "event ingestion is not enabled")
	}
	ctx, _, err := s.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	body, err := parseJSON(req.Payload, nil)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "payload: %v", err)
	}
	res, err := s.events.Ingest(ctx, events.Event{
		Source:        req.Source,
		SourceEventID: req.SourceEventID,
		EventType:     req.EventType,
		CorrelationID: req.CorrelationID,
		Payload:       body,
	})
	if err != nil {
		return nil, s.fail(ctx, "IngestEvent", err)
	}
	return &IngestEventResponse{
		EventID:     res.EventID,
		Outcome:     res.Outcome.String(),
		DuplicateOf: res.DuplicateOf,
	}, nil
}

func parseJSON(raw json.RawMessage, empty *structpb.Value) (*structpb.Value, error) {
	if len(raw) == 0 {
		return empty, nil
	}
	v, err := payload.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parseJSON: %w", err)
	}
	return v, nil
}

func marshalJSON(v *structpb.Value) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	b, err := payload.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalJSON: %w", err)
	}
	return b, nil
}
