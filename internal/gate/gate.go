// Package gate runs a single tool call through validation, policy,
// reservation, optional human approval, execution and finalization.
//
// Every side-effecting call executes at most once per (tenant, idempotency
// key): the receipt is reserved before the adapter runs and a committed
// receipt short-circuits every later call with the same key.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gate/internal/adapter"
	"github.com/triage-ai/palisade/services/tool_gate/internal/hitl"
	"github.com/triage-ai/palisade/services/tool_gate/internal/ledger"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/reconcile"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/schema"
	"github.com/triage-ai/palisade/services/tool_gate/internal/storage"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
	"github.com/triage-ai/palisade/services/tool_gate/internal/trace"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Config tunes the gate.
type Config struct {
	// ApprovalTimeout bounds a human approval wait. Default 15m.
	ApprovalTimeout time.Duration
	// LeaseGrace is added to the contract timeout, and to the approval
	// timeout when approval is required, to form the reservation lease.
	// Default 30s.
	LeaseGrace time.Duration
}

func (c Config) withDefaults() Config {
	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = 15 * time.Minute
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 30 * time.Second
	}
	return c
}

// Deps are the components the gate orchestrates. Policy, Approvals, Jobs
// and Events are optional.
type Deps struct {
	Contracts registry.ContractRegistry
	Validator *schema.Validator
	Receipts  ledger.Store
	Traces    *trace.Recorder
	Adapters  *adapter.Set
	Policy    *policy.Engine
	Approvals *hitl.Gate
	Jobs      reconcile.Queue
	Events    storage.EventWriter
}

// Call is one tool call request. The tenant comes from ctx.
type Call struct {
	ToolName      string
	ToolVersion   string
	CorrelationID string
	// IdempotencyKey overrides the contract's key template.
	IdempotencyKey string
	Input          *structpb.Value
}

// Result is a successful call, fresh or replayed.
type Result struct {
	ExecutionID string
	Output      *structpb.Value
	// Replayed is true when the output came from an earlier committed
	// receipt and nothing was executed.
	Replayed          bool
	Receipt           *ledger.Receipt
	Verdict           policy.Verdict
	ApprovalRequestID string
}

// Gate is safe for concurrent use.
type Gate struct {
	contracts registry.ContractRegistry
	validator *schema.Validator
	receipts  ledger.Store
	traces    *trace.Recorder
	adapters  *adapter.Set
	policy    *policy.Engine
	approvals *hitl.Gate
	jobs      reconcile.Queue
	events    storage.EventWriter

	cfg       Config
	logger    *zap.Logger
	clock     func() time.Time
	redactors sync.Map // contract key -> *redactors
}

func New(d Deps, cfg Config, logger *zap.Logger) *Gate {
	return &Gate{
		contracts: d.Contracts,
		validator: d.Validator,
		receipts:  d.Receipts,
		traces:    d.Traces,
		adapters:  d.Adapters,
		policy:    d.Policy,
		approvals: d.Approvals,
		jobs:      d.Jobs,
		events:    d.Events,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// attempt is the state of a call that owns a PENDING receipt.
type attempt struct {
	call        *Call
	contract    *registry.Contract
	redact      *redactors
	tenantID    string
	key         string
	ext         *adapter.ExternalKey
	executionID string
	approvalID  string
	started     time.Time
}

type redactors struct {
	input  *trace.Redactor
	output *trace.Redactor
}

// Execute runs call and returns its output. Failures are *Error values;
// use KindOf to branch on them.
func (g *Gate) Execute(ctx context.Context, call Call) (*Result, error) {
	start := g.clock()
	ev := &storage.ToolCallEvent{
		Timestamp:     start,
		ToolName:      call.ToolName,
		ToolVersion:   call.ToolVersion,
		CorrelationID: call.CorrelationID,
	}
	res, err := g.execute(ctx, &call, ev, start)
	g.emit(ev, start, res, err)
	return res, err
}

func (g *Gate) execute(ctx context.Context, call *Call, ev *storage.ToolCallEvent, start time.Time) (*Result, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, newError(KindInvalidRequest, err, "tenant is required")
	}
	ev.TenantID = tenantID
	if call.CorrelationID == "" {
		return nil, newError(KindInvalidRequest, nil, "correlation_id is required")
	}

	// RECEIVED -> VALIDATED. Nothing below this block may run for a call
	// whose input does not validate.
	c, err := g.contracts.Lookup(call.ToolName, call.ToolVersion)
	if err != nil {
		return nil, &Error{Kind: KindOf(err), Err: err}
	}
	ev.SideEffect = string(c.SideEffect)
	if err := g.validator.Validate(call.Input, c.InputSchema); err != nil {
		return nil, newError(schemaKind(err), err, "input for tool '%s'", c.Key())
	}

	red, err := g.redactorsFor(c)
	if err != nil {
		return nil, newError(KindInternal, err, "redaction for tool '%s'", c.Key())
	}
	vars := registry.TemplateVars{
		TenantID:      tenantID,
		Tool:          c.Name,
		Version:       c.Version,
		CorrelationID: call.CorrelationID,
		Input:         call.Input,
	}
	key, err := internalKey(c, call, vars)
	if err != nil {
		return nil, newError(KindOf(err), err, "idempotency key")
	}
	ext, err := externalKey(c, vars)
	if err != nil {
		return nil, newError(KindOf(err), err, "external idempotency key")
	}
	ev.IdempotencyKey = key

	a := &attempt{
		call:        call,
		contract:    c,
		redact:      red,
		tenantID:    tenantID,
		key:         key,
		ext:         ext,
		executionID: uuid.NewString(),
		started:     start,
	}

	// A committed key replays before policy runs, so a retry is never
	// refused or charged against the rate limit. Reserve still settles a
	// race with a concurrent first attempt.
	prior, err := g.receipts.Get(ctx, key)
	switch {
	case err == nil && prior.Status == ledger.StatusCommitted &&
		prior.ToolName == c.Name && prior.ToolVersion == c.Version:
		return g.replay(ctx, a, prior, policy.Verdict{Action: policy.ActionAllow}, ev)
	case err != nil && !errors.Is(err, ledger.ErrNotFound):
		return nil, newError(KindOf(err), err, "look up idempotency key '%s'", key)
	}

	verdict, err := g.evaluate(ctx, c, call, tenantID)
	if err != nil {
		return nil, newError(KindTraceUnavailable, err, "load run trace for policy")
	}
	recordVerdict(ev, verdict)
	switch verdict.Action {
	case policy.ActionDeny:
		kind := KindPolicyDenied
		if verdict.RuleID == "rate_limit" {
			kind = KindRateLimited
		}
		return nil, newError(kind, nil, "%s: %s", verdict.RuleID, verdict.Reason)
	case policy.ActionRequireApproval:
		if g.approvals == nil {
			return nil, newError(KindInternal, nil, "approval required by %s but no approval gate is configured", verdict.RuleID)
		}
	}

	// VALIDATED -> RESERVED
	lease := c.Timeout + g.cfg.LeaseGrace
	if verdict.Action == policy.ActionRequireApproval {
		lease += g.cfg.ApprovalTimeout
	}
	req := ledger.ReserveRequest{
		Key:              key,
		ToolName:         c.Name,
		ToolVersion:      c.Version,
		ExecutionID:      a.executionID,
		ExternalProvider: c.ExternalProvider,
		Lease:            lease,
	}
	if ext != nil {
		req.ExternalKey = ext.Key
	}
	rsv, err := g.receipts.Reserve(ctx, req)
	if err != nil {
		return nil, newError(KindOf(err), err, "reserve idempotency key '%s'", key)
	}
	if rsv.Decision == ledger.Replay {
		return g.replay(ctx, a, rsv.Receipt, verdict, ev)
	}
	ev.ExecutionID = a.executionID
	ev.Attempt = int32(rsv.Receipt.Attempt)

	run, err := g.traces.Ensure(ctx, call.CorrelationID, a.executionID)
	if err == nil && run.Closed() {
		err = trace.ErrAlreadyClosed
	}
	if err != nil {
		g.failReceipt(ctx, a, "trace unavailable: "+err.Error())
		return nil, &Error{Kind: KindTraceUnavailable, ExecutionID: a.executionID, Err: err, Message: "open run trace"}
	}

	// RESERVED -> AWAITING_HITL -> APPROVED
	if verdict.Action == policy.ActionRequireApproval {
		if err := g.awaitApproval(ctx, a, verdict, ev); err != nil {
			return nil, err
		}
	}

	// EXECUTING
	out, err := g.runAdapter(ctx, a, ev)
	if err != nil {
		return nil, err
	}

	// EXECUTING -> VALIDATED(output)
	if err := g.validator.Validate(out.Output, c.OutputSchema); err != nil {
		g.logger.Error("postcondition violation",
			zap.String("tenant_id", tenantID),
			zap.String("tool_name", c.Name),
			zap.String("tool_version", c.Version),
			zap.String("execution_id", a.executionID),
			zap.String("idempotency_key", key),
			zap.String("external_transaction_id", out.ExternalTransactionID),
			zap.Error(err),
		)
		return nil, g.abort(ctx, a, KindPostconditionViolation, err,
			"output failed schema after execution", reconcile.JobPostconditionViolation)
	}

	return g.commit(ctx, a, out, verdict, ev)
}

func (g *Gate) evaluate(ctx context.Context, c *registry.Contract, call *Call, tenantID string) (policy.Verdict, error) {
	if g.policy == nil {
		return policy.Verdict{Action: policy.ActionAllow}, nil
	}
	run, err := g.traces.Get(ctx, call.CorrelationID)
	if err != nil && !errors.Is(err, trace.ErrNotFound) {
		return policy.Verdict{}, err
	}
	text, err := payload.Canonical(call.Input)
	if err != nil {
		return policy.Verdict{}, err
	}
	return g.policy.Evaluate(ctx, &policy.Request{
		TenantID:      tenantID,
		CorrelationID: call.CorrelationID,
		Contract:      c,
		Input:         call.Input,
		InputText:     string(text),
		Trace:         run,
	}), nil
}

func (g *Gate) replay(ctx context.Context, a *attempt, r *ledger.Receipt, verdict policy.Verdict, ev *storage.ToolCallEvent) (*Result, error) {
	entry := trace.Entry{
		Kind:           trace.KindToolCall,
		Name:           a.contract.Name,
		Version:        a.contract.Version,
		ExecutionID:    r.ExecutionID,
		IdempotencyKey: a.key,
		Status:         string(r.Status),
		Replayed:       true,
		Input:          a.redact.input.Apply(a.call.Input),
		Output:         a.redact.output.Apply(r.Result),
		DurationMS:     g.clock().Sub(a.started).Milliseconds(),
	}
	// Nothing executes on a replay, so a trace that is closed or
	// unavailable does not withhold the committed result.
	if err := g.appendReplay(ctx, a, r, entry); err != nil {
		g.logger.Warn("replay entry not traced",
			zap.String("tenant_id", a.tenantID),
			zap.String("correlation_id", a.call.CorrelationID),
			zap.String("execution_id", r.ExecutionID),
			zap.Error(err),
		)
	}

	ev.ExecutionID = r.ExecutionID
	ev.Attempt = int32(r.Attempt)
	g.logger.Debug("tool call replayed",
		zap.String("tenant_id", a.tenantID),
		zap.String("tool_name", a.contract.Name),
		zap.String("idempotency_key", a.key),
		zap.String("execution_id", r.ExecutionID),
	)
	return &Result{
		ExecutionID: r.ExecutionID,
		Output:      r.Result,
		Replayed:    true,
		Receipt:     r,
		Verdict:     verdict,
	}, nil
}

func (g *Gate) appendReplay(ctx context.Context, a *attempt, r *ledger.Receipt, e trace.Entry) error {
	run, err := g.traces.Ensure(ctx, a.call.CorrelationID, r.ExecutionID)
	if err != nil {
		return err
	}
	if run.Closed() {
		return trace.ErrAlreadyClosed
	}
	return g.traces.Append(ctx, a.call.CorrelationID, e)
}

func (g *Gate) awaitApproval(ctx context.Context, a *attempt, verdict policy.Verdict, ev *storage.ToolCallEvent) error {
	id, err := g.approvals.Request(ctx, hitl.NewRequest{
		ToolName:      a.contract.Name,
		ToolInput:     a.redact.input.Apply(a.call.Input),
		ExecutionID:   a.executionID,
		CorrelationID: a.call.CorrelationID,
		RuleID:        verdict.RuleID,
		RuleReason:    verdict.Reason,
		Timeout:       g.cfg.ApprovalTimeout,
	})
	if err != nil {
		return g.abort(ctx, a, KindInternal, err, "open approval request", "")
	}
	a.approvalID = id
	ev.Approval = string(hitl.StatusPending)

	decision, err := g.approvals.AwaitDecision(ctx, id, 0)
	if err != nil {
		g.withdrawApproval(ctx, a, "call abandoned before a decision")
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return g.abort(ctx, a, KindDeadlineExceeded, err, "caller deadline passed during approval wait", "")
		case ctx.Err() != nil:
			return g.abort(ctx, a, KindCanceled, err, "caller abandoned approval wait", "")
		}
		return g.abort(ctx, a, KindInternal, err, "await approval", "")
	}
	ev.Approval = string(decision.Status)
	if !decision.Approved() {
		msg := fmt.Sprintf("approval %s by %s", decision.Status, decision.DecidedBy)
		if decision.DecisionReason != "" {
			msg += ": " + decision.DecisionReason
		}
		return g.abort(ctx, a, KindHitlRejectedOrTimedOut, nil, msg, "")
	}
	g.logger.Info("tool call approved",
		zap.String("tenant_id", a.tenantID),
		zap.String("tool_name", a.contract.Name),
		zap.String("execution_id", a.executionID),
		zap.String("request_id", id),
		zap.String("decided_by", decision.DecidedBy),
	)
	return nil
}

// withdrawApproval rejects a request whose call will never run, so it
// cannot be approved later. A decision that already landed is kept.
func (g *Gate) withdrawApproval(ctx context.Context, a *attempt, reason string) {
	_, err := g.approvals.Decide(context.WithoutCancel(ctx), a.approvalID, hitl.StatusRejected, hitl.SystemDecider, reason)
	if err != nil && !errors.Is(err, hitl.ErrConflict) {
		g.logger.Warn("approval request not withdrawn",
			zap.String("tenant_id", a.tenantID),
			zap.String("request_id", a.approvalID),
			zap.String("execution_id", a.executionID),
			zap.Error(err),
		)
	}
}

var errAdapterTimeout = errors.New("adapter timed out")

func (g *Gate) runAdapter(ctx context.Context, a *attempt, ev *storage.ToolCallEvent) (*adapter.Result, error) {
	c := a.contract
	ad, err := g.adapters.Lookup(c.Name, c.Version)
	if err != nil {
		return nil, g.abort(ctx, a, KindAdapterFailure, err, "resolve adapter", "")
	}

	started := g.clock()
	out, err := invoke(ctx, ad, &adapter.Call{
		TenantID:      a.tenantID,
		ExecutionID:   a.executionID,
		CorrelationID: a.call.CorrelationID,
		Tool:          c.Name,
		Version:       c.Version,
		Input:         a.call.Input,
		ExternalKey:   a.ext,
	}, c.Timeout)
	ev.AdapterLatencyMs = float32(g.clock().Sub(started).Microseconds()) / 1000
	if err == nil {
		return out, nil
	}

	// An abandoned write may still land on the provider side.
	var job reconcile.JobType
	if c.SideEffect.AtLeast(registry.SideEffectHardWrite) {
		job = reconcile.JobAdapterTimeout
	}
	switch {
	case errors.Is(err, errAdapterTimeout):
		g.logger.Warn("adapter timed out",
			zap.String("tenant_id", a.tenantID),
			zap.String("tool_name", c.Name),
			zap.String("execution_id", a.executionID),
			zap.Duration("timeout", c.Timeout),
		)
		return nil, g.abort(ctx, a, KindAdapterTimeout, err, "adapter call abandoned", job)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, g.abort(ctx, a, KindDeadlineExceeded, err, "caller deadline passed during adapter call", job)
	case ctx.Err() != nil:
		return nil, g.abort(ctx, a, KindCanceled, err, "caller abandoned adapter call", job)
	default:
		g.logger.Warn("adapter failed",
			zap.String("tenant_id", a.tenantID),
			zap.String("tool_name", c.Name),
			zap.String("execution_id", a.executionID),
			zap.Error(err),
		)
		return nil, g.abort(ctx, a, KindAdapterFailure, err, "adapter call failed", "")
	}
}

// invoke runs the adapter under timeout. The call is abandoned, not
// interrupted, when the deadline passes first.
func invoke(ctx context.Context, ad adapter.Adapter, call *adapter.Call, timeout time.Duration) (*adapter.Result, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type reply struct {
		res *adapter.Result
		err error
	}
	ch := make(chan reply, 1)
	go func() {
		res, err := ad.Invoke(actx, call)
		ch <- reply{res: res, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w after %s: %v", errAdapterTimeout, timeout, r.err)
			}
			return nil, r.err
		}
		if r.res == nil {
			return nil, errors.New("adapter returned no result")
		}
		return r.res, nil
	case <-actx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w after %s", errAdapterTimeout, timeout)
	}
}

func (g *Gate) commit(ctx context.Context, a *attempt, out *adapter.Result, verdict policy.Verdict, ev *storage.ToolCallEvent) (*Result, error) {
	c := a.contract
	fctx := context.WithoutCancel(ctx)

	outcome := ledger.Outcome{
		Result:                out.Output,
		ExternalProvider:      out.ExternalProvider,
		ExternalTransactionID: out.ExternalTransactionID,
		RequireExternalKey:    c.NeedsExternalKey(),
	}
	if outcome.ExternalProvider == "" {
		outcome.ExternalProvider = c.ExternalProvider
	}
	if a.ext != nil {
		outcome.ExternalKey = a.ext.Key
	}
	receipt, err := g.receipts.Commit(fctx, a.key, a.executionID, outcome)
	if err != nil {
		g.logger.Error("receipt commit failed after execution",
			zap.String("tenant_id", a.tenantID),
			zap.String("tool_name", c.Name),
			zap.String("execution_id", a.executionID),
			zap.String("idempotency_key", a.key),
			zap.Error(err),
		)
		if errors.Is(err, ledger.ErrNotPending) {
			if current, gerr := g.receipts.Get(fctx, a.key); gerr == nil {
				g.enqueue(fctx, reconcile.JobOrphanedPending, current,
					fmt.Sprintf("execution %s completed after losing its reservation", a.executionID))
			}
		}
		return nil, &Error{Kind: KindOf(err), ExecutionID: a.executionID, ApprovalRequestID: a.approvalID, Err: err, Message: "commit receipt"}
	}
	ev.CostCents = out.CostCents

	entry := g.entry(a, ledger.StatusCommitted, out.Output, out.CostCents, "")
	if err := g.traces.Append(fctx, a.call.CorrelationID, entry); err != nil {
		g.logger.Error("trace append failed after commit",
			zap.String("tenant_id", a.tenantID),
			zap.String("correlation_id", a.call.CorrelationID),
			zap.String("execution_id", a.executionID),
			zap.Error(err),
		)
		return nil, &Error{Kind: KindTraceUnavailable, ExecutionID: a.executionID, ApprovalRequestID: a.approvalID, Err: err, Message: "receipt committed but trace append failed"}
	}

	g.logger.Info("tool call committed",
		zap.String("tenant_id", a.tenantID),
		zap.String("tool_name", c.Name),
		zap.String("tool_version", c.Version),
		zap.String("execution_id", a.executionID),
		zap.String("idempotency_key", a.key),
		zap.Int64("cost_cents", out.CostCents),
	)
	return &Result{
		ExecutionID:       a.executionID,
		Output:            receipt.Result,
		Receipt:           receipt,
		Verdict:           verdict,
		ApprovalRequestID: a.approvalID,
	}, nil
}

// abort fails the attempt's receipt, records the failure in the run trace,
// optionally queues reconciliation and returns the caller-facing error.
// Finalization outlives the caller's ctx.
func (g *Gate) abort(ctx context.Context, a *attempt, kind Kind, cause error, msg string, job reconcile.JobType) error {
	fctx := context.WithoutCancel(ctx)
	reason := msg
	if cause != nil {
		reason = fmt.Sprintf("%s: %v", msg, cause)
	}

	receipt := g.failReceipt(fctx, a, reason)
	if job != "" {
		if receipt == nil {
			receipt = &ledger.Receipt{
				TenantID:       a.tenantID,
				ToolName:       a.contract.Name,
				ToolVersion:    a.contract.Version,
				IdempotencyKey: a.key,
				ExecutionID:    a.executionID,
				Status:         ledger.StatusPending,
			}
		}
		g.enqueue(fctx, job, receipt, reason)
	}

	if err := g.traces.Append(fctx, a.call.CorrelationID, g.entry(a, ledger.StatusFailed, nil, 0, reason)); err != nil {
		g.logger.Error("trace append failed for failed call",
			zap.String("tenant_id", a.tenantID),
			zap.String("correlation_id", a.call.CorrelationID),
			zap.String("execution_id", a.executionID),
			zap.Error(err),
		)
	}
	return &Error{
		Kind:              kind,
		Message:           msg,
		ExecutionID:       a.executionID,
		ApprovalRequestID: a.approvalID,
		Err:               cause,
	}
}

func (g *Gate) failReceipt(ctx context.Context, a *attempt, reason string) *ledger.Receipt {
	r, err := g.receipts.Fail(context.WithoutCancel(ctx), a.key, a.executionID, reason)
	if err != nil {
		g.logger.Error("receipt fail transition failed",
			zap.String("tenant_id", a.tenantID),
			zap.String("execution_id", a.executionID),
			zap.String("idempotency_key", a.key),
			zap.Error(err),
		)
		return nil
	}
	return r
}

func (g *Gate) enqueue(ctx context.Context, t reconcile.JobType, r *ledger.Receipt, description string) {
	if g.jobs == nil {
		g.logger.Error("reconciliation needed but no queue is configured",
			zap.String("tenant_id", r.TenantID),
			zap.String("job_type", string(t)),
			zap.String("idempotency_key", r.IdempotencyKey),
		)
		return
	}
	if _, err := g.jobs.Enqueue(ctx, reconcile.ReceiptJob(t, r, description, g.clock())); err != nil {
		g.logger.Error("reconciliation enqueue failed",
			zap.String("tenant_id", r.TenantID),
			zap.String("job_type", string(t)),
			zap.String("idempotency_key", r.IdempotencyKey),
			zap.Error(err),
		)
	}
}

func (g *Gate) entry(a *attempt, status ledger.Status, output *structpb.Value, cost int64, errMsg string) trace.Entry {
	return trace.Entry{
		Kind:           trace.KindToolCall,
		Name:           a.contract.Name,
		Version:        a.contract.Version,
		ExecutionID:    a.executionID,
		IdempotencyKey: a.key,
		Status:         string(status),
		Input:          a.redact.input.Apply(a.call.Input),
		Output:         a.redact.output.Apply(output),
		Error:          errMsg,
		CostCents:      cost,
		DurationMS:     g.clock().Sub(a.started).Milliseconds(),
	}
}

func (g *Gate) redactorsFor(c *registry.Contract) (*redactors, error) {
	if cached, ok := g.redactors.Load(c.Key()); ok {
		return cached.(*redactors), nil
	}
	in, err := trace.NewRedactor(c.Redaction.AllowlistInput, c.Redaction.SensitiveInput)
	if err != nil {
		return nil, err
	}
	out, err := trace.NewRedactor(c.Redaction.AllowlistOutput, c.Redaction.SensitiveOutput)
	if err != nil {
		return nil, err
	}
	r, _ := g.redactors.LoadOrStore(c.Key(), &redactors{input: in, output: out})
	return r.(*redactors), nil
}

func recordVerdict(ev *storage.ToolCallEvent, v policy.Verdict) {
	ev.PolicyAction = v.Action.String()
	for _, r := range v.Results {
		ev.PolicyRules = append(ev.PolicyRules, r.Rule)
		ev.PolicyActions = append(ev.PolicyActions, r.Action.String())
		ev.PolicyDetails = append(ev.PolicyDetails, r.Details)
	}
}

func (g *Gate) emit(ev *storage.ToolCallEvent, start time.Time, res *Result, err error) {
	if g.events == nil {
		return
	}
	ev.LatencyMs = float32(g.clock().Sub(start).Microseconds()) / 1000
	switch {
	case err == nil && res.Replayed:
		ev.Outcome = storage.OutcomeReplayed
	case err == nil:
		ev.Outcome = storage.OutcomeCommitted
	case ev.ExecutionID != "":
		ev.Outcome = storage.OutcomeFailed
	default:
		ev.Outcome = storage.OutcomeRejected
	}
	ev.ErrorKind = string(KindOf(err))
	g.events.Write(ev)
}
