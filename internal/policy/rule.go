// Package policy decides whether a validated tool call may run, must wait
// for human approval, or is denied.
package policy

import (
	"context"

	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/trace"
	"google.golang.org/protobuf/types/known/structpb"
)

// Action is a policy outcome, ordered by severity.
type Action int

const (
	ActionAllow Action = iota
	ActionRequireApproval
	ActionDeny
)

func (a Action) String() string {
	switch a {
	case ActionRequireApproval:
		return "REQUIRE_APPROVAL"
	case ActionDeny:
		return "DENY"
	default:
		return "ALLOW"
	}
}

// Rule is one policy check. Implementations must respect ctx deadlines
// and return quickly.
type Rule interface {
	// Name identifies the rule in verdicts and approval requests.
	Name() string
	Evaluate(ctx context.Context, req *Request) (*Result, error)
}

// Request is everything a rule may look at.
type Request struct {
	TenantID      string
	CorrelationID string
	Contract      *registry.Contract
	Input         *structpb.Value
	// InputText is the canonical JSON of Input, for pattern scans.
	InputText string
	// Trace is the run so far, nil when the run has no trace yet.
	Trace *trace.Trace
}

// Result is a rule's opinion. A rule that does not trigger returns
// ActionAllow.
type Result struct {
	Action  Action
	Details string
}
