package rules

import (
	"context"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gate/internal/ledger"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/trace"
)

// PreconditionRule denies a call until every precondition tool has a
// committed call in the same run's trace.
type PreconditionRule struct{}

func NewPreconditionRule() *PreconditionRule {
	return &PreconditionRule{}
}

func (r *PreconditionRule) Name() string {
	return "precondition"
}

func (r *PreconditionRule) Evaluate(_ context.Context, req *policy.Request) (*policy.Result, error) {
	if len(req.Contract.Preconditions) == 0 {
		return &policy.Result{Action: policy.ActionAllow}, nil
	}

	called := make(map[string]bool)
	if req.Trace != nil {
		for _, e := range req.Trace.ToolCalls {
			if e.Kind == trace.KindToolCall && e.Status == string(ledger.StatusCommitted) {
				called[e.Name] = true
			}
		}
	}

	var missing []string
	for _, pre := range req.Contract.Preconditions {
		if !called[pre] {
			missing = append(missing, pre)
		}
	}
	if len(missing) > 0 {
		return &policy.Result{
			Action:  policy.ActionDeny,
			Details: fmt.Sprintf("missing preconditions: %s", strings.Join(missing, ", ")),
		}, nil
	}
	return &policy.Result{Action: policy.ActionAllow}, nil
}
