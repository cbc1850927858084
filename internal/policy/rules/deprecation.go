package rules

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
)

// DeprecationRule routes calls to deprecated contract versions through approval.
type DeprecationRule struct{}

func NewDeprecationRule() *DeprecationRule {
	return &DeprecationRule{}
}

func (r *DeprecationRule) Name() string {
	return "deprecation"
}

func (r *DeprecationRule) Evaluate(_ context.Context, req *policy.Request) (*policy.Result, error) {
	if !req.Contract.Deprecated {
		return &policy.Result{Action: policy.ActionAllow}, nil
	}
	return &policy.Result{
		Action:  policy.ActionRequireApproval,
		Details: fmt.Sprintf("tool '%s' version '%s' is deprecated", req.Contract.Name, req.Contract.Version),
	}, nil
}

