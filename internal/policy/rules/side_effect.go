// Package rules holds the built-in policy rules.
package rules

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// SideEffectRule requires approval for contracts that ask for it and for
// every tool at or above the configured side-effect level.
type SideEffectRule struct {
	level registry.SideEffect
}

// NewSideEffectRule requires approval from level upwards. An empty level
// only honours the contract's RequiresApproval flag.
func NewSideEffectRule(level registry.SideEffect) *SideEffectRule {
	return &SideEffectRule{level: level}
}

func (r *SideEffectRule) Name() string {
	return "side_effect"
}

func (r *SideEffectRule) Evaluate(_ context.Context, req *policy.Request) (*policy.Result, error) {
	c := req.Contract
	if c.RequiresApproval {
		return &policy.Result{
			Action:  policy.ActionRequireApproval,
			Details: fmt.Sprintf("tool '%s' requires approval", c.Name),
		}, nil
	}
	if r.level != "" && c.SideEffect.AtLeast(r.level) {
		return &policy.Result{
			Action:  policy.ActionRequireApproval,
			Details: fmt.Sprintf("%s tool requires approval", c.SideEffect),
		}, nil
	}
	return &policy.Result{Action: policy.ActionAllow}, nil
}
