package rules

import (
	"github.com/triage-ai/palisade/services/tool_gate/internal/limiter"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// Defaults returns the built-in rule set. Calls at or above approvalLevel
// require approval.
func Defaults(approvalLevel registry.SideEffect, l limiter.Limiter) []policy.Rule {
	return []policy.Rule{
		NewSideEffectRule(approvalLevel),
		NewPreconditionRule(),
		NewArgumentScanRule(),
		NewRateLimitRule(l),
		NewDeprecationRule(),
	}
}
