package rules

import (
	"context"
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/limiter"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
)

// RateLimitRule denies calls beyond the contract's per-tenant RPM.
type RateLimitRule struct {
	limiter limiter.Limiter
}

func NewRateLimitRule(l limiter.Limiter) *RateLimitRule {
	return &RateLimitRule{limiter: l}
}

func (r *RateLimitRule) Name() string {
	return "rate_limit"
}

func (r *RateLimitRule) Evaluate(ctx context.Context, req *policy.Request) (*policy.Result, error) {
	rpm := req.Contract.RateLimitRPM
	if rpm <= 0 {
		return &policy.Result{Action: policy.ActionAllow}, nil
	}
	ok, err := r.limiter.Allow(ctx, req.TenantID+":"+req.Contract.Name, rpm)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	if !ok {
		return &policy.Result{
			Action:  policy.ActionDeny,
			Details: fmt.Sprintf("rate limit of %d calls/min exceeded for tool '%s'", rpm, req.Contract.Name),
		}, nil
	}
	return &policy.Result{Action: policy.ActionAllow}, nil
}
