package rules

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/triage-ai/palisade/services/tool_gate/internal/limiter"
	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"github.com/triage-ai/palisade/services/tool_gate/internal/trace"
)

func request(c *registry.Contract) *policy.Request {
	return &policy.Request{TenantID: "t1", CorrelationID: "run-1", Contract: c}
}

func contract(se registry.SideEffect) *registry.Contract {
	return &registry.Contract{Name: "transfer_funds", Version: "1.0.0", SideEffect: se}
}

func TestSideEffect_ApprovalLevel(t *testing.T) {
	r := NewSideEffectRule(registry.SideEffectFinancial)
	tests := []struct {
		se   registry.SideEffect
		flag bool
		want policy.Action
	}{
		{registry.SideEffectRead, false, policy.ActionAllow},
		{registry.SideEffectHardWrite, false, policy.ActionAllow},
		{registry.SideEffectFinancial, false, policy.ActionRequireApproval},
		{registry.SideEffectRead, true, policy.ActionRequireApproval},
	}
	for _, tt := range tests {
		c := contract(tt.se)
		c.RequiresApproval = tt.flag
		res, err := r.Evaluate(context.Background(), request(c))
		if err != nil {
			t.Fatal(err)
		}
		if res.Action != tt.want {
			t.Fatalf("%s (flag=%v): expected %s, got %s", tt.se, tt.flag, tt.want, res.Action)
		}
	}
}

func TestSideEffect_EmptyLevelOnlyHonoursFlag(t *testing.T) {
	r := NewSideEffectRule("")
	res, _ := r.Evaluate(context.Background(), request(contract(registry.SideEffectFinancial)))
	if res.Action != policy.ActionAllow {
		t.Fatalf("expected ALLOW, got %s", res.Action)
	}
}

func TestPrecondition_AllMet(t *testing.T) {
	c := contract(registry.SideEffectFinancial)
	c.Preconditions = []string{"authenticate_user", "validate_account"}
	req := request(c)
	req.Trace = &trace.Trace{ToolCalls: []trace.Entry{
		{Kind: trace.KindToolCall, Name: "authenticate_user", Status: "COMMITTED"},
		{Kind: trace.KindToolCall, Name: "validate_account", Status: "COMMITTED"},
	}}

	res, err := NewPreconditionRule().Evaluate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != policy.ActionAllow {
		t.Fatalf("expected ALLOW when all preconditions met, got %s", res.Action)
	}
}

func TestPrecondition_FailedCallDoesNotCount(t *testing.T) {
	c := contract(registry.SideEffectFinancial)
	c.Preconditions = []string{"authenticate_user", "validate_account"}
	req := request(c)
	req.Trace = &trace.Trace{ToolCalls: []trace.Entry{
		{Kind: trace.KindToolCall, Name: "authenticate_user", Status: "COMMITTED"},
		{Kind: trace.KindToolCall, Name: "validate_account", Status: "FAILED"},
	}}

	res, _ := NewPreconditionRule().Evaluate(context.Background(), req)
	if res.Action != policy.ActionDeny {
		t.Fatalf("expected DENY, got %s", res.Action)
	}
	if res.Details != "missing preconditions: validate_account" {
		t.Fatalf("unexpected details: %q", res.Details)
	}
}

func TestPrecondition_NoTrace(t *testing.T) {
	c := contract(registry.SideEffectFinancial)
	c.Preconditions = []string{"authenticate_user"}
	res, _ := NewPreconditionRule().Evaluate(context.Background(), request(c))
	if res.Action != policy.ActionDeny {
		t.Fatalf("expected DENY without a trace, got %s", res.Action)
	}
}

func TestArgumentScan(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		pii, inj  bool
		want      policy.Action
		wantMatch string
	}{
		{"clean", `{"query":"weather in Paris"}`, true, true, policy.ActionAllow, ""},
		{"sql injection", `{"query":"1; DROP TABLE users WHERE 1=1"}`, false, true, policy.ActionDeny, "SQL injection"},
		{"command injection", `{"path":"x; rm -rf /"}`, false, true, policy.ActionDeny, "command injection"},
		{"ssn", `{"note":"ssn 123-45-6789"}`, true, false, policy.ActionRequireApproval, "SSN"},
		{"email", `{"to":"alice@example.com"}`, true, false, policy.ActionRequireApproval, "email address"},
		{"scan disabled", `{"to":"alice@example.com"}`, false, false, policy.ActionAllow, ""},
		{"injection wins over pii", "{\"q\":\"alice@example.com `id`\"}", true, true, policy.ActionDeny, "backtick"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := contract(registry.SideEffectRead)
			c.ArgumentPolicy = registry.ArgumentPolicy{ScanForPII: tt.pii, ScanForInjection: tt.inj}
			req := request(c)
			req.InputText = tt.input

			res, err := NewArgumentScanRule().Evaluate(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			if res.Action != tt.want {
				t.Fatalf("expected %s, got %s (%s)", tt.want, res.Action, res.Details)
			}
			if tt.wantMatch != "" && !strings.Contains(res.Details, tt.wantMatch) {
				t.Fatalf("expected details to mention %q, got %q", tt.wantMatch, res.Details)
			}
		})
	}
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int) (bool, error) {
	return false, errors.New("connection refused")
}

func TestRateLimit(t *testing.T) {
	r := NewRateLimitRule(limiter.NewLocal())
	c := contract(registry.SideEffectRead)
	c.RateLimitRPM = 6

	res, err := r.Evaluate(context.Background(), request(c))
	if err != nil || res.Action != policy.ActionAllow {
		t.Fatalf("expected first call allowed, got %v %v", res, err)
	}
	res, _ = r.Evaluate(context.Background(), request(c))
	if res.Action != policy.ActionDeny {
		t.Fatalf("expected second call denied, got %s", res.Action)
	}

	// Buckets are per tenant.
	other := request(c)
	other.TenantID = "t2"
	if res, _ := r.Evaluate(context.Background(), other); res.Action != policy.ActionAllow {
		t.Fatalf("expected other tenant allowed, got %s", res.Action)
	}
}

func TestRateLimit_UnlimitedAndBackendError(t *testing.T) {
	c := contract(registry.SideEffectRead)
	if res, _ := NewRateLimitRule(failingLimiter{}).Evaluate(context.Background(), request(c)); res.Action != policy.ActionAllow {
		t.Fatalf("rpm 0 must not consult the limiter, got %s", res.Action)
	}
	c.RateLimitRPM = 10
	if _, err := NewRateLimitRule(failingLimiter{}).Evaluate(context.Background(), request(c)); err == nil {
		t.Fatal("expected backend error to surface")
	}
}

func TestDeprecation(t *testing.T) {
	c := contract(registry.SideEffectRead)
	if res, _ := NewDeprecationRule().Evaluate(context.Background(), request(c)); res.Action != policy.ActionAllow {
		t.Fatalf("expected ALLOW, got %s", res.Action)
	}
	c.Deprecated = true
	res, _ := NewDeprecationRule().Evaluate(context.Background(), request(c))
	if res.Action != policy.ActionRequireApproval {
		t.Fatalf("expected REQUIRE_APPROVAL, got %s", res.Action)
	}
}

func TestDefaults_NamesAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, r := range Defaults(registry.SideEffectFinancial, limiter.NewLocal()) {
		if seen[r.Name()] {
			t.Fatalf("duplicate rule name %s", r.Name())
		}
		seen[r.Name()] = true
	}
	if len(seen) != 5 {
		t.Fatalf("expected 5 rules, got %d", len(seen))
	}
}
