package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
	"go.uber.org/zap"
)

// stubRule returns a fixed result after an optional delay.
type stubRule struct {
	name   string
	result *Result
	err    error
	delay  time.Duration
}

func (s *stubRule) Name() string { return s.name }
func (s *stubRule) Evaluate(ctx context.Context, _ *Request) (*Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

func testRequest() *Request {
	return &Request{TenantID: "t1", Contract: &registry.Contract{Name: "search", Version: "1.0.0"}}
}

func TestEngine_AllRulesAllow(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	eng := NewEngine([]Rule{
		&stubRule{name: "a", result: &Result{Action: ActionAllow}},
		&stubRule{name: "b", result: &Result{Action: ActionAllow}},
	}, 100*time.Millisecond, logger)

	v := eng.Evaluate(context.Background(), testRequest())
	if v.Action != ActionAllow {
		t.Fatalf("expected ALLOW, got %s", v.Action)
	}
	if len(v.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(v.Results))
	}
}

func TestEngine_DenyBeatsApproval(t *testing.T) {
	eng := NewEngine([]Rule{
		&stubRule{name: "side_effect", result: &Result{Action: ActionRequireApproval, Details: "needs approval"}},
		&stubRule{name: "precondition", result: &Result{Action: ActionDeny, Details: "missing preconditions: login"}},
	}, 100*time.Millisecond, zap.NewNop())

	v := eng.Evaluate(context.Background(), testRequest())
	if v.Action != ActionDeny || v.RuleID != "precondition" {
		t.Fatalf("expected DENY by precondition, got %s by %s", v.Action, v.RuleID)
	}
	if v.Reason != "missing preconditions: login" {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestEngine_RuleErrorFailsClosed(t *testing.T) {
	eng := NewEngine([]Rule{
		&stubRule{name: "ok", result: &Result{Action: ActionAllow}},
		&stubRule{name: "rate_limit", err: errors.New("redis down")},
	}, 100*time.Millisecond, zap.NewNop())

	v := eng.Evaluate(context.Background(), testRequest())
	if v.Action != ActionDeny || v.RuleID != "rate_limit" {
		t.Fatalf("expected DENY from erroring rule, got %s by %s", v.Action, v.RuleID)
	}
}

func TestEngine_TimeoutFailsClosed(t *testing.T) {
	eng := NewEngine([]Rule{
		&stubRule{name: "fast", result: &Result{Action: ActionAllow}},
		&stubRule{name: "slow", result: &Result{Action: ActionAllow}, delay: 500 * time.Millisecond},
	}, 10*time.Millisecond, zap.NewNop())

	start := time.Now()
	v := eng.Evaluate(context.Background(), testRequest())
	if time.Since(start) > 400*time.Millisecond {
		t.Fatal("engine waited for the slow rule")
	}
	if v.Action != ActionDeny {
		t.Fatalf("expected DENY, got %s", v.Action)
	}
	// The slow rule either misses the collector or reports its own ctx error.
	if v.RuleID != "deadline" && v.RuleID != "slow" {
		t.Fatalf("unexpected deciding rule %s", v.RuleID)
	}
}

func TestEngine_NoRules(t *testing.T) {
	eng := NewEngine(nil, 0, zap.NewNop())
	if v := eng.Evaluate(context.Background(), testRequest()); v.Action != ActionAllow {
		t.Fatalf("expected ALLOW with no rules, got %s", v.Action)
	}
}

func TestAggregate_ApprovalReasonsJoined(t *testing.T) {
	v := Aggregate([]RuleResult{
		{Rule: "side_effect", Action: ActionRequireApproval, Details: "FINANCIAL tool requires approval"},
		{Rule: "deprecation", Action: ActionRequireApproval, Details: "deprecated"},
		{Rule: "precondition", Action: ActionAllow},
	})
	if v.Action != ActionRequireApproval {
		t.Fatalf("expected REQUIRE_APPROVAL, got %s", v.Action)
	}
	if v.RuleID != "deprecation" {
		t.Fatalf("expected first rule by name, got %s", v.RuleID)
	}
	if v.Reason != "deprecated; FINANCIAL tool requires approval" {
		t.Fatalf("unexpected reason: %q", v.Reason)
	}
}

func TestAction_String(t *testing.T) {
	for a, want := range map[Action]string{ActionAllow: "ALLOW", ActionRequireApproval: "REQUIRE_APPROVAL", ActionDeny: "DENY"} {
		if a.String() != want {
			t.Errorf("%d.String() = %s, want %s", a, a.String(), want)
		}
	}
}

func BenchmarkEngine_FiveRules(b *testing.B) {
	rules := []Rule{
		&stubRule{name: "a", result: &Result{}},
		&stubRule{name: "b", result: &Result{}},
		&stubRule{name: "c", result: &Result{}},
		&stubRule{name: "d", result: &Result{}},
		&stubRule{name: "e", result: &Result{}},
	}
	eng := NewEngine(rules, 25*time.Millisecond, zap.NewNop())
	req := testRequest()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		eng.Evaluate(context.Background(), req)
	}
}
