package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout bounds a full evaluation.
const DefaultTimeout = 250 * time.Millisecond

// Engine fans a request out to every rule in parallel and aggregates the
// results. It fails closed: a rule that errors or misses the deadline
// turns the verdict into a denial.
type Engine struct {
	rules   []Rule
	timeout time.Duration
	logger  *zap.Logger
}

func NewEngine(rules []Rule, timeout time.Duration, logger *zap.Logger) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{rules: rules, timeout: timeout, logger: logger}
}

type ruleOutput struct {
	name   string
	result *Result
	err    error
}

// Evaluate runs every rule and returns the aggregated verdict.
//
// Each goroutine sends through a buffered channel, so rules still running
// when the deadline fires never block and never race the collector.
func (e *Engine) Evaluate(ctx context.Context, req *Request) Verdict {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ch := make(chan ruleOutput, len(e.rules))
	for _, r := range e.rules {
		go func(r Rule) {
			result, err := r.Evaluate(ctx, req)
			ch <- ruleOutput{name: r.Name(), result: result, err: err}
		}(r)
	}

	pending := make(map[string]bool, len(e.rules))
	for _, r := range e.rules {
		pending[r.Name()] = true
	}

	results := make([]RuleResult, 0, len(e.rules))
	for remaining := len(e.rules); remaining > 0; {
		select {
		case out := <-ch:
			remaining--
			delete(pending, out.name)
			switch {
			case out.err != nil:
				e.logger.Warn("policy rule error",
					zap.String("rule", out.name),
					zap.Error(out.err),
				)
				results = append(results, RuleResult{
					Rule:    out.name,
					Action:  ActionDeny,
					Details: "rule error: " + out.err.Error(),
				})
			case out.result != nil:
				results = append(results, RuleResult{
					Rule:    out.name,
					Action:  out.result.Action,
					Details: out.result.Details,
				})
			}
		case <-ctx.Done():
			late := make([]string, 0, len(pending))
			for name := range pending {
				late = append(late, name)
			}
			sort.Strings(late)
			e.logger.Warn("policy evaluation deadline exceeded",
				zap.Duration("timeout", e.timeout),
				zap.Strings("rules", late),
			)
			results = append(results, RuleResult{
				Rule:    "deadline",
				Action:  ActionDeny,
				Details: fmt.Sprintf("policy evaluation timed out: %s", strings.Join(late, ", ")),
			})
			remaining = 0
		}
	}

	v := Aggregate(results)
	v.Duration = time.Since(start)
	return v
}
