package policy

import (
	"sort"
	"strings"
	"time"
)

// RuleResult is one rule's contribution to a verdict.
type RuleResult struct {
	Rule    string
	Action  Action
	Details string
}

// Verdict is the aggregated policy decision.
type Verdict struct {
	Action Action
	// RuleID names the rule that decided the action, first by name when
	// several agree.
	RuleID string
	// Reason joins the details of every rule that reached Action.
	Reason   string
	Results  []RuleResult
	Duration time.Duration
}

// Aggregate combines rule results: any DENY denies, otherwise any approval
// trigger requires approval, otherwise the call is allowed.
func Aggregate(results []RuleResult) Verdict {
	sorted := append([]RuleResult(nil), results...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Rule < sorted[j].Rule })

	v := Verdict{Action: ActionAllow, Results: sorted}
	for _, r := range sorted {
		if r.Action > v.Action {
			v.Action = r.Action
		}
	}
	if v.Action == ActionAllow {
		return v
	}

	var details []string
	for _, r := range sorted {
		if r.Action != v.Action {
			continue
		}
		if v.RuleID == "" {
			v.RuleID = r.Rule
		}
		if r.Details != "" {
			details = append(details, r.Details)
		}
	}
	v.Reason = strings.Join(details, "; ")
	return v
}
