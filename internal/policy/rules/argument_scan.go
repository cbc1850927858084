package rules

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gate/internal/policy"
)

var piiPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`), "SSN"},
	{regexp.MustCompile(`\b4\d{3}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Visa)"},
	{regexp.MustCompile(`\b5[1-5]\d{2}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`), "credit card (Mastercard)"},
	{regexp.MustCompile(`\b3[47]\d{2}[-\s]?\d{6}[-\s]?\d{5}\b`), "credit card (Amex)"},
	{regexp.MustCompile(`\b[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}\b`), "email address"},
	{regexp.MustCompile(`\b\d{3}[-\s.]?\d{3}[-\s.]?\d{4}\b`), "phone number"},
}

var injectionPatterns = []struct {
	re     *regexp.Regexp
	detail string
}{
	{regexp.MustCompile(`(?i)\b(SELECT|INSERT|UPDATE|DELETE|DROP|ALTER|UNION)\b.*\b(FROM|INTO|TABLE|SET|WHERE|ALL)\b`), "SQL injection"},
	{regexp.MustCompile(`(?i);\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh|exec)\b`), "command injection"},
	{regexp.MustCompile(`(?i)(\||&&)\s*(rm|cat|curl|wget|chmod|chown|sudo|bash|sh)\b`), "command injection (pipe/chain)"},
	{regexp.MustCompile(`(?i)\$\(.*\)`), "command substitution"},
	{regexp.MustCompile("(?i)`[^`]*`"), "backtick command execution"},
}

// ArgumentScanRule scans the call input when the contract enables it.
// Injection patterns deny; PII requires approval.
type ArgumentScanRule struct{}

func NewArgumentScanRule() *ArgumentScanRule {
	return &ArgumentScanRule{}
}

func (r *ArgumentScanRule) Name() string {
	return "argument_scan"
}

func (r *ArgumentScanRule) Evaluate(ctx context.Context, req *policy.Request) (*policy.Result, error) {
	ap := req.Contract.ArgumentPolicy

	if ap.ScanForInjection {
		var found []string
		for _, p := range injectionPatterns {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if p.re.MatchString(req.InputText) {
				found = append(found, p.detail)
			}
		}
		if len(found) > 0 {
			return &policy.Result{
				Action:  policy.ActionDeny,
				Details: fmt.Sprintf("injection pattern in arguments: %s", strings.Join(found, ", ")),
			}, nil
		}
	}

	if ap.ScanForPII {
		var found []string
		for _, p := range piiPatterns {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if p.re.MatchString(req.InputText) {
				found = append(found, p.detail)
			}
		}
		if len(found) > 0 {
			return &policy.Result{
				Action:  policy.ActionRequireApproval,
				Details: fmt.Sprintf("PII detected in arguments: %s", strings.Join(found, ", ")),
			}, nil
		}
	}

	return &policy.Result{Action: policy.ActionAllow}, nil
}
