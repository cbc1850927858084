package registry

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// SideEffect is the ordinal risk class of a tool.
type SideEffect string

const (
	SideEffectRead      SideEffect = "READ"
	SideEffectSoftWrite SideEffect = "SOFT_WRITE"
	SideEffectHardWrite SideEffect = "HARD_WRITE"
	SideEffectFinancial SideEffect = "FINANCIAL"
)

var sideEffectRank = map[SideEffect]int{
	SideEffectRead:      0,
	SideEffectSoftWrite: 1,
	SideEffectHardWrite: 2,
	SideEffectFinancial: 3,
}

// ParseSideEffect validates s as a side-effect level.
func ParseSideEffect(s string) (SideEffect, error) {
	se := SideEffect(s)
	if _, ok := sideEffectRank[se]; !ok {
		return "", fmt.Errorf("unknown side effect level %q", s)
	}
	return se, nil
}

// AtLeast reports whether s is as risky as other or riskier.
func (s SideEffect) AtLeast(other SideEffect) bool {
	return sideEffectRank[s] >= sideEffectRank[other]
}

// DefaultExternalIdempotencyHeader is sent when a contract names no header.
const DefaultExternalIdempotencyHeader = "Idempotency-Key"

// Redaction lists JSONPath-like expressions applied before payloads reach a trace.
// An allowlist, when set, keeps only the listed paths.
type Redaction struct {
	SensitiveInput  []string `json:"sensitive_input_fields,omitempty" yaml:"sensitive_input_fields"`
	SensitiveOutput []string `json:"sensitive_output_fields,omitempty" yaml:"sensitive_output_fields"`
	AllowlistInput  []string `json:"trace_allowlist_input,omitempty" yaml:"trace_allowlist_input"`
	AllowlistOutput []string `json:"trace_allowlist_output,omitempty" yaml:"trace_allowlist_output"`
}

// ArgumentPolicy controls argument-level scanning.
type ArgumentPolicy struct {
	ScanForPII       bool `json:"scan_for_pii" yaml:"scan_for_pii"`
	ScanForInjection bool `json:"scan_for_injection" yaml:"scan_for_injection"`
}

// Contract declares a tool's interface and controls. A registered contract
// is immutable; a change is a new version.
type Contract struct {
	Name        string
	Version     string
	Description string

	InputSchema  *structpb.Struct
	OutputSchema *structpb.Struct

	SideEffect SideEffect
	Timeout    time.Duration

	// IdempotencyKeyTemplate derives the internal key from the call,
	// e.g. "order:{tenant_id}:{input.order_id}".
	IdempotencyKeyTemplate string

	ExternalProvider            string
	ExternalIdempotencyHeader   string
	ExternalIdempotencyTemplate string

	// RateLimitRPM caps calls per tenant per minute. Zero disables the limit.
	RateLimitRPM int

	Redaction      Redaction
	Preconditions  []string
	ArgumentPolicy ArgumentPolicy

	RequiresApproval bool
	Deprecated       bool

	// Endpoint is used by the generic HTTP adapter.
	Endpoint string
}

// Key returns "name@version".
func (c *Contract) Key() string {
	return contractKey(c.Name, c.Version)
}

// ExternalHeader returns the header carrying the external idempotency key.
func (c *Contract) ExternalHeader() string {
	if c.ExternalIdempotencyHeader != "" {
		return c.ExternalIdempotencyHeader
	}
	return DefaultExternalIdempotencyHeader
}

// NeedsExternalKey reports whether calls must carry a provider idempotency key.
func (c *Contract) NeedsExternalKey() bool {
	return c.SideEffect == SideEffectFinancial || c.ExternalIdempotencyTemplate != ""
}

// Clone returns a deep copy.
func (c *Contract) Clone() *Contract {
	out := *c
	if c.InputSchema != nil {
		out.InputSchema = proto.Clone(c.InputSchema).(*structpb.Struct)
	}
	if c.OutputSchema != nil {
		out.OutputSchema = proto.Clone(c.OutputSchema).(*structpb.Struct)
	}
	out.Redaction = Redaction{
		SensitiveInput:  cloneStrings(c.Redaction.SensitiveInput),
		SensitiveOutput: cloneStrings(c.Redaction.SensitiveOutput),
		AllowlistInput:  cloneStrings(c.Redaction.AllowlistInput),
		AllowlistOutput: cloneStrings(c.Redaction.AllowlistOutput),
	}
	out.Preconditions = cloneStrings(c.Preconditions)
	return &out
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s...)
}

func contractKey(name, version string) string {
	return name + "@" + version
}
