package trace

import (
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"google.golang.org/protobuf/types/known/structpb"
)

// Redacted replaces sensitive values in trace payloads.
const Redacted = "[REDACTED]"

// Redactor applies a contract's trace allowlist and sensitive-field lists.
type Redactor struct {
	allow     [][]payload.Segment
	sensitive [][]payload.Segment
}

// NewRedactor parses the path lists. An empty allowlist keeps everything.
func NewRedactor(allowlist, sensitive []string) (*Redactor, error) {
	r := &Redactor{}
	for _, p := range allowlist {
		segs, err := payload.ParsePath(p)
		if err != nil {
			return nil, fmt.Errorf("NewRedactor: %w", err)
		}
		r.allow = append(r.allow, segs)
	}
	for _, p := range sensitive {
		segs, err := payload.ParsePath(p)
		if err != nil {
			return nil, fmt.Errorf("NewRedactor: %w", err)
		}
		r.sensitive = append(r.sensitive, segs)
	}
	return r, nil
}

// Apply returns a redacted deep copy of v. v itself is never modified.
func (r *Redactor) Apply(v *structpb.Value) *structpb.Value {
	if v == nil {
		return nil
	}
	out := payload.Clone(v)
	if len(r.allow) > 0 {
		out = keep(out, r.allow, 0)
		if out == nil {
			out = structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{}})
		}
	}
	for _, segs := range r.sensitive {
		if len(segs) == 0 {
			return structpb.NewStringValue(Redacted)
		}
		mask(out, segs)
	}
	return out
}

// keep prunes v down to the nodes matched by pats, whose first depth
// segments already matched the path to v. Returns nil when nothing survives.
func keep(v *structpb.Value, pats [][]payload.Segment, depth int) *structpb.Value {
	for _, p := range pats {
		if len(p) == depth {
			return v
		}
	}

	switch k := v.GetKind().(type) {
	case *structpb.Value_StructValue:
		fields := make(map[string]*structpb.Value)
		for name, child := range k.StructValue.GetFields() {
			live := advance(pats, depth, func(s payload.Segment) bool {
				return s.Wildcard || (!s.IsIndex && s.Field == name)
			})
			if len(live) == 0 {
				continue
			}
			if kept := keep(child, live, depth+1); kept != nil {
				fields[name] = kept
			}
		}
		if len(fields) == 0 {
			return nil
		}
		return structpb.NewStructValue(&structpb.Struct{Fields: fields})
	case *structpb.Value_ListValue:
		var values []*structpb.Value
		for i, child := range k.ListValue.GetValues() {
			live := advance(pats, depth, func(s payload.Segment) bool {
				return s.Wildcard || (s.IsIndex && s.Index == i)
			})
			if len(live) == 0 {
				continue
			}
			if kept := keep(child, live, depth+1); kept != nil {
				values = append(values, kept)
			}
		}
		if len(values) == 0 {
			return nil
		}
		return structpb.NewListValue(&structpb.ListValue{Values: values})
	default:
		return nil
	}
}

func advance(pats [][]payload.Segment, depth int, match func(payload.Segment) bool) [][]payload.Segment {
	var live [][]payload.Segment
	for _, p := range pats {
		if len(p) > depth && match(p[depth]) {
			live = append(live, p)
		}
	}
	return live
}

// mask replaces every value matched by segs in place.
func mask(v *structpb.Value, segs []payload.Segment) {
	s, last := segs[0], len(segs) == 1
	switch k := v.GetKind().(type) {
	case *structpb.Value_StructValue:
		if s.IsIndex {
			return
		}
		for name, child := range k.StructValue.GetFields() {
			if !s.Wildcard && s.Field != name {
				continue
			}
			if last {
				k.StructValue.Fields[name] = structpb.NewStringValue(Redacted)
				continue
			}
			mask(child, segs[1:])
		}
	case *structpb.Value_ListValue:
		for i, child := range k.ListValue.GetValues() {
			if !s.Wildcard && !(s.IsIndex && s.Index == i) {
				continue
			}
			if last {
				k.ListValue.Values[i] = structpb.NewStringValue(Redacted)
				continue
			}
			mask(child, segs[1:])
		}
	}
}
