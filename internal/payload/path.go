package payload

import (
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"
)

// Segment is one step of a path: a struct field, a list index or a wildcard
// matching every field or element.
type Segment struct {
	Field    string
	Index    int
	IsIndex  bool
	Wildcard bool
}

// ParsePath parses the JSONPath-like subset used by contracts: an optional
// "$" root, dotted field names, [n] indices and "*" / [*] wildcards.
// "$.items[*].sku" and "items.*.sku" are equivalent.
func ParsePath(path string) ([]Segment, error) {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimPrefix(p, ".")

	var segs []Segment
	for len(p) > 0 {
		switch p[0] {
		case '.':
			p = p[1:]
			if p == "" || p[0] == '.' {
				return nil, fmt.Errorf("ParsePath: empty segment in %q", path)
			}
		case '[':
			end := strings.IndexByte(p, ']')
			if end < 0 {
				return nil, fmt.Errorf("ParsePath: unterminated index in %q", path)
			}
			inner := strings.Trim(p[1:end], `'"`)
			p = p[end+1:]
			if inner == "*" {
				segs = append(segs, Segment{Wildcard: true})
				continue
			}
			n, err := strconv.Atoi(inner)
			if err != nil {
				// ['field name'] form
				segs = append(segs, Segment{Field: inner})
				continue
			}
			if n < 0 {
				return nil, fmt.Errorf("ParsePath: negative index in %q", path)
			}
			segs = append(segs, Segment{Index: n, IsIndex: true})
		default:
			end := strings.IndexAny(p, ".[")
			if end < 0 {
				end = len(p)
			}
			name := p[:end]
			p = p[end:]
			if name == "*" {
				segs = append(segs, Segment{Wildcard: true})
				continue
			}
			segs = append(segs, Segment{Field: name})
		}
	}
	return segs, nil
}

// Lookup resolves a wildcard-free path against v.
func Lookup(v *structpb.Value, path string) (*structpb.Value, bool) {
	segs, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	cur := v
	for _, s := range segs {
		if cur == nil || s.Wildcard {
			return nil, false
		}
		switch {
		case s.IsIndex:
			l := cur.GetListValue()
			if l == nil || s.Index >= len(l.Values) {
				return nil, false
			}
			cur = l.Values[s.Index]
		default:
			st := cur.GetStructValue()
			if st == nil {
				return nil, false
			}
			next, ok := st.Fields[s.Field]
			if !ok {
				return nil, false
			}
			cur = next
		}
	}
	return cur, cur != nil
}

// FormatPath renders location tokens as "$.a.b[0]".
func FormatPath(tokens []string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, tok := range tokens {
		if _, err := strconv.Atoi(tok); err == nil {
			b.WriteString("[" + tok + "]")
			continue
		}
		b.WriteString("." + tok)
	}
	return b.String()
}
