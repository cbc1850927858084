package registry

import (
	"errors"
	"fmt"
	"strings"

	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrTemplateInput is returned by Render when an {input.<path>} placeholder
// does not resolve against the call input.
var ErrTemplateInput = errors.New("template references missing input")

// TemplateVars are the values available to key templates.
type TemplateVars struct {
	TenantID      string
	Tool          string
	Version       string
	CorrelationID string
	Input         *structpb.Value
}

// Template is a parsed idempotency key template. Placeholders are
// {tenant_id}, {tool}, {version}, {correlation_id}, {input_hash} and
// {input.<path>}.
type Template struct {
	raw   string
	parts []templatePart
}

type templatePart struct {
	literal string
	field   string
}

var templateFields = map[string]bool{
	"tenant_id":      true,
	"tool":           true,
	"version":        true,
	"correlation_id": true,
	"input_hash":     true,
}

// ParseTemplate parses s and rejects unknown placeholders.
func ParseTemplate(s string) (*Template, error) {
	t := &Template{raw: s}
	rest := s
	for len(rest) > 0 {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			t.parts = append(t.parts, templatePart{literal: rest})
			break
		}
		if open > 0 {
			t.parts = append(t.parts, templatePart{literal: rest[:open]})
		}
		end := strings.IndexByte(rest[open:], '}')
		if end < 0 {
			return nil, fmt.Errorf("template %q: unterminated placeholder", s)
		}
		field := strings.TrimSpace(rest[open+1 : open+end])
		switch {
		case templateFields[field]:
		case strings.HasPrefix(field, "input."):
			if _, err := payload.ParsePath(strings.TrimPrefix(field, "input.")); err != nil {
				return nil, fmt.Errorf("template %q: %v", s, err)
			}
		default:
			return nil, fmt.Errorf("template %q: unknown placeholder {%s}", s, field)
		}
		t.parts = append(t.parts, templatePart{field: field})
		rest = rest[open+end+1:]
	}
	return t, nil
}

// Render substitutes vars into the template.
func (t *Template) Render(vars TemplateVars) (string, error) {
	var b strings.Builder
	for _, p := range t.parts {
		if p.field == "" {
			b.WriteString(p.literal)
			continue
		}
		switch p.field {
		case "tenant_id":
			b.WriteString(vars.TenantID)
		case "tool":
			b.WriteString(vars.Tool)
		case "version":
			b.WriteString(vars.Version)
		case "correlation_id":
			b.WriteString(vars.CorrelationID)
		case "input_hash":
			h, err := payload.Hash(vars.Input)
			if err != nil {
				return "", err
			}
			b.WriteString(h)
		default:
			path := strings.TrimPrefix(p.field, "input.")
			v, ok := payload.Lookup(vars.Input, path)
			if !ok {
				return "", fmt.Errorf("%w: {%s}", ErrTemplateInput, p.field)
			}
			s, err := payload.Text(v)
			if err != nil {
				return "", err
			}
			b.WriteString(s)
		}
	}
	return b.String(), nil
}

func (t *Template) String() string {
	return t.raw
}
