package gate

import (
	"fmt"

	"github.com/triage-ai/palisade/services/tool_gate/internal/adapter"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/registry"
)

// internalKey returns the ledger key for the call: the caller's key, else
// the contract template, else "<tool>@<version>:<input_hash>".
func internalKey(c *registry.Contract, call *Call, vars registry.TemplateVars) (string, error) {
	if call.IdempotencyKey != "" {
		return call.IdempotencyKey, nil
	}
	if c.IdempotencyKeyTemplate != "" {
		return render(c.IdempotencyKeyTemplate, vars)
	}
	h, err := payload.Hash(call.Input)
	if err != nil {
		return "", err
	}
	return c.Key() + ":" + h, nil
}

// externalKey returns the provider idempotency key, or nil when the contract
// does not use one.
func externalKey(c *registry.Contract, vars registry.TemplateVars) (*adapter.ExternalKey, error) {
	if c.ExternalIdempotencyTemplate == "" {
		if c.NeedsExternalKey() {
			return nil, fmt.Errorf("%w: tool '%s' version '%s'", registry.ErrExternalIdempotencyRequired, c.Name, c.Version)
		}
		return nil, nil
	}
	key, err := render(c.ExternalIdempotencyTemplate, vars)
	if err != nil {
		return nil, err
	}
	if key == "" {
		return nil, fmt.Errorf("%w: tool '%s' rendered an empty key", registry.ErrExternalIdempotencyRequired, c.Name)
	}
	return &adapter.ExternalKey{Header: c.ExternalHeader(), Key: key}, nil
}

func render(tmpl string, vars registry.TemplateVars) (string, error) {
	t, err := registry.ParseTemplate(tmpl)
	if err != nil {
		return "", err
	}
	return t.Render(vars)
}
