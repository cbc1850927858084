package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"
)

// contractDoc is the declared form of a contract in YAML.
type contractDoc struct {
	Name                        string         `yaml:"name"`
	Version                     string         `yaml:"version"`
	Description                 string         `yaml:"description"`
	InputSchema                 map[string]any `yaml:"input_schema"`
	OutputSchema                map[string]any `yaml:"output_schema"`
	SideEffectLevel             string         `yaml:"side_effect_level"`
	TimeoutSeconds              float64        `yaml:"timeout_seconds"`
	IdempotencyKeyTemplate      string         `yaml:"idempotency_key_template"`
	ExternalProvider            string         `yaml:"external_provider"`
	ExternalIdempotencyHeader   string         `yaml:"external_idempotency_header"`
	ExternalIdempotencyTemplate string         `yaml:"external_idempotency_template"`
	RateLimitRPM                int            `yaml:"rate_limit_rpm"`
	Redaction                   Redaction      `yaml:",inline"`
	Preconditions               []string       `yaml:"preconditions"`
	ArgumentPolicy              ArgumentPolicy `yaml:"argument_policy"`
	RequiresApproval            bool           `yaml:"requires_approval"`
	Deprecated                  bool           `yaml:"deprecated"`
	Endpoint                    string         `yaml:"endpoint"`
}

type contractFile struct {
	Contracts []contractDoc `yaml:"contracts"`
}

// FileSource loads contracts from a YAML document with a top-level
// "contracts" list.
type FileSource struct {
	path string
}

// NewFileSource creates a source reading path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Load(_ context.Context) ([]*Contract, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("FileSource.Load: %w", err)
	}
	return parseContractYAML(raw)
}

func parseContractYAML(raw []byte) ([]*Contract, error) {
	var f contractFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parseContractYAML: %w", err)
	}

	out := make([]*Contract, 0, len(f.Contracts))
	for i, doc := range f.Contracts {
		c, err := doc.toContract()
		if err != nil {
			return nil, fmt.Errorf("parseContractYAML: contract %d (%s): %w", i, doc.Name, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (d contractDoc) toContract() (*Contract, error) {
	in, err := optionalStruct(d.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("input_schema: %w", err)
	}
	outSchema, err := optionalStruct(d.OutputSchema)
	if err != nil {
		return nil, fmt.Errorf("output_schema: %w", err)
	}

	return &Contract{
		Name:                        d.Name,
		Version:                     d.Version,
		Description:                 d.Description,
		InputSchema:                 in,
		OutputSchema:                outSchema,
		SideEffect:                  SideEffect(d.SideEffectLevel),
		Timeout:                     time.Duration(d.TimeoutSeconds * float64(time.Second)),
		IdempotencyKeyTemplate:      d.IdempotencyKeyTemplate,
		ExternalProvider:            d.ExternalProvider,
		ExternalIdempotencyHeader:   d.ExternalIdempotencyHeader,
		ExternalIdempotencyTemplate: d.ExternalIdempotencyTemplate,
		RateLimitRPM:                d.RateLimitRPM,
		Redaction:                   d.Redaction,
		Preconditions:               d.Preconditions,
		ArgumentPolicy:              d.ArgumentPolicy,
		RequiresApproval:            d.RequiresApproval,
		Deprecated:                  d.Deprecated,
		Endpoint:                    d.Endpoint,
	}, nil
}

func optionalStruct(m map[string]any) (*structpb.Struct, error) {
	if m == nil {
		return nil, nil
	}
	return structpb.NewStruct(m)
}
