package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/schema"
	"go.uber.org/zap"
)

// ContractRegistry resolves contracts by exact (name, version).
type ContractRegistry interface {
	Lookup(name, version string) (*Contract, error)
	List() []*Contract
}

// Registry is the process-wide contract catalog. It is populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*Contract
	validator *schema.Validator
	logger    *zap.Logger
}

// New creates an empty registry. Schemas are compiled with validator at
// registration time.
func New(validator *schema.Validator, logger *zap.Logger) *Registry {
	return &Registry{
		contracts: make(map[string]*Contract),
		validator: validator,
		logger:    logger,
	}
}

// Register validates c and adds a copy of it. An existing (name, version)
// is never overwritten.
func (r *Registry) Register(c *Contract) error {
	if err := r.check(c); err != nil {
		return err
	}

	stored := c.Clone()
	key := stored.Key()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.contracts[key]; exists {
		return fmt.Errorf("%w: tool '%s' version '%s' already registered", ErrDuplicateRegistration, c.Name, c.Version)
	}
	r.contracts[key] = stored

	r.logger.Info("tool contract registered",
		zap.String("tool_name", stored.Name),
		zap.String("tool_version", stored.Version),
		zap.String("side_effect_level", string(stored.SideEffect)),
	)
	return nil
}

// Lookup returns the registered contract. The result is shared and must be
// treated as read-only.
func (r *Registry) Lookup(name, version string) (*Contract, error) {
	r.mu.RLock()
	c, ok := r.contracts[contractKey(name, version)]
	r.mu.RUnlock()
	if !ok {
		return nil, &ToolNotFoundError{Name: name, Version: version}
	}
	return c, nil
}

// List returns copies of every contract ordered by name, then version.
func (r *Registry) List() []*Contract {
	r.mu.RLock()
	out := make([]*Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		vi, _ := semver.StrictNewVersion(out[i].Version)
		vj, _ := semver.StrictNewVersion(out[j].Version)
		return vi.LessThan(vj)
	})
	return out
}

func (r *Registry) check(c *Contract) error {
	if c == nil || c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidContract)
	}
	if _, err := semver.StrictNewVersion(c.Version); err != nil {
		return fmt.Errorf("%w: tool '%s' version '%s' is not semver: %v", ErrInvalidContract, c.Name, c.Version, err)
	}
	if _, err := ParseSideEffect(string(c.SideEffect)); err != nil {
		return fmt.Errorf("%w: tool '%s': %v", ErrInvalidContract, c.Name, err)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: tool '%s': timeout must be positive", ErrInvalidContract, c.Name)
	}
	if c.RateLimitRPM < 0 {
		return fmt.Errorf("%w: tool '%s': rate limit must not be negative", ErrInvalidContract, c.Name)
	}
	if c.SideEffect == SideEffectFinancial && c.ExternalIdempotencyTemplate == "" {
		return fmt.Errorf("%w: tool '%s' version '%s'", ErrExternalIdempotencyRequired, c.Name, c.Version)
	}
	if _, err := r.validator.Compile(c.InputSchema); err != nil {
		return fmt.Errorf("tool '%s' input_schema: %w", c.Name, err)
	}
	if _, err := r.validator.Compile(c.OutputSchema); err != nil {
		return fmt.Errorf("tool '%s' output_schema: %w", c.Name, err)
	}
	for _, tmpl := range []string{c.IdempotencyKeyTemplate, c.ExternalIdempotencyTemplate} {
		if tmpl == "" {
			continue
		}
		if _, err := ParseTemplate(tmpl); err != nil {
			return fmt.Errorf("%w: tool '%s': %v", ErrInvalidContract, c.Name, err)
		}
	}
	for _, paths := range [][]string{
		c.Redaction.SensitiveInput, c.Redaction.SensitiveOutput,
		c.Redaction.AllowlistInput, c.Redaction.AllowlistOutput,
	} {
		for _, p := range paths {
			if _, err := payload.ParsePath(p); err != nil {
				return fmt.Errorf("%w: tool '%s' redaction: %v", ErrInvalidContract, c.Name, err)
			}
		}
	}
	return nil
}

// Source yields contracts declared outside the process.
type Source interface {
	Load(ctx context.Context) ([]*Contract, error)
}

// LoadInto registers every contract from sources, stopping at the first error.
func LoadInto(ctx context.Context, r *Registry, sources ...Source) (int, error) {
	n := 0
	for _, src := range sources {
		contracts, err := src.Load(ctx)
		if err != nil {
			return n, fmt.Errorf("LoadInto: %w", err)
		}
		for _, c := range contracts {
			if err := r.Register(c); err != nil {
				return n, fmt.Errorf("LoadInto: %w", err)
			}
			n++
		}
	}
	return n, nil
}
