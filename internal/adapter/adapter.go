// Package adapter is the boundary between the gate and the code that performs
// a tool's real-world effect.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNoAdapter is returned by Set.Lookup when nothing serves a tool.
var ErrNoAdapter = errors.New("no adapter for tool")

// ExternalKey is the provider-facing idempotency key and the header that
// carries it.
type ExternalKey struct {
	Header string
	Key    string
}

// Call is one physical invocation.
type Call struct {
	TenantID      string
	ExecutionID   string
	CorrelationID string
	Tool          string
	Version       string
	Input         *structpb.Value
	// ExternalKey is set for calls the provider must deduplicate itself.
	ExternalKey *ExternalKey
}

// Result is what an adapter returns for a completed call.
type Result struct {
	Output                *structpb.Value
	ExternalProvider      string
	ExternalTransactionID string
	CostCents             int64
}

// Adapter performs a tool call. Implementations must honour ctx
// cancellation; the gate abandons calls at the contract timeout.
type Adapter interface {
	Invoke(ctx context.Context, call *Call) (*Result, error)
}

// Func adapts a function to Adapter.
type Func func(ctx context.Context, call *Call) (*Result, error)

func (f Func) Invoke(ctx context.Context, call *Call) (*Result, error) {
	return f(ctx, call)
}

// Set maps (name, version) to adapters, with an optional fallback.
type Set struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	fallback Adapter
}

func NewSet() *Set {
	return &Set{adapters: make(map[string]Adapter)}
}

// Register binds a to one tool version.
func (s *Set) Register(name, version string, a Adapter) {
	s.mu.Lock()
	s.adapters[name+"@"+version] = a
	s.mu.Unlock()
}

// SetFallback serves every tool without an explicit binding.
func (s *Set) SetFallback(a Adapter) {
	s.mu.Lock()
	s.fallback = a
	s.mu.Unlock()
}

// Lookup returns the adapter for (name, version).
func (s *Set) Lookup(name, version string) (Adapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.adapters[name+"@"+version]; ok {
		return a, nil
	}
	if s.fallback != nil {
		return s.fallback, nil
	}
	return nil, fmt.Errorf("%w: %s@%s", ErrNoAdapter, name, version)
}
