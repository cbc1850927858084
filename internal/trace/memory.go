package trace

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
)

// MemoryStore keeps traces in process.
type MemoryStore struct {
	mu     sync.Mutex
	traces map[string]map[string]*Trace // tenant -> correlation id -> trace
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{traces: make(map[string]map[string]*Trace)}
}

func (s *MemoryStore) Ensure(ctx context.Context, correlationID, executionID string, now time.Time) (*Trace, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID := s.traces[tenantID]
	if byID == nil {
		byID = make(map[string]*Trace)
		s.traces[tenantID] = byID
	}
	t, ok := byID[correlationID]
	if !ok {
		t = &Trace{
			TraceID:       uuid.NewString(),
			TenantID:      tenantID,
			CorrelationID: correlationID,
			ExecutionID:   executionID,
			Status:        StatusRunning,
			StartedAt:     now,
		}
		byID[correlationID] = t
	}
	return copyTrace(t), nil
}

func (s *MemoryStore) Append(ctx context.Context, correlationID string, e Entry) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.traces[tenantID][correlationID]
	if !ok {
		return ErrNotFound
	}
	if t.Closed() {
		return ErrAlreadyClosed
	}
	e = copyEntry(e)
	switch e.Kind {
	case KindStep:
		t.Steps = append(t.Steps, e)
	case KindToolCall:
		t.ToolCalls = append(t.ToolCalls, e)
	case KindStateDiff:
		t.StateDiffs = append(t.StateDiffs, e)
	default:
		return ErrInvalidEntry
	}
	t.CostCents += e.CostCents
	return nil
}

func (s *MemoryStore) Close(ctx context.Context, correlationID string, status Status, now time.Time) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.traces[tenantID][correlationID]
	if !ok {
		return ErrNotFound
	}
	if t.Closed() {
		return ErrAlreadyClosed
	}
	t.Status = status
	t.CompletedAt = &now
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, correlationID string) (*Trace, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.traces[tenantID][correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTrace(t), nil
}

func copyTrace(t *Trace) *Trace {
	c := *t
	c.Steps = copyEntries(t.Steps)
	c.ToolCalls = copyEntries(t.ToolCalls)
	c.StateDiffs = copyEntries(t.StateDiffs)
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func copyEntries(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	for i, e := range in {
		out[i] = copyEntry(e)
	}
	return out
}

func copyEntry(e Entry) Entry {
	e.Input = payload.Clone(e.Input)
	e.Output = payload.Clone(e.Output)
	return e
}
