package hitl

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
)

// MemoryStore keeps approval requests in process.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]map[string]*Request // tenant -> request id -> request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]map[string]*Request)}
}

func (s *MemoryStore) Create(ctx context.Context, r *Request) (*Request, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	stored := copyRequest(r)
	stored.RequestID = uuid.NewString()
	stored.TenantID = tenantID
	stored.Status = StatusPending

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requests[tenantID] == nil {
		s.requests[tenantID] = make(map[string]*Request)
	}
	s.requests[tenantID][stored.RequestID] = stored
	return copyRequest(stored), nil
}

func (s *MemoryStore) Get(ctx context.Context, requestID string) (*Request, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[tenantID][requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRequest(r), nil
}

func (s *MemoryStore) Resolve(ctx context.Context, requestID string, status Status, decidedBy, reason string, at time.Time) (*Request, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[tenantID][requestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != StatusPending {
		return nil, ErrConflict
	}
	r.Status = status
	r.Decision = string(status)
	r.DecidedBy = decidedBy
	r.DecisionReason = reason
	r.DecidedAt = &at
	return copyRequest(r), nil
}

func (s *MemoryStore) ListOverdue(ctx context.Context, now time.Time, limit int) ([]*Request, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, r := range s.requests[tenantID] {
		if r.Status == StatusPending && !now.Before(r.TimeoutAt) {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeoutAt.Before(out[j].TimeoutAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyRequest(r *Request) *Request {
	c := *r
	c.ToolInput = payload.Clone(r.ToolInput)
	if r.DecidedAt != nil {
		at := *r.DecidedAt
		c.DecidedAt = &at
	}
	return &c
}
