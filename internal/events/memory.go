package events

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
)

// MemoryStore keeps events in process.
type MemoryStore struct {
	mu     sync.Mutex
	events map[string][]*Event // tenant -> events in arrival order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{events: make(map[string][]*Event)}
}

func (s *MemoryStore) Insert(ctx context.Context, e *Event) (IngestResult, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return IngestResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	original := ""
	for _, prior := range s.events[tenantID] {
		if prior.Source == e.Source && prior.SourceEventID == e.SourceEventID {
			return IngestResult{Outcome: DuplicateByID, EventID: prior.EventID}, nil
		}
		if original == "" && prior.PayloadSHA256 == e.PayloadSHA256 {
			original = prior.EventID
		}
	}

	stored := copyEvent(e)
	stored.EventID = uuid.NewString()
	stored.TenantID = tenantID
	stored.ProcessingStatus = StatusReceived
	stored.DuplicateOf = original
	res := IngestResult{Outcome: Accepted, EventID: stored.EventID}
	if original != "" {
		stored.ProcessingStatus = StatusDuplicate
		res.Outcome = DuplicateByContent
		res.DuplicateOf = original
	}
	s.events[tenantID] = append(s.events[tenantID], stored)
	return res, nil
}

func (s *MemoryStore) Get(ctx context.Context, eventID string) (*Event, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events[tenantID] {
		if e.EventID == eventID {
			return copyEvent(e), nil
		}
	}
	return nil, ErrNotFound
}

func copyEvent(e *Event) *Event {
	c := *e
	c.Payload = payload.Clone(e.Payload)
	return &c
}
