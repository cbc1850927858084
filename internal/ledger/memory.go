package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
)

// MemoryStore is an in-process Store for development and tests. A single
// mutex makes reserve-and-check atomic.
type MemoryStore struct {
	mu        sync.Mutex
	receipts  map[string]map[string]*Receipt // tenant -> key -> receipt
	retention time.Duration
	clock     func() time.Time
}

// NewMemoryStore creates an empty store. Terminal receipts replay for retention.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		receipts:  make(map[string]map[string]*Receipt),
		retention: retentionOrDefault(retention),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	byKey := s.receipts[tenantID]
	if byKey == nil {
		byKey = make(map[string]*Receipt)
		s.receipts[tenantID] = byKey
	}

	existing, ok := byKey[req.Key]
	if !ok {
		r := &Receipt{
			ReceiptID:        uuid.NewString(),
			TenantID:         tenantID,
			ToolName:         req.ToolName,
			ToolVersion:      req.ToolVersion,
			IdempotencyKey:   req.Key,
			ExecutionID:      req.ExecutionID,
			Attempt:          1,
			ExternalProvider: req.ExternalProvider,
			ExternalKey:      req.ExternalKey,
			Status:           StatusPending,
			FirstSeenAt:      now,
			UpdatedAt:        now,
			TTLExpiresAt:     now.Add(leaseOrDefault(req.Lease)),
		}
		byKey[req.Key] = r
		return &Reservation{Decision: Reserved, Receipt: copyReceipt(r)}, nil
	}

	act, err := decide(existing, req, now)
	if err != nil {
		return nil, err
	}
	if act == actionReplay {
		return &Reservation{Decision: Replay, Receipt: copyReceipt(existing)}, nil
	}

	existing.ExecutionID = req.ExecutionID
	existing.Attempt++
	existing.ExternalProvider = req.ExternalProvider
	existing.ExternalKey = req.ExternalKey
	existing.ExternalTransactionID = ""
	existing.Status = StatusPending
	existing.Result = nil
	existing.FailureReason = ""
	existing.UpdatedAt = now
	existing.TTLExpiresAt = now.Add(leaseOrDefault(req.Lease))
	return &Reservation{Decision: Reserved, Receipt: copyReceipt(existing)}, nil
}

func (s *MemoryStore) Commit(ctx context.Context, key, executionID string, out Outcome) (*Receipt, error) {
	if out.RequireExternalKey && out.ExternalKey == "" {
		return nil, ErrExternalKeyRequired
	}
	return s.finalize(ctx, key, executionID, func(r *Receipt) {
		r.Status = StatusCommitted
		r.Result = payload.Clone(out.Result)
		if out.ExternalProvider != "" {
			r.ExternalProvider = out.ExternalProvider
		}
		if out.ExternalKey != "" {
			r.ExternalKey = out.ExternalKey
		}
		r.ExternalTransactionID = out.ExternalTransactionID
	})
}

func (s *MemoryStore) Fail(ctx context.Context, key, executionID, reason string) (*Receipt, error) {
	return s.finalize(ctx, key, executionID, func(r *Receipt) {
		r.Status = StatusFailed
		r.FailureReason = reason
	})
}

func (s *MemoryStore) finalize(ctx context.Context, key, executionID string, apply func(*Receipt)) (*Receipt, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[tenantID][key]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != StatusPending || r.ExecutionID != executionID {
		return nil, ErrNotPending
	}

	now := s.clock()
	apply(r)
	r.UpdatedAt = now
	r.TTLExpiresAt = now.Add(s.retention)
	return copyReceipt(r), nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Receipt, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[tenantID][key]
	if !ok {
		return nil, ErrNotFound
	}
	return copyReceipt(r), nil
}

func (s *MemoryStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Receipt, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Receipt
	for _, r := range s.receipts[tenantID] {
		if r.Status == StatusPending && !now.Before(r.TTLExpiresAt) {
			out = append(out, copyReceipt(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TTLExpiresAt.Before(out[j].TTLExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, r := range s.receipts[tenantID] {
		if r.Terminal() && !now.Before(r.TTLExpiresAt) {
			delete(s.receipts[tenantID], key)
			n++
		}
	}
	return n, nil
}

// ActiveTenants lists tenants that own at least one receipt.
func (s *MemoryStore) ActiveTenants(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.receipts))
	for id := range s.receipts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func copyReceipt(r *Receipt) *Receipt {
	c := *r
	c.Result = payload.Clone(r.Result)
	return &c
}
