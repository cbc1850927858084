package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func tctx(id string) context.Context {
	return tenant.WithTenant(context.Background(), id)
}

func req(key, exec string) ReserveRequest {
	return ReserveRequest{
		Key:         key,
		ToolName:    "charge_card",
		ToolVersion: "1.0.0",
		ExecutionID: exec,
		Lease:       time.Minute,
	}
}

func TestMemoryStore_ReserveThenCommitReplays(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore(time.Hour).WithClock(clk.Now)
	ctx := tctx("t1")

	res, err := s.Reserve(ctx, req("k1", "e1"))
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if res.Decision != Reserved || res.Receipt.Status != StatusPending || res.Receipt.Attempt != 1 {
		t.Fatalf("unexpected reservation: %+v", res.Receipt)
	}

	out := payload.MustFromMap(map[string]any{"charge_id": "ch_1"})
	committed, err := s.Commit(ctx, "k1", "e1", Outcome{Result: out, ExternalTransactionID: "ch_1"})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if committed.Status != StatusCommitted {
		t.Fatalf("expected COMMITTED, got %s", committed.Status)
	}
	if !committed.TTLExpiresAt.Equal(clk.Now().Add(time.Hour)) {
		t.Fatalf("expected retention ttl, got %v", committed.TTLExpiresAt)
	}

	replay, err := s.Reserve(ctx, req("k1", "e2"))
	if err != nil {
		t.Fatalf("Reserve replay: %v", err)
	}
	if replay.Decision != Replay {
		t.Fatalf("expected replay, got %s", replay.Decision)
	}
	if replay.Receipt.ExecutionID != "e1" {
		t.Fatalf("replay must keep original execution, got %s", replay.Receipt.ExecutionID)
	}
	got := replay.Receipt.Result.GetStructValue().GetFields()["charge_id"].GetStringValue()
	if got != "ch_1" {
		t.Fatalf("expected stored result, got %q", got)
	}
}

func TestMemoryStore_InFlightDuplicate(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore(0).WithClock(clk.Now)
	ctx := tctx("t1")

	if _, err := s.Reserve(ctx, req("k1", "e1")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, err := s.Reserve(ctx, req("k1", "e2")); !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

func TestMemoryStore_ExpiredLeaseTakeover(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore(0).WithClock(clk.Now)
	ctx := tctx("t1")

	if _, err := s.Reserve(ctx, req("k1", "e1")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	clk.Advance(2 * time.Minute)

	res, err := s.Reserve(ctx, req("k1", "e2"))
	if err != nil {
		t.Fatalf("takeover: %v", err)
	}
	if res.Decision != Reserved || res.Receipt.Attempt != 2 || res.Receipt.ExecutionID != "e2" {
		t.Fatalf("unexpected takeover receipt: %+v", res.Receipt)
	}

	// The superseded attempt can no longer finalize.
	if _, err := s.Commit(ctx, "k1", "e1", Outcome{}); !errors.Is(err, ErrNotPending) {
		t.Fatalf("expected ErrNotPending for stale attempt, got %v", err)
	}
	if _, err := s.Commit(ctx, "k1", "e2", Outcome{}); err != nil {
		t.Fatalf("Commit current attempt: %v", err)
	}
}

func TestMemoryStore_FailedReceiptAllowsRetry(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := tctx("t1")

	if _, err := s.Reserve(ctx, req("k1", "e1")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	failed, err := s.Fail(ctx, "k1", "e1", "adapter timeout")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if failed.Status != StatusFailed || failed.FailureReason != "adapter timeout" {
		t.Fatalf("unexpected failed receipt: %+v", failed)
	}

	res, err := s.Reserve(ctx, req("k1", "e2"))
	if err != nil {
		t.Fatalf("retry Reserve: %v", err)
	}
	if res.Decision != Reserved || res.Receipt.FailureReason != "" {
		t.Fatalf("expected clean retry reservation, got %+v", res.Receipt)
	}
}

func TestMemoryStore_KeyReuseAcrossTools(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := tctx("t1")

	if _, err := s.Reserve(ctx, req("k1", "e1")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	other := req("k1", "e2")
	other.ToolName = "refund_card"
	if _, err := s.Reserve(ctx, other); !errors.Is(err, ErrKeyReuse) {
		t.Fatalf("expected ErrKeyReuse, got %v", err)
	}
}

func TestMemoryStore_TenantIsolation(t *testing.T) {
	s := NewMemoryStore(0)

	if _, err := s.Reserve(tctx("t1"), req("k1", "e1")); err != nil {
		t.Fatalf("Reserve t1: %v", err)
	}
	res, err := s.Reserve(tctx("t2"), req("k1", "e2"))
	if err != nil {
		t.Fatalf("Reserve t2: %v", err)
	}
	if res.Decision != Reserved || res.Receipt.TenantID != "t2" {
		t.Fatalf("expected independent reservation for t2, got %+v", res.Receipt)
	}
	if _, err := s.Get(tctx("t3"), "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound across tenants, got %v", err)
	}
}

func TestMemoryStore_RequiresTenant(t *testing.T) {
	s := NewMemoryStore(0)
	if _, err := s.Reserve(context.Background(), req("k1", "e1")); !errors.Is(err, tenant.ErrNoTenant) {
		t.Fatalf("expected ErrNoTenant, got %v", err)
	}
}

func TestMemoryStore_CommitRequiresExternalKey(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := tctx("t1")
	if _, err := s.Reserve(ctx, req("k1", "e1")); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	_, err := s.Commit(ctx, "k1", "e1", Outcome{RequireExternalKey: true})
	if !errors.Is(err, ErrExternalKeyRequired) {
		t.Fatalf("expected ErrExternalKeyRequired, got %v", err)
	}
	r, err := s.Get(ctx, "k1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if r.Status != StatusPending {
		t.Fatalf("receipt must stay PENDING, got %s", r.Status)
	}
}

func TestMemoryStore_FinalizeUnknownKey(t *testing.T) {
	s := NewMemoryStore(0)
	if _, err := s.Fail(tctx("t1"), "missing", "e1", "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_ConcurrentReserveAtMostOnce(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := tctx("t1")

	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
		inFlight int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Reserve(ctx, req("k1", time.Duration(i).String()))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				reserved++
			case errors.Is(err, ErrInFlight):
				inFlight++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if reserved != 1 || inFlight != workers-1 {
		t.Fatalf("expected exactly one reservation, got reserved=%d in_flight=%d", reserved, inFlight)
	}
}

func TestMemoryStore_SweepQueries(t *testing.T) {
	clk := newFakeClock()
	s := NewMemoryStore(time.Hour).WithClock(clk.Now)
	ctx := tctx("t1")

	for _, k := range []string{"a", "b", "c"} {
		if _, err := s.Reserve(ctx, req(k, "e-"+k)); err != nil {
			t.Fatalf("Reserve %s: %v", k, err)
		}
	}
	if _, err := s.Commit(ctx, "c", "e-c", Outcome{}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	clk.Advance(2 * time.Minute)
	expired, err := s.ListExpiredPending(ctx, clk.Now(), 1)
	if err != nil {
		t.Fatalf("ListExpiredPending: %v", err)
	}
	if len(expired) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(expired))
	}
	all, _ := s.ListExpiredPending(ctx, clk.Now(), 0)
	if len(all) != 2 {
		t.Fatalf("expected 2 expired pending, got %d", len(all))
	}

	n, err := s.DeleteExpired(ctx, clk.Now())
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if n != 0 {
		t.Fatalf("committed receipt is within retention, deleted %d", n)
	}

	clk.Advance(time.Hour)
	n, _ = s.DeleteExpired(ctx, clk.Now())
	if n != 1 {
		t.Fatalf("expected committed receipt to be deleted, got %d", n)
	}
	// PENDING receipts are never garbage collected.
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Fatalf("pending receipt must survive: %v", err)
	}

	tenants, _ := s.ActiveTenants(ctx)
	if len(tenants) != 1 || tenants[0] != "t1" {
		t.Fatalf("unexpected tenants: %v", tenants)
	}
}

func TestDecide(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	base := Receipt{ToolName: "charge_card", ToolVersion: "1.0.0"}
	r := ReserveRequest{ToolName: "charge_card", ToolVersion: "1.0.0"}

	tests := []struct {
		name    string
		status  Status
		ttl     time.Time
		version string
		want    action
		wantErr error
	}{
		{"committed replays", StatusCommitted, now.Add(time.Hour), "1.0.0", actionReplay, nil},
		{"failed retries", StatusFailed, now.Add(time.Hour), "1.0.0", actionTakeover, nil},
		{"pending in flight", StatusPending, now.Add(time.Second), "1.0.0", 0, ErrInFlight},
		{"pending expired", StatusPending, now, "1.0.0", actionTakeover, nil},
		{"version mismatch", StatusCommitted, now.Add(time.Hour), "2.0.0", 0, ErrKeyReuse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			existing := base
			existing.Status = tt.status
			existing.TTLExpiresAt = tt.ttl
			existing.ToolVersion = tt.version
			got, err := decide(&existing, r, now)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("expected action %d, got %d", tt.want, got)
			}
		})
	}
}
