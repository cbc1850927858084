package auth

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

const testKey = "tgk_live_abcdefghijklmnop"

const otherKey = "tgk_live_zyxwvutsrqponm"

type stubTenantStore struct {
	mu      sync.Mutex
	rows    map[string]*TenantRow
	err     error
	lookups atomic.Int32
}

// newStubStore serves every key in keys as a credential of tenant t1.
func newStubStore(t *testing.T, status string, keys ...string) *stubTenantStore {
	t.Helper()
	s := &stubTenantStore{rows: make(map[string]*TenantRow, len(keys))}
	for _, k := range keys {
		s.rows[k[:prefixLen]] = &TenantRow{TenantID: "t1", Name: "Acme", Status: status, APIKeyHash: hashKey(t, k)}
	}
	return s
}

func (s *stubTenantStore) LookupByPrefix(_ context.Context, prefix string) (*TenantRow, error) {
	s.lookups.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	r, ok := s.rows[prefix]
	if !ok {
		return nil, sql.ErrNoRows
	}
	out := *r
	return &out, nil
}

func (s *stubTenantStore) setStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		r.Status = status
	}
}

func (c *KeyCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

func hashKey(t *testing.T, key string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func withAuth(value string) context.Context {
	return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", value))
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		ok   bool
	}{
		{"no metadata", context.Background(), false},
		{"wrong prefix", withAuth("Bearer tsk_live_abcdefghijkl"), false},
		{"too short", withAuth("Bearer tgk_abc"), false},
		{"bearer", withAuth("Bearer " + testKey), true},
		{"lowercase bearer", withAuth("bearer " + testKey), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token, err := ExtractBearerToken(tt.ctx)
			if tt.ok && (err != nil || token != testKey) {
				t.Fatalf("expected %q, got %q %v", testKey, token, err)
			}
			if !tt.ok && !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected ErrUnauthenticated, got %v", err)
			}
		})
	}
}

func TestPostgresAuthenticator(t *testing.T) {
	store := newStubStore(t, "ACTIVE", testKey)
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())

	tc, err := a.Authenticate(withAuth("Bearer " + testKey))
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if tc.TenantID != "t1" {
		t.Fatalf("unexpected tenant %+v", tc)
	}
	if _, err := a.Authenticate(withAuth("Bearer " + testKey)); err != nil {
		t.Fatalf("cached Authenticate: %v", err)
	}
	if n := store.lookups.Load(); n != 1 {
		t.Fatalf("expected one store lookup, got %d", n)
	}

	if _, err := a.Authenticate(withAuth("Bearer " + testKey[:prefixLen] + "wrong-secret")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for a bad secret, got %v", err)
	}
	if _, err := a.Authenticate(withAuth("Bearer tgk_other_prefix_xyz")); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated for an unknown prefix, got %v", err)
	}
}

func TestPostgresAuthenticator_RejectsInactiveAndFailsClosed(t *testing.T) {
	store := newStubStore(t, "SUSPENDED", testKey)
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())
	if _, err := a.Authenticate(withAuth("Bearer " + testKey)); !errors.Is(err, ErrInactiveTenant) {
		t.Fatalf("expected ErrInactiveTenant, got %v", err)
	}

	down := &stubTenantStore{err: errors.New("connection refused")}
	a = NewPostgresAuthenticatorWithStore(down, time.Minute, zap.NewNop())
	if _, err := a.Authenticate(withAuth("Bearer " + testKey)); err == nil {
		t.Fatal("expected an error when the tenant store is down")
	}
}

func TestKeyCache_StaleWhileRevalidate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := NewKeyCache(time.Second)
	c.clock = func() time.Time { return now }

	c.Put("k", &TenantContext{TenantID: "t1"})
	if r := c.Lookup("k"); !r.Found || r.Revalidate {
		t.Fatalf("expected fresh hit, got %+v", r)
	}

	now = now.Add(2 * time.Second)
	if r := c.Lookup("k"); !r.Found || !r.Revalidate || r.Tenant.TenantID != "t1" {
		t.Fatalf("expected stale hit needing revalidation, got %+v", r)
	}
	if r := c.Lookup("k"); !r.Found || r.Revalidate {
		t.Fatalf("expected only one refresher, got %+v", r)
	}
	c.Release("k")
	if r := c.Lookup("k"); !r.Revalidate {
		t.Fatalf("expected a new refresher after Release, got %+v", r)
	}

	c.Forget("k")
	if r := c.Lookup("k"); r.Found {
		t.Fatal("expected miss after Forget")
	}
}

func TestKeyCache_EvictTenant(t *testing.T) {
	c := NewKeyCache(time.Minute)
	c.Put("k1", &TenantContext{TenantID: "t1"})
	c.Put("k2", &TenantContext{TenantID: "t1"})
	c.Put("k3", &TenantContext{TenantID: "t2"})
	// A key that moved tenants is no longer evicted with its old tenant.
	c.Put("k4", &TenantContext{TenantID: "t1"})
	c.Put("k4", &TenantContext{TenantID: "t2"})

	if n := c.EvictTenant("t1"); n != 2 {
		t.Fatalf("expected 2 keys evicted, got %d", n)
	}
	for _, k := range []string{"k1", "k2"} {
		if c.Lookup(k).Found {
			t.Fatalf("expected %s evicted", k)
		}
	}
	for _, k := range []string{"k3", "k4"} {
		if r := c.Lookup(k); !r.Found || r.Tenant.TenantID != "t2" {
			t.Fatalf("expected %s kept for t2, got %+v", k, r)
		}
	}
	if n := c.EvictTenant("t1"); n != 0 {
		t.Fatalf("expected nothing left for t1, got %d", n)
	}
}

func TestPostgresAuthenticator_SuspensionEvictsEveryKey(t *testing.T) {
	store := newStubStore(t, "ACTIVE", testKey, otherKey)
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())
	for _, k := range []string{testKey, otherKey} {
		if _, err := a.Authenticate(withAuth("Bearer " + k)); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	}
	store.setStatus("SUSPENDED")

	// A fresh lookup of either key drops the other from the cache.
	a.cache.Forget(otherKey)
	if _, err := a.Authenticate(withAuth("Bearer " + otherKey)); !errors.Is(err, ErrInactiveTenant) {
		t.Fatalf("expected ErrInactiveTenant, got %v", err)
	}
	if _, err := a.Authenticate(withAuth("Bearer " + testKey)); !errors.Is(err, ErrInactiveTenant) {
		t.Fatalf("expected the cached key evicted, got %v", err)
	}
}

func TestPostgresAuthenticator_RefreshEvictsSuspendedTenant(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore(t, "ACTIVE", testKey, otherKey)
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())
	a.cache.clock = func() time.Time { return now }
	for _, k := range []string{testKey, otherKey} {
		if _, err := a.Authenticate(withAuth("Bearer " + k)); err != nil {
			t.Fatalf("Authenticate: %v", err)
		}
	}

	store.setStatus("SUSPENDED")
	now = now.Add(2 * time.Minute)
	tc, err := a.Authenticate(withAuth("Bearer " + testKey))
	if err != nil || tc.TenantID != "t1" {
		t.Fatalf("expected the stale entry served, got %+v %v", tc, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.cache.size() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected every key of t1 evicted, %d left", a.cache.size())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := a.Authenticate(withAuth("Bearer " + otherKey)); !errors.Is(err, ErrInactiveTenant) {
		t.Fatalf("expected ErrInactiveTenant, got %v", err)
	}
}

func TestPostgresAuthenticator_RefreshFailureKeepsEntry(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newStubStore(t, "ACTIVE", testKey)
	a := NewPostgresAuthenticatorWithStore(store, time.Minute, zap.NewNop())
	a.cache.clock = func() time.Time { return now }
	if _, err := a.Authenticate(withAuth("Bearer " + testKey)); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	store.mu.Lock()
	store.err = errors.New("connection refused")
	store.mu.Unlock()
	now = now.Add(2 * time.Minute)
	if _, err := a.Authenticate(withAuth("Bearer " + testKey)); err != nil {
		t.Fatalf("expected the stale entry served, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.lookups.Load() < 2 || !a.cache.Lookup(testKey).Revalidate {
		if time.Now().After(deadline) {
			t.Fatal("expected the entry released for another refresh")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if a.cache.size() != 1 {
		t.Fatal("a store failure must not evict the entry")
	}
}

func TestStaticAuthenticator(t *testing.T) {
	a := NewStaticAuthenticator()
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-tenant-id", "dev"))
	tc, err := a.Authenticate(ctx)
	if err != nil || tc.TenantID != "dev" {
		t.Fatalf("expected tenant dev, got %+v %v", tc, err)
	}
	if _, err := a.Authenticate(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}
