package auth

import (
	"crypto/sha256"
	"sync"
	"time"
)

// keyDigest identifies an API key in the cache without holding the key.
type keyDigest [sha256.Size]byte

func digestOf(apiKey string) keyDigest {
	return sha256.Sum256([]byte(apiKey))
}

// KeyCache remembers authenticated API keys for a TTL and indexes them by
// tenant, so every key of a suspended tenant can be dropped at once.
// Expired entries keep being served while one caller revalidates them.
type KeyCache struct {
	mu       sync.RWMutex
	keys     map[keyDigest]*keyEntry
	byTenant map[string]map[keyDigest]struct{}
	ttl      time.Duration
	clock    func() time.Time
}

type keyEntry struct {
	tenant     *TenantContext
	validUntil time.Time
	refreshing bool
}

// Lookup is the outcome of KeyCache.Lookup.
type Lookup struct {
	Tenant *TenantContext
	Found  bool
	// Revalidate is set for the one caller that should refresh a stale entry.
	Revalidate bool
}

func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{
		keys:     make(map[keyDigest]*keyEntry),
		byTenant: make(map[string]map[keyDigest]struct{}),
		ttl:      ttl,
		clock:    time.Now,
	}
}

func (c *KeyCache) Lookup(apiKey string) Lookup {
	d := digestOf(apiKey)
	now := c.clock()

	c.mu.RLock()
	e, ok := c.keys[d]
	if ok && now.Before(e.validUntil) {
		c.mu.RUnlock()
		return Lookup{Tenant: e.tenant, Found: true}
	}
	c.mu.RUnlock()
	if !ok {
		return Lookup{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok = c.keys[d]
	if !ok {
		return Lookup{}
	}
	if now.Before(e.validUntil) || e.refreshing {
		return Lookup{Tenant: e.tenant, Found: true}
	}
	e.refreshing = true
	return Lookup{Tenant: e.tenant, Found: true, Revalidate: true}
}

// Put caches apiKey for tenant with a fresh TTL.
func (c *KeyCache) Put(apiKey string, tenant *TenantContext) {
	d := digestOf(apiKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.keys[d]; ok && prev.tenant.TenantID != tenant.TenantID {
		c.unindex(prev.tenant.TenantID, d)
	}
	c.keys[d] = &keyEntry{tenant: tenant, validUntil: c.clock().Add(c.ttl)}
	set, ok := c.byTenant[tenant.TenantID]
	if !ok {
		set = make(map[keyDigest]struct{})
		c.byTenant[tenant.TenantID] = set
	}
	set[d] = struct{}{}
}

// Release lets a later Lookup revalidate apiKey after a failed refresh.
func (c *KeyCache) Release(apiKey string) {
	c.mu.Lock()
	if e, ok := c.keys[digestOf(apiKey)]; ok {
		e.refreshing = false
	}
	c.mu.Unlock()
}

// Forget drops apiKey.
func (c *KeyCache) Forget(apiKey string) {
	d := digestOf(apiKey)
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.keys[d]; ok {
		delete(c.keys, d)
		c.unindex(e.tenant.TenantID, d)
	}
}

// EvictTenant drops every cached key of tenantID and reports how many.
func (c *KeyCache) EvictTenant(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.byTenant[tenantID]
	for d := range set {
		delete(c.keys, d)
	}
	delete(c.byTenant, tenantID)
	return len(set)
}

func (c *KeyCache) unindex(tenantID string, d keyDigest) {
	set := c.byTenant[tenantID]
	delete(set, d)
	if len(set) == 0 {
		delete(c.byTenant, tenantID)
	}
}
