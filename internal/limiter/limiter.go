// Package limiter enforces per-tenant, per-tool call rates.
package limiter

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter admits calls against a requests-per-minute budget.
type Limiter interface {
	// Allow consumes one token from key's bucket. rpm <= 0 always allows.
	Allow(ctx context.Context, key string, rpm int) (bool, error)
}

// Burst is the bucket capacity for rpm: ten seconds' worth of calls, at least one.
func Burst(rpm int) int {
	if b := rpm / 6; b > 1 {
		return b
	}
	return 1
}

type bucket struct {
	rpm     int
	limiter *rate.Limiter
}

// Local keeps token buckets in process. It is exact for a single replica.
type Local struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func NewLocal() *Local {
	return &Local{buckets: make(map[string]*bucket)}
}

func (l *Local) Allow(_ context.Context, key string, rpm int) (bool, error) {
	if rpm <= 0 {
		return true, nil
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok || b.rpm != rpm {
		b = &bucket{rpm: rpm, limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), Burst(rpm))}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	return b.limiter.Allow(), nil
}
