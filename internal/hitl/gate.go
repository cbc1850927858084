package hitl

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config tunes waiting behaviour.
type Config struct {
	// DefaultTimeout applies when a request names none. Default 15m.
	DefaultTimeout time.Duration
	// PollInterval bounds how stale a decision made by another process can
	// be before a waiter sees it. Default 500ms.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 15 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	return c
}

// Gate creates approval requests and waits on them. Waiters are woken in
// process by Decide and fall back to polling the store, so decisions taken
// by another replica are observed too.
type Gate struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	clock  func() time.Time

	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

func NewGate(store Store, cfg Config, logger *zap.Logger) *Gate {
	return &Gate{
		store:   store,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		clock:   time.Now,
		waiters: make(map[string][]chan struct{}),
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gate) WithClock(clock func() time.Time) *Gate {
	g.clock = clock
	return g
}

// Request opens a PENDING approval request and returns its id.
func (g *Gate) Request(ctx context.Context, nr NewRequest) (string, error) {
	timeout := nr.Timeout
	if timeout <= 0 {
		timeout = g.cfg.DefaultTimeout
	}
	now := g.clock()
	r, err := g.store.Create(ctx, &Request{
		ToolName:      nr.ToolName,
		ToolInput:     nr.ToolInput,
		ExecutionID:   nr.ExecutionID,
		CorrelationID: nr.CorrelationID,
		RuleID:        nr.RuleID,
		RuleReason:    nr.RuleReason,
		Status:        StatusPending,
		CreatedAt:     now,
		TimeoutAt:     now.Add(timeout),
	})
	if err != nil {
		return "", fmt.Errorf("Request: %w", err)
	}

	g.logger.Info("approval requested",
		zap.String("tenant_id", r.TenantID),
		zap.String("request_id", r.RequestID),
		zap.String("tool_name", r.ToolName),
		zap.String("execution_id", r.ExecutionID),
		zap.String("rule_id", r.RuleID),
	)
	return r.RequestID, nil
}

// AwaitDecision blocks until the request is resolved or timeout elapses.
// On timeout the request is moved to TIMED_OUT through the same conditional
// transition as Decide; if a decision wins that race it is returned instead.
// A non-positive timeout waits until the request's own timeout_at.
func (g *Gate) AwaitDecision(ctx context.Context, requestID string, timeout time.Duration) (*Request, error) {
	wake := g.subscribe(requestID)
	defer g.unsubscribe(requestID, wake)

	r, err := g.store.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("AwaitDecision: %w", err)
	}
	if r.Resolved() {
		return r, nil
	}

	deadline := r.TimeoutAt
	if timeout > 0 {
		deadline = g.clock().Add(timeout)
	}
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return g.timeOut(ctx, requestID)
		case <-wake:
		case <-ticker.C:
		}

		r, err := g.store.Get(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("AwaitDecision: %w", err)
		}
		if r.Resolved() {
			return r, nil
		}
	}
}

func (g *Gate) timeOut(ctx context.Context, requestID string) (*Request, error) {
	r, err := g.store.Resolve(ctx, requestID, StatusTimedOut, SystemDecider, "approval timed out", g.clock())
	if errors.Is(err, ErrConflict) {
		r, err = g.store.Get(ctx, requestID)
	}
	if err != nil {
		return nil, fmt.Errorf("AwaitDecision: %w", err)
	}
	if r.Status == StatusTimedOut {
		g.logger.Warn("approval timed out",
			zap.String("tenant_id", r.TenantID),
			zap.String("request_id", requestID),
			zap.String("tool_name", r.ToolName),
		)
	}
	g.notify(requestID)
	return r, nil
}

// Decide approves or rejects a PENDING request.
func (g *Gate) Decide(ctx context.Context, requestID string, status Status, decidedBy, reason string) (*Request, error) {
	if status != StatusApproved && status != StatusRejected {
		return nil, ErrInvalidDecision
	}
	r, err := g.store.Resolve(ctx, requestID, status, decidedBy, reason, g.clock())
	if err != nil {
		return nil, fmt.Errorf("Decide: %w", err)
	}

	g.logger.Info("approval decided",
		zap.String("tenant_id", r.TenantID),
		zap.String("request_id", requestID),
		zap.String("status", string(status)),
		zap.String("decided_by", decidedBy),
	)
	g.notify(requestID)
	return r, nil
}

func (g *Gate) Get(ctx context.Context, requestID string) (*Request, error) {
	r, err := g.store.Get(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return r, nil
}

// ExpireOverdue times out every PENDING request of the tenant in ctx whose
// timeout passed. Requests decided concurrently are skipped.
func (g *Gate) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	overdue, err := g.store.ListOverdue(ctx, now, 500)
	if err != nil {
		return 0, fmt.Errorf("ExpireOverdue: %w", err)
	}
	n := 0
	for _, r := range overdue {
		_, err := g.store.Resolve(ctx, r.RequestID, StatusTimedOut, SystemDecider, "approval timed out", now)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("ExpireOverdue: %w", err)
		}
		g.notify(r.RequestID)
		n++
	}
	return n, nil
}

func (g *Gate) subscribe(requestID string) chan struct{} {
	ch := make(chan struct{}, 1)
	g.mu.Lock()
	g.waiters[requestID] = append(g.waiters[requestID], ch)
	g.mu.Unlock()
	return ch
}

func (g *Gate) unsubscribe(requestID string, ch chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	list := g.waiters[requestID]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(g.waiters, requestID)
		return
	}
	g.waiters[requestID] = list
}

func (g *Gate) notify(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.waiters[requestID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
