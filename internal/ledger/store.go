package ledger

import (
	"context"
	"time"
)

// Store is the receipts ledger. Every method is scoped to the tenant in ctx.
type Store interface {
	// Reserve atomically inserts a PENDING receipt for the key or resolves
	// the existing one. It returns ErrInFlight for an unexpired PENDING
	// receipt held by another attempt.
	Reserve(ctx context.Context, req ReserveRequest) (*Reservation, error)
	// Commit moves the attempt's receipt from PENDING to COMMITTED.
	Commit(ctx context.Context, key, executionID string, out Outcome) (*Receipt, error)
	// Fail moves the attempt's receipt from PENDING to FAILED.
	Fail(ctx context.Context, key, executionID, reason string) (*Receipt, error)
	Get(ctx context.Context, key string) (*Receipt, error)
	// ListExpiredPending returns PENDING receipts whose lease ran out.
	ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]*Receipt, error)
	// DeleteExpired removes terminal receipts past their retention.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

const (
	// DefaultRetention is how long terminal receipts keep replaying.
	DefaultRetention = 24 * time.Hour
	// DefaultLease applies when a reservation names no lease.
	DefaultLease = 5 * time.Minute
)

func leaseOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultLease
	}
	return d
}

func retentionOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultRetention
	}
	return d
}
