package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/ledger"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
	"go.uber.org/zap"
)

// DefaultSweepInterval is how often Run sweeps.
const DefaultSweepInterval = time.Minute

const sweepBatch = 500

// TenantSource lists the tenants a sweep visits.
type TenantSource interface {
	ActiveTenants(ctx context.Context) ([]string, error)
}

// ApprovalExpirer times out overdue approval requests.
type ApprovalExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

// SweepStats summarises one sweep.
type SweepStats struct {
	Tenants          int
	OrphanedJobs     int
	DeletedReceipts  int64
	ExpiredApprovals int
}

// Sweeper flags orphaned PENDING receipts, garbage-collects terminal
// receipts past retention and expires overdue approvals, tenant by tenant.
// Orphaned receipts are only flagged: the next Reserve for the key takes
// them over.
type Sweeper struct {
	tenants   TenantSource
	receipts  ledger.Store
	jobs      Queue
	approvals ApprovalExpirer
	interval  time.Duration
	logger    *zap.Logger
	clock     func() time.Time
}

// NewSweeper creates a sweeper. approvals may be nil.
func NewSweeper(tenants TenantSource, receipts ledger.Store, jobs Queue, approvals ApprovalExpirer, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		tenants:   tenants,
		receipts:  receipts,
		jobs:      jobs,
		approvals: approvals,
		interval:  interval,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *Sweeper) WithClock(clock func() time.Time) *Sweeper {
	s.clock = clock
	return s
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Warn("sweep failed", zap.Error(err))
				continue
			}
			if stats.OrphanedJobs > 0 || stats.DeletedReceipts > 0 || stats.ExpiredApprovals > 0 {
				s.logger.Info("sweep completed",
					zap.Int("tenants", stats.Tenants),
					zap.Int("orphaned_jobs", stats.OrphanedJobs),
					zap.Int64("deleted_receipts", stats.DeletedReceipts),
					zap.Int("expired_approvals", stats.ExpiredApprovals),
				)
			}
		}
	}
}

// SweepOnce visits every tenant once. A failing tenant is logged and skipped.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	ids, err := s.tenants.ActiveTenants(ctx)
	if err != nil {
		return stats, fmt.Errorf("SweepOnce: %w", err)
	}

	now := s.clock()
	for _, id := range ids {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := s.sweepTenant(tenant.WithTenant(ctx, id), now, &stats); err != nil {
			s.logger.Warn("tenant sweep failed",
				zap.String("tenant_id", id),
				zap.Error(err),
			)
			continue
		}
		stats.Tenants++
	}
	return stats, nil
}

func (s *Sweeper) sweepTenant(ctx context.Context, now time.Time, stats *SweepStats) error {
	expired, err := s.receipts.ListExpiredPending(ctx, now, sweepBatch)
	if err != nil {
		return err
	}
	for _, r := range expired {
		job := ReceiptJob(JobOrphanedPending, r,
			fmt.Sprintf("receipt PENDING past lease (attempt %d)", r.Attempt), now)
		created, err := s.jobs.Enqueue(ctx, job)
		if err != nil {
			s.logger.Error("reconciliation enqueue failed",
				zap.String("tenant_id", r.TenantID),
				zap.String("idempotency_key", r.IdempotencyKey),
				zap.Error(err),
			)
			return err
		}
		if created {
			stats.OrphanedJobs++
		}
	}

	n, err := s.receipts.DeleteExpired(ctx, now)
	if err != nil {
		return err
	}
	stats.DeletedReceipts += n

	if s.approvals != nil {
		m, err := s.approvals.ExpireOverdue(ctx, now)
		if err != nil {
			return err
		}
		stats.ExpiredApprovals += m
	}
	return nil
}

// PostgresTenants lists ACTIVE tenants from the tenants table.
type PostgresTenants struct {
	db *sql.DB
}

func NewPostgresTenants(conn *sql.DB) *PostgresTenants {
	return &PostgresTenants{db: conn}
}

func (p *PostgresTenants) ActiveTenants(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT tenant_id FROM tenants WHERE status = 'ACTIVE' ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("ActiveTenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ActiveTenants: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
