package reconcile

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"github.com/triage-ai/palisade/services/tool_gate/internal/tenant"
)

// MemoryQueue keeps jobs in process.
type MemoryQueue struct {
	mu   sync.Mutex
	jobs map[string][]*Job // tenant -> jobs in insertion order
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{jobs: make(map[string][]*Job)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs[tenantID] {
		if j.Status == StatusPending && j.JobType == job.JobType &&
			j.EntityType == job.EntityType && j.EntityID == job.EntityID {
			return false, nil
		}
	}
	job.JobID = uuid.NewString()
	job.TenantID = tenantID
	job.Status = StatusPending
	job.LocalState = payload.Clone(job.LocalState)
	q.jobs[tenantID] = append(q.jobs[tenantID], &job)
	return true, nil
}

func (q *MemoryQueue) ListPending(ctx context.Context, limit int) ([]*Job, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*Job
	for _, j := range q.jobs[tenantID] {
		if j.Status != StatusPending {
			continue
		}
		c := *j
		c.LocalState = payload.Clone(j.LocalState)
		out = append(out, &c)
	}
	sort.SliceStable(out, func(i, k int) bool { return out[i].DetectedAt.Before(out[k].DetectedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
