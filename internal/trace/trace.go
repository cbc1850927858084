// Package trace records the append-only transcript of a run: steps, tool
// calls and state diffs keyed by (tenant, correlation id).
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Status is the lifecycle state of a trace.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Kind selects which sequence an entry is appended to.
type Kind string

const (
	KindStep      Kind = "step"
	KindToolCall  Kind = "tool_call"
	KindStateDiff Kind = "state_diff"
)

var (
	// ErrAlreadyClosed is returned when appending to or closing a closed trace.
	ErrAlreadyClosed = errors.New("trace already closed")
	// ErrNotFound is returned for an unknown correlation id.
	ErrNotFound = errors.New("trace not found")
	// ErrInvalidEntry is returned for an entry with an unknown kind.
	ErrInvalidEntry = errors.New("invalid trace entry")
)

// Entry is one element of a trace. Input and Output are stored already
// redacted.
type Entry struct {
	Kind           Kind
	Name           string
	Version        string
	ExecutionID    string
	IdempotencyKey string
	Status         string
	Replayed       bool
	Input          *structpb.Value
	Output         *structpb.Value
	Error          string
	CostCents      int64
	At             time.Time
	DurationMS     int64
}

type entryJSON struct {
	Kind           Kind            `json:"kind"`
	Name           string          `json:"name,omitempty"`
	Version        string          `json:"version,omitempty"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         string          `json:"status,omitempty"`
	Replayed       bool            `json:"replayed,omitempty"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	CostCents      int64           `json:"cost_cents,omitempty"`
	At             time.Time       `json:"at"`
	DurationMS     int64           `json:"duration_ms,omitempty"`
}

func (e Entry) MarshalJSON() ([]byte, error) {
	out := entryJSON{
		Kind:           e.Kind,
		Name:           e.Name,
		Version:        e.Version,
		ExecutionID:    e.ExecutionID,
		IdempotencyKey: e.IdempotencyKey,
		Status:         e.Status,
		Replayed:       e.Replayed,
		Error:          e.Error,
		CostCents:      e.CostCents,
		At:             e.At,
		DurationMS:     e.DurationMS,
	}
	var err error
	if e.Input != nil {
		if out.Input, err = payload.Marshal(e.Input); err != nil {
			return nil, err
		}
	}
	if e.Output != nil {
		if out.Output, err = payload.Marshal(e.Output); err != nil {
			return nil, err
		}
	}
	return json.Marshal(out)
}

func (e *Entry) UnmarshalJSON(data []byte) error {
	var in entryJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*e = Entry{
		Kind:           in.Kind,
		Name:           in.Name,
		Version:        in.Version,
		ExecutionID:    in.ExecutionID,
		IdempotencyKey: in.IdempotencyKey,
		Status:         in.Status,
		Replayed:       in.Replayed,
		Error:          in.Error,
		CostCents:      in.CostCents,
		At:             in.At,
		DurationMS:     in.DurationMS,
	}
	var err error
	if len(in.Input) > 0 {
		if e.Input, err = payload.Parse(in.Input); err != nil {
			return err
		}
	}
	if len(in.Output) > 0 {
		if e.Output, err = payload.Parse(in.Output); err != nil {
			return err
		}
	}
	return nil
}

// Trace is the transcript of one logical run.
type Trace struct {
	TraceID       string
	TenantID      string
	CorrelationID string
	ExecutionID   string
	Steps         []Entry
	ToolCalls     []Entry
	StateDiffs    []Entry
	CostCents     int64
	Status        Status
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// Closed reports whether completed_at is set.
func (t *Trace) Closed() bool {
	return t.CompletedAt != nil
}

// Store persists traces. Every method is scoped to the tenant in ctx.
type Store interface {
	// Ensure returns the trace for correlationID, creating a RUNNING one if absent.
	Ensure(ctx context.Context, correlationID, executionID string, now time.Time) (*Trace, error)
	// Append adds e to the sequence selected by its kind.
	Append(ctx context.Context, correlationID string, e Entry) error
	// Close sets the final status and completed_at exactly once.
	Close(ctx context.Context, correlationID string, status Status, now time.Time) error
	Get(ctx context.Context, correlationID string) (*Trace, error)
}

// Recorder is the trace API used by the gate and the transport.
type Recorder struct {
	store  Store
	logger *zap.Logger
	clock  func() time.Time
}

// NewRecorder creates a recorder over store.
func NewRecorder(store Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// Ensure returns the run's trace, creating it on first use.
func (r *Recorder) Ensure(ctx context.Context, correlationID, executionID string) (*Trace, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("Ensure: %w: correlation id is required", ErrInvalidEntry)
	}
	t, err := r.store.Ensure(ctx, correlationID, executionID, r.clock())
	if err != nil {
		return nil, fmt.Errorf("Ensure: %w", err)
	}
	return t, nil
}

// Append adds e to the run's trace. Storage failures are returned to the caller.
func (r *Recorder) Append(ctx context.Context, correlationID string, e Entry) error {
	switch e.Kind {
	case KindStep, KindToolCall, KindStateDiff:
	default:
		return fmt.Errorf("Append: %w: kind %q", ErrInvalidEntry, e.Kind)
	}
	if e.At.IsZero() {
		e.At = r.clock()
	}
	if err := r.store.Append(ctx, correlationID, e); err != nil {
		return fmt.Errorf("Append: %w", err)
	}
	return nil
}

// Close finalizes the trace. A second Close returns ErrAlreadyClosed.
func (r *Recorder) Close(ctx context.Context, correlationID string, status Status) error {
	if status != StatusCompleted && status != StatusFailed {
		return fmt.Errorf("Close: %w: status %q", ErrInvalidEntry, status)
	}
	if err := r.store.Close(ctx, correlationID, status, r.clock()); err != nil {
		if errors.Is(err, ErrAlreadyClosed) {
			r.logger.Warn("trace closed twice",
				zap.String("correlation_id", correlationID),
				zap.String("status", string(status)),
			)
		}
		return fmt.Errorf("Close: %w", err)
	}
	return nil
}

func (r *Recorder) Get(ctx context.Context, correlationID string) (*Trace, error) {
	t, err := r.store.Get(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return t, nil
}
