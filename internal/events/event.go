// Package events is the inbound event ledger. Deliveries are deduplicated on
// (tenant, source, source_event_id); retried deliveries that arrive under a new
// id but carry identical content are stored and flagged as duplicates.
package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/tool_gate/internal/payload"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"
)

// Processing statuses.
const (
	StatusReceived  = "RECEIVED"
	StatusDuplicate = "DUPLICATE"
)

// ErrInvalidEvent is returned when an event lacks an identifying field.
var ErrInvalidEvent = errors.New("invalid event")

// ErrNotFound is returned by Get for an unknown event id.
var ErrNotFound = errors.New("event not found")

// Event is one inbound delivery.
type Event struct {
	EventID          string
	TenantID         string
	Source           string
	SourceEventID    string
	EventType        string
	Payload          *structpb.Value
	PayloadSHA256    string
	ReceivedAt       time.Time
	ProcessingStatus string
	DuplicateOf      string
	CorrelationID    string
}

// Outcome classifies an ingest.
type Outcome int

const (
	// Accepted: a new event was stored.
	Accepted Outcome = iota
	// DuplicateByID: (source, source_event_id) was already stored; nothing
	// was written.
	DuplicateByID
	// DuplicateByContent: the id is new but an earlier event has the same
	// payload hash. The event is stored with DuplicateOf set.
	DuplicateByContent
)

func (o Outcome) String() string {
	switch o {
	case DuplicateByID:
		return "duplicate_by_id"
	case DuplicateByContent:
		return "duplicate_by_content"
	default:
		return "accepted"
	}
}

// IngestResult reports what Ingest did.
type IngestResult struct {
	Outcome Outcome
	// EventID is the stored event, or the prior one for DuplicateByID.
	EventID     string
	DuplicateOf string
}

// Store persists events. Every method is scoped to the tenant in ctx.
type Store interface {
	// Insert stores e unless (source, source_event_id) exists. It resolves
	// content duplicates against earlier events by PayloadSHA256.
	Insert(ctx context.Context, e *Event) (IngestResult, error)
	Get(ctx context.Context, eventID string) (*Event, error)
}

// Ledger validates and hashes events before storing them.
type Ledger struct {
	store  Store
	logger *zap.Logger
	clock  func() time.Time
}

func NewLedger(store Store, logger *zap.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Ingest records e. The payload hash covers the canonical JSON of the
// payload only, so envelope differences between retries do not matter.
func (l *Ledger) Ingest(ctx context.Context, e Event) (IngestResult, error) {
	if e.Source == "" || e.SourceEventID == "" || e.EventType == "" {
		return IngestResult{}, fmt.Errorf("%w: source, source_event_id and event_type are required", ErrInvalidEvent)
	}
	if e.Payload == nil {
		e.Payload = structpb.NewNullValue()
	}
	hash, err := payload.Hash(e.Payload)
	if err != nil {
		return IngestResult{}, fmt.Errorf("Ingest: %w", err)
	}
	e.PayloadSHA256 = hash
	e.ReceivedAt = l.clock()

	res, err := l.store.Insert(ctx, &e)
	if err != nil {
		return IngestResult{}, fmt.Errorf("Ingest: %w", err)
	}
	if res.Outcome != Accepted {
		l.logger.Info("duplicate event",
			zap.String("source", e.Source),
			zap.String("source_event_id", e.SourceEventID),
			zap.String("outcome", res.Outcome.String()),
			zap.String("event_id", res.EventID),
		)
	}
	return res, nil
}

// Get returns a stored event.
func (l *Ledger) Get(ctx context.Context, eventID string) (*Event, error) {
	e, err := l.store.Get(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("Get: %w", err)
	}
	return e, nil
}
