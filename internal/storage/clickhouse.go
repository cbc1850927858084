package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
)

const insertToolCallEventsSQL = `
	INSERT INTO tool_call_events (
		execution_id, tenant_id, timestamp, tool_name, tool_version, side_effect,
		correlation_id, idempotency_key, attempt,
		outcome, error_kind,
		policy_action, policy_rules, policy_actions, policy_details, approval,
		cost_cents, latency_ms, adapter_latency_ms
	)
`

// ClickHouseWriter writes tool call events to ClickHouse asynchronously.
// Write() is non-blocking: events are buffered and batch-inserted in a background goroutine.
type ClickHouseWriter struct {
	conn    driver.Conn
	batcher *batcher
	logger  *zap.Logger
}

// NewClickHouseWriter creates a ClickHouseWriter and starts the background flush loop.
func NewClickHouseWriter(dsn string, logger *zap.Logger) (*ClickHouseWriter, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	w := &ClickHouseWriter{conn: conn, logger: logger}
	w.batcher = newBatcher(w.flush, flushInterval, logger)
	return w, nil
}

// Write queues a tool call event for async insertion.
// Non-blocking: drops the event if the buffer is full.
func (w *ClickHouseWriter) Write(event *ToolCallEvent) {
	w.batcher.add(event)
}

// Close drains buffered events and closes the connection.
func (w *ClickHouseWriter) Close() {
	w.batcher.close()
	if err := w.conn.Close(); err != nil {
		w.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

func (w *ClickHouseWriter) flush(events []*ToolCallEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch, err := w.conn.PrepareBatch(ctx, insertToolCallEventsSQL)
	if err != nil {
		w.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, e := range events {
		if err := batch.Append(
			e.ExecutionID,
			e.TenantID,
			e.Timestamp,
			e.ToolName,
			e.ToolVersion,
			e.SideEffect,
			e.CorrelationID,
			e.IdempotencyKey,
			e.Attempt,
			e.Outcome,
			e.ErrorKind,
			e.PolicyAction,
			e.PolicyRules,
			e.PolicyActions,
			e.PolicyDetails,
			e.Approval,
			e.CostCents,
			e.LatencyMs,
			e.AdapterLatencyMs,
		); err != nil {
			w.logger.Error("clickhouse append event failed",
				zap.String("execution_id", e.ExecutionID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		w.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(events)),
			zap.Error(err),
		)
	}
}

// batcher buffers events and hands them to flush in batches from a single
// goroutine, on size or on a timer.
type batcher struct {
	flushFn  func([]*ToolCallEvent)
	interval time.Duration
	buffer   chan *ToolCallEvent
	done     chan struct{}
	flushed  chan struct{}
	logger   *zap.Logger
}

func newBatcher(flush func([]*ToolCallEvent), interval time.Duration, logger *zap.Logger) *batcher {
	b := &batcher{
		flushFn:  flush,
		interval: interval,
		buffer:   make(chan *ToolCallEvent, bufferSize),
		done:     make(chan struct{}),
		flushed:  make(chan struct{}),
		logger:   logger,
	}
	go b.loop()
	return b
}

func (b *batcher) add(event *ToolCallEvent) {
	select {
	case b.buffer <- event:
	default:
		b.logger.Warn("analytics buffer full, dropping event",
			zap.String("execution_id", event.ExecutionID),
		)
	}
}

// close signals the loop to drain remaining events and waits for it.
func (b *batcher) close() {
	close(b.done)
	<-b.flushed
}

func (b *batcher) loop() {
	defer close(b.flushed)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	batch := make([]*ToolCallEvent, 0, flushBatch)

	for {
		select {
		case event := <-b.buffer:
			batch = append(batch, event)
			if len(batch) >= flushBatch {
				b.flushFn(batch)
				batch = make([]*ToolCallEvent, 0, flushBatch)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flushFn(batch)
				batch = make([]*ToolCallEvent, 0, flushBatch)
			}
		case <-b.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case event := <-b.buffer:
					batch = append(batch, event)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				b.flushFn(batch)
			}
			return
		}
	}
}

// LogWriter is a fallback EventWriter for local development.
type LogWriter struct {
	logger *zap.Logger
}

// NewLogWriter creates a LogWriter that outputs events to the given logger.
func NewLogWriter(logger *zap.Logger) *LogWriter {
	return &LogWriter{logger: logger}
}

func (w *LogWriter) Write(event *ToolCallEvent) {
	w.logger.Info("tool_call_event",
		zap.String("execution_id", event.ExecutionID),
		zap.String("tenant_id", event.TenantID),
		zap.String("tool_name", event.ToolName),
		zap.String("tool_version", event.ToolVersion),
		zap.String("correlation_id", event.CorrelationID),
		zap.String("outcome", event.Outcome),
		zap.String("error_kind", event.ErrorKind),
		zap.String("policy_action", event.PolicyAction),
		zap.Strings("policy_rules", event.PolicyRules),
		zap.Float32("latency_ms", event.LatencyMs),
	)
}

func (w *LogWriter) Close() {}
