// Package storage provides audit sinks: ClickHouse for production, a zap
// log sink for local development.
package storage

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/marcoracer/Icebreaker/internal/audit"
	"go.uber.org/zap"
)

const (
	bufferSize    = 10_000
	flushInterval = 100 * time.Millisecond
	flushBatch    = 1000
	drainTimeout  = 2 * time.Second
	appendTimeout = 5 * time.Second
)

const insertColumns = `
	INSERT INTO audit_records (
		invocation_id, timestamp, user, role, capability, side_effect,
		category, fingerprint, preview, effect, reason, rule_id,
		outcome, latency_ms
	)
`

// ClickHouseSink persists audit records to ClickHouse.
//
// Enqueue is non-blocking: records are buffered and batch-inserted by a
// background flush loop. Append inserts synchronously and reports failure,
// which is what the mandatory audit path for administrative invocations
// relies on.
type ClickHouseSink struct {
	conn    driver.Conn
	buffer  chan *audit.Record
	done    chan struct{}
	flushed chan struct{}
	logger  *zap.Logger
}

// NewClickHouseSink connects to ClickHouse and starts the flush loop.
func NewClickHouseSink(dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
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

	s := &ClickHouseSink{
		conn:    conn,
		buffer:  make(chan *audit.Record, bufferSize),
		done:    make(chan struct{}),
		flushed: make(chan struct{}),
		logger:  logger,
	}

	go s.flushLoop()
	return s, nil
}

// Enqueue queues a record for async insertion.
// Non-blocking: drops the record if the buffer is full.
func (s *ClickHouseSink) Enqueue(rec *audit.Record) {
	select {
	case s.buffer <- rec:
	default:
		s.logger.Warn("audit buffer full, dropping record",
			zap.String("invocation_id", rec.InvocationID),
		)
	}
}

// Append inserts a single record synchronously.
func (s *ClickHouseSink) Append(ctx context.Context, rec *audit.Record) error {
	ctx, cancel := context.WithTimeout(ctx, appendTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, insertColumns)
	if err != nil {
		return err
	}
	if err := appendRecord(batch, rec); err != nil {
		return err
	}
	return batch.Send()
}

// Ping reports whether the ClickHouse connection is usable.
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close signals the flush loop to drain remaining records.
func (s *ClickHouseSink) Close() {
	close(s.done)
	<-s.flushed
}

func (s *ClickHouseSink) flushLoop() {
	defer close(s.flushed)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]*audit.Record, 0, flushBatch)

	for {
		select {
		case rec := <-s.buffer:
			batch = append(batch, rec)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-s.done:
			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
		drainLoop:
			for {
				select {
				case rec := <-s.buffer:
					batch = append(batch, rec)
				case <-drainCtx.Done():
					break drainLoop
				default:
					break drainLoop
				}
			}
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *ClickHouseSink) flush(recs []*audit.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()

	batch, err := s.conn.PrepareBatch(ctx, insertColumns)
	if err != nil {
		s.logger.Error("clickhouse prepare batch failed", zap.Error(err))
		return
	}

	for _, rec := range recs {
		if err := appendRecord(batch, rec); err != nil {
			s.logger.Error("clickhouse append record failed",
				zap.String("invocation_id", rec.InvocationID),
				zap.Error(err),
			)
		}
	}

	if err := batch.Send(); err != nil {
		s.logger.Error("clickhouse batch send failed",
			zap.Int("batch_size", len(recs)),
			zap.Error(err),
		)
	}
}

func appendRecord(batch driver.Batch, rec *audit.Record) error {
	return batch.Append(
		rec.InvocationID,
		rec.Timestamp,
		rec.User,
		rec.Role,
		rec.Capability,
		rec.SideEffect,
		rec.Category,
		rec.Fingerprint,
		rec.Preview,
		rec.Effect,
		rec.Reason,
		rec.RuleID,
		rec.Outcome,
		rec.LatencyMs,
	)
}

// LogSink is a fallback audit sink for local development.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink that writes records to the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(_ context.Context, rec *audit.Record) error {
	s.write(rec)
	return nil
}

func (s *LogSink) Enqueue(rec *audit.Record) { s.write(rec) }

func (s *LogSink) Ping(context.Context) error { return nil }

func (s *LogSink) Close() {}

func (s *LogSink) write(rec *audit.Record) {
	s.logger.Info("audit_record",
		zap.String("invocation_id", rec.InvocationID),
		zap.String("user", rec.User),
		zap.String("role", rec.Role),
		zap.String("capability", rec.Capability),
		zap.String("side_effect", rec.SideEffect),
		zap.String("category", rec.Category),
		zap.String("fingerprint", rec.Fingerprint),
		zap.String("effect", rec.Effect),
		zap.String("reason", rec.Reason),
		zap.String("rule_id", rec.RuleID),
		zap.String("outcome", rec.Outcome),
		zap.Float32("latency_ms", rec.LatencyMs),
	)
}
