// Package audit defines the append-only decision trail.
//
// Every invocation that reaches a terminal state produces exactly one
// Record. Records are written once and never mutated; retention is the
// sink's concern, never in-process deletion.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"go.uber.org/zap"
)

// PreviewLength caps how much raw statement text a record carries. The full
// text is represented by its fingerprint to bound storage.
const PreviewLength = 256

// Outcome of the delegated execution.
const (
	OutcomeSuccess     = "success"
	OutcomeFailure     = "failure"
	OutcomeNotExecuted = "not-executed"
)

// ErrSinkUnavailable is returned when a mandatory append cannot be
// persisted. Administrative invocations fail closed on it.
var ErrSinkUnavailable = errors.New("audit sink unavailable")

// Record is a single immutable audit entry.
type Record struct {
	InvocationID string
	Timestamp    time.Time
	User         string
	Role         string
	Capability   string
	SideEffect   string // read_only, mutating, administrative
	Category     string // statement category
	Fingerprint  string // sha256 of the original statement text
	Preview      string // truncated statement text
	Effect       string
	Reason       string
	RuleID       string
	Outcome      string
	LatencyMs    float32
}

// Sink is the storage collaborator. Append is synchronous and reports
// failure; Enqueue is fire-and-forget and must never block the caller.
// Ping reports current sink availability so mandatory paths can refuse to
// execute anything they could not audit.
type Sink interface {
	Append(ctx context.Context, rec *Record) error
	Enqueue(rec *Record)
	Ping(ctx context.Context) error
	Close()
}

// Recorder routes records to the sink, choosing the mandatory (synchronous,
// fail-closed) or best-effort (buffered, log-and-continue) path.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

// NewRecorder creates a Recorder over the given sink.
func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	return &Recorder{sink: sink, logger: logger}
}

// EnsureAvailable probes the sink. Mandatory-audit paths call it before
// executing anything irreversible.
func (r *Recorder) EnsureAvailable(ctx context.Context) error {
	if err := r.sink.Ping(ctx); err != nil {
		r.logger.Error("audit sink unavailable", zap.Error(err))
		return ErrSinkUnavailable
	}
	return nil
}

// Record persists rec. When mandatory, a sink failure is surfaced as
// ErrSinkUnavailable and the caller must fail the invocation closed.
func (r *Recorder) Record(ctx context.Context, rec *Record, mandatory bool) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	if !mandatory {
		r.sink.Enqueue(rec)
		return nil
	}

	if err := r.sink.Append(ctx, rec); err != nil {
		r.logger.Error("mandatory audit append failed",
			zap.String("invocation_id", rec.InvocationID),
			zap.String("capability", rec.Capability),
			zap.Error(err),
		)
		return ErrSinkUnavailable
	}
	return nil
}

// Fingerprint returns the sha256 hex digest of the statement text.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// TruncatePreview bounds text to PreviewLength bytes.
func TruncatePreview(text string) string {
	if len(text) <= PreviewLength {
		return text
	}
	return text[:PreviewLength]
}
