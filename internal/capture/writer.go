// Package capture adapts the engine's raw text output into transcript
// records and live broadcast messages.
package capture

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	otelx "github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
)

// Writer is an io.Writer handed to the execution engine. Every non-empty
// chunk becomes one log record: stamped, appended to the transcript, then
// published on the session's outbound topic. Store failures are logged and
// swallowed so telemetry loss never kills a running task.
//
// Writer performs no buffering or line reassembly; the engine's chunking is
// engine-defined and passed through verbatim. It is not safe for concurrent
// use — all writes for a session happen on its single worker goroutine,
// which is what keeps record timestamps non-decreasing.
type Writer struct {
	store     *persistence.Store
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otelx.Metrics // may be nil
	sessionID string

	now  func() time.Time
	last time.Time
}

// NewWriter creates a capture writer for one session.
func NewWriter(store *persistence.Store, b *bus.Bus, logger *slog.Logger, metrics *otelx.Metrics, sessionID string) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		store:     store,
		bus:       b,
		logger:    logger,
		metrics:   metrics,
		sessionID: sessionID,
		now:       time.Now,
	}
}

// Write accepts an arbitrary text chunk (whole line, partial line, or many
// lines) and always reports the full chunk as consumed. Whitespace-only
// chunks are formatting noise and dropped.
func (w *Writer) Write(p []byte) (int, error) {
	chunk := string(p)
	if strings.TrimSpace(chunk) == "" {
		return len(p), nil
	}

	ts := w.now()
	// Clamp so a wall-clock step backwards cannot break per-session
	// timestamp ordering.
	if ts.Before(w.last) {
		ts = w.last
	}
	w.last = ts

	if err := w.store.AppendLog(context.Background(), w.sessionID, persistence.KindLog, chunk, ts); err != nil {
		w.logger.Error("transcript append failed", "session_id", w.sessionID, "error", err)
	} else if w.metrics != nil {
		w.metrics.RecordsAppended.Add(context.Background(), 1)
	}
	w.bus.Publish(bus.SessionOutTopic(w.sessionID), bus.Message{
		Kind:      bus.KindLog,
		Content:   chunk,
		Timestamp: ts,
	})
	return len(p), nil
}
