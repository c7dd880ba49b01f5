// Package worker runs the execution engine for a session: one dedicated
// goroutine per active session, a lifecycle controller owning the status
// machine, and the rendezvous where the engine blocks for human input.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/persistence"
)

// Lifecycle is the single writer of a session's status. Every transition
// is validated against the state machine, persisted, appended to the
// transcript as a status record, and broadcast to live viewers. Store
// failures are logged and swallowed: losing a status row is preferable to
// killing a multi-hour task.
//
// Not safe for concurrent use; all calls happen on the session's worker
// goroutine.
type Lifecycle struct {
	store     *persistence.Store
	bus       *bus.Bus
	logger    *slog.Logger
	sessionID string
	current   persistence.SessionStatus
}

// NewLifecycle creates the controller for one session, seeded with the
// session's stored status.
func NewLifecycle(store *persistence.Store, b *bus.Bus, logger *slog.Logger, sessionID string, current persistence.SessionStatus) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:     store,
		bus:       b,
		logger:    logger,
		sessionID: sessionID,
		current:   current,
	}
}

// Current returns the controller's view of the session status.
func (l *Lifecycle) Current() persistence.SessionStatus {
	return l.current
}

// Transition moves the session to a new status. Invalid transitions are a
// programming error and rejected without side effects.
func (l *Lifecycle) Transition(ctx context.Context, to persistence.SessionStatus) error {
	if !persistence.ValidTransition(l.current, to) {
		return fmt.Errorf("invalid transition %s -> %s", l.current, to)
	}
	l.apply(ctx, to, persistence.KindStatus, string(to))
	return nil
}

// Fail moves the session to ERROR carrying detail as the final transcript
// record, so viewers can see why the session stopped. No-op on terminal
// sessions.
func (l *Lifecycle) Fail(ctx context.Context, detail string) {
	if l.current.Terminal() {
		return
	}
	l.apply(ctx, persistence.StatusError, persistence.KindError, detail)
}

func (l *Lifecycle) apply(ctx context.Context, to persistence.SessionStatus, kind persistence.RecordKind, content string) {
	l.current = to
	ts := time.Now()

	if err := l.store.UpdateStatus(ctx, l.sessionID, to); err != nil {
		l.logger.Error("status update failed", "session_id", l.sessionID, "status", to, "error", err)
	}
	if err := l.store.AppendLog(ctx, l.sessionID, kind, content, ts); err != nil {
		l.logger.Error("status record append failed", "session_id", l.sessionID, "error", err)
	}
	l.bus.Publish(bus.SessionOutTopic(l.sessionID), bus.Message{
		Kind:      bus.MessageKind(kind),
		Content:   content,
		Timestamp: ts,
	})
}
