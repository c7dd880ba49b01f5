// Package janitor sweeps orphaned sessions: rows left in a non-terminal
// status with no live worker goroutine, typically after a crash or an
// unclean shutdown of a previous process.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// ActivityChecker reports whether a session currently has a live worker.
type ActivityChecker interface {
	IsActive(sessionID string) bool
}

// Config holds the dependencies for the janitor.
type Config struct {
	Store  *persistence.Store
	Bus    *bus.Bus
	Runner ActivityChecker
	Logger *slog.Logger

	// Schedule is a 5-field cron expression for the sweep.
	Schedule string

	// Grace protects freshly created sessions whose worker has not been
	// observed yet. Defaults to 1 minute.
	Grace time.Duration
}

type Janitor struct {
	store  *persistence.Store
	bus    *bus.Bus
	runner ActivityChecker
	logger *slog.Logger
	sched  cronlib.Schedule
	grace  time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) (*Janitor, error) {
	sched, err := cronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("parse janitor schedule %q: %w", cfg.Schedule, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = time.Minute
	}
	return &Janitor{
		store:  cfg.Store,
		bus:    cfg.Bus,
		runner: cfg.Runner,
		logger: logger,
		sched:  sched,
		grace:  grace,
	}, nil
}

// Start runs the sweep loop in a background goroutine. The first sweep
// fires immediately to clean up after a previous process.
func (j *Janitor) Start(ctx context.Context) {
	ctx, j.cancel = context.WithCancel(ctx)
	j.wg.Add(1)
	go j.loop(ctx)
	j.logger.Info("janitor started")
}

// Stop cancels the loop and waits for it to exit.
func (j *Janitor) Stop() {
	if j.cancel != nil {
		j.cancel()
	}
	j.wg.Wait()
	j.logger.Info("janitor stopped")
}

func (j *Janitor) loop(ctx context.Context) {
	defer j.wg.Done()

	j.Sweep(ctx)

	for {
		next := j.sched.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep marks every orphaned session as ERROR with an explanatory record.
// Sessions younger than the grace period are skipped so a worker that is
// still spinning up is not falsely declared dead.
func (j *Janitor) Sweep(ctx context.Context) {
	sessions, err := j.store.ListSessions(ctx)
	if err != nil {
		j.logger.Error("janitor: list sessions failed", "error", err)
		return
	}
	now := time.Now()
	for _, sess := range sessions {
		if sess.Status.Terminal() {
			continue
		}
		if j.runner.IsActive(sess.ID) {
			continue
		}
		if now.Sub(sess.CreatedAt) < j.grace {
			continue
		}
		j.reap(ctx, sess)
	}
}

func (j *Janitor) reap(ctx context.Context, sess persistence.Session) {
	detail := fmt.Sprintf("session orphaned in %s: no active worker", sess.Status)
	ts := time.Now()

	if err := j.store.UpdateStatus(ctx, sess.ID, persistence.StatusError); err != nil {
		j.logger.Error("janitor: status update failed", "session_id", sess.ID, "error", err)
		return
	}
	if err := j.store.AppendLog(ctx, sess.ID, persistence.KindError, detail, ts); err != nil {
		j.logger.Error("janitor: record append failed", "session_id", sess.ID, "error", err)
	}
	j.bus.Publish(bus.SessionOutTopic(sess.ID), bus.Message{
		Kind:      bus.KindError,
		Content:   detail,
		Timestamp: ts,
	})
	j.logger.Warn("janitor: orphaned session reaped", "session_id", sess.ID, "was_status", sess.Status)
}
