package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/capture"
	"github.com/basket/taskrelay/internal/engine"
	otelx "github.com/basket/taskrelay/internal/otel"
	"github.com/basket/taskrelay/internal/persistence"
)

// ErrAlreadyRunning is returned when a session id already has a live
// worker. Concurrent starts for the same id are a caller error, not
// something the runner retries.
var ErrAlreadyRunning = errors.New("session already has an active worker")

// Runner owns the worker goroutines: at most one per session id, parallel
// across sessions. Workers communicate with viewers only through the store
// and the bus, never by direct call.
type Runner struct {
	store   *persistence.Store
	bus     *bus.Bus
	engines engine.Factory
	logger  *slog.Logger
	metrics *otelx.Metrics // may be nil

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(store *persistence.Store, b *bus.Bus, engines engine.Factory, logger *slog.Logger, metrics *otelx.Metrics) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:   store,
		bus:     b,
		engines: engines,
		logger:  logger,
		metrics: metrics,
		active:  make(map[string]context.CancelFunc),
	}
}

// Start launches the worker goroutine for a freshly created session. The
// session must already exist in the store (status BUILDING_TEAM).
func (r *Runner) Start(sess persistence.Session, spec engine.Spec) error {
	r.mu.Lock()
	if _, ok := r.active[sess.ID]; ok {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.active[sess.ID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SessionsStarted.Add(ctx, 1)
	}

	go func() {
		defer r.wg.Done()
		defer cancel()
		defer r.release(sess.ID)
		r.run(ctx, sess, spec)
	}()
	return nil
}

// IsActive reports whether a worker goroutine currently owns the session.
func (r *Runner) IsActive(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[sessionID]
	return ok
}

// ActiveCount returns the number of live workers.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Shutdown cancels all workers and waits for them to finish, bounded by
// ctx. Cancellation interrupts only sessions blocked in the rendezvous or
// an LLM call; that is the documented best-effort model.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	for _, cancel := range r.active {
		cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) release(sessionID string) {
	r.mu.Lock()
	delete(r.active, sessionID)
	r.mu.Unlock()
}

func (r *Runner) run(ctx context.Context, sess persistence.Session, spec engine.Spec) {
	logger := r.logger.With("session_id", sess.ID)
	lc := NewLifecycle(r.store, r.bus, logger, sess.ID, sess.Status)

	// Session-lifetime inbound subscription: see Rendezvous.
	sub := r.bus.Subscribe(bus.SessionInTopic(sess.ID))
	defer r.bus.Unsubscribe(sub)

	writer := capture.NewWriter(r.store, r.bus, logger, r.metrics, sess.ID)
	hooks := &sessionHooks{
		Writer: writer,
		rdv:    &Rendezvous{lc: lc, sub: sub, out: writer},
	}

	// Lifecycle writes after the engine returns must survive worker
	// cancellation.
	bg := context.WithoutCancel(ctx)

	eng, err := r.engines.New(ctx, spec)
	if err != nil {
		logger.Error("engine setup failed", "error", err)
		lc.Fail(bg, fmt.Sprintf("engine setup failed: %v", err))
		r.countFailure(bg)
		return
	}

	if err := lc.Transition(ctx, persistence.StatusExecutingTask); err != nil {
		logger.Error("lifecycle transition failed", "error", err)
		return
	}
	logger.Info("session executing", "model", sess.Model)

	if err := eng.Run(ctx, sess.Task, hooks); err != nil {
		stage := engine.StageExecution
		cause := err
		var fault *engine.Fault
		if errors.As(err, &fault) {
			stage = fault.Stage
			cause = fault.Err
		}
		logger.Error("engine run failed", "stage", stage.String(), "error", err)
		lc.Fail(bg, fmt.Sprintf("engine %s fault: %v", stage, cause))
		r.countFailure(bg)
		return
	}

	if err := lc.Transition(bg, persistence.StatusCompleted); err != nil {
		logger.Error("lifecycle transition failed", "error", err)
		return
	}
	logger.Info("session completed")
	if r.metrics != nil {
		r.metrics.SessionsCompleted.Add(bg, 1)
	}
}

func (r *Runner) countFailure(ctx context.Context) {
	if r.metrics != nil {
		r.metrics.SessionsFailed.Add(ctx, 1)
	}
}
