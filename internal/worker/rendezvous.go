package worker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/basket/taskrelay/internal/bus"
	"github.com/basket/taskrelay/internal/engine"
	"github.com/basket/taskrelay/internal/persistence"
)

// Rendezvous suspends the worker goroutine until a human reply arrives on
// the session's inbound topic. The subscription is created once at session
// start and lives for the whole session, so a TERMINATE published while the
// engine is mid-computation stays buffered and is consumed at the next
// request instead of vanishing.
type Rendezvous struct {
	lc  *Lifecycle
	sub *bus.Subscription
	out io.Writer // the session's capture writer
}

// Request emits the prompt into the transcript, parks the session in
// WAITING_FOR_INPUT, and blocks for exactly one inbound message. TERMINATE
// yields the exit sentinel; anything else flips the session back to
// EXECUTING_TASK and is returned verbatim. Replies queued beyond the first
// stay buffered for the next request.
func (r *Rendezvous) Request(ctx context.Context, prompt string) (string, error) {
	fmt.Fprintf(r.out, "WAITING FOR USER INPUT: %s\n", prompt)

	if err := r.lc.Transition(ctx, persistence.StatusWaitingForInput); err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ev, ok := <-r.sub.Ch():
		if !ok {
			return "", errors.New("inbound channel closed")
		}
		text, _ := ev.Payload.(string)
		if text == bus.Terminate {
			// The engine treats the sentinel as an abort signal; the
			// terminal transition happens when it returns.
			return engine.ExitSentinel, nil
		}
		if err := r.lc.Transition(ctx, persistence.StatusExecutingTask); err != nil {
			return "", err
		}
		return text, nil
	}
}
