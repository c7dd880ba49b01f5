package worker

import (
	"context"

	"github.com/basket/taskrelay/internal/capture"
)

// sessionHooks is the capability set handed to the engine: the capture
// writer for text output plus the rendezvous for human input. It satisfies
// engine.Hooks.
type sessionHooks struct {
	*capture.Writer
	rdv *Rendezvous
}

func (h *sessionHooks) RequestHumanInput(ctx context.Context, prompt string) (string, error) {
	return h.rdv.Request(ctx, prompt)
}
