// Package engine defines the boundary between the session relay and the
// task-execution engine. The engine is an opaque collaborator: it receives
// a task plus a narrow capability set (accept text, request a human reply)
// and runs to completion on the caller's goroutine.
package engine

import (
	"context"
	"io"
)

// ExitSentinel is the value RequestHumanInput returns when the session was
// asked to terminate. Engines must treat it as an abort signal, never as a
// literal human reply.
const ExitSentinel = "exit"

// Hooks is the capability set the relay hands to an engine. Writes feed the
// transcript and the live broadcast; RequestHumanInput suspends the calling
// goroutine until a reply arrives on the session's inbound channel.
type Hooks interface {
	io.Writer
	RequestHumanInput(ctx context.Context, prompt string) (string, error)
}

// Engine executes one task. Run is synchronous and single-threaded: it must
// not retain hooks after returning, and any blocking it does beyond the
// hooks is its own business.
type Engine interface {
	Run(ctx context.Context, task string, hooks Hooks) error
}

// Spec describes the engine configuration for one session.
type Spec struct {
	Provider      string
	Model         string
	APIKey        string
	SystemMessage string
	MaxRounds     int
}

// Factory builds an engine for a session. A factory error is a setup fault:
// the session never reaches EXECUTING_TASK.
type Factory interface {
	New(ctx context.Context, spec Spec) (Engine, error)
}
