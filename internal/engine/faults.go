package engine

import (
	"errors"
	"fmt"
)

// FaultStage classifies where an engine failure happened. The relay maps
// stages to transcript detail; both lead to a terminal ERROR status.
type FaultStage int

const (
	StageSetup FaultStage = iota
	StageExecution
)

func (s FaultStage) String() string {
	switch s {
	case StageSetup:
		return "setup"
	case StageExecution:
		return "execution"
	default:
		return "unknown"
	}
}

// Fault is an explicit failure value crossing the engine boundary. Engines
// return it instead of panicking; the relay never relies on stack unwinding
// to learn about engine failures.
type Fault struct {
	Stage FaultStage
	Err   error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("engine %s fault: %v", f.Stage, f.Err)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// SetupFault wraps err as a setup-stage fault. Returns nil for nil.
func SetupFault(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Stage: StageSetup, Err: err}
}

// ExecutionFault wraps err as an execution-stage fault. Returns nil for nil.
func ExecutionFault(err error) error {
	if err == nil {
		return nil
	}
	return &Fault{Stage: StageExecution, Err: err}
}

// StageOf extracts the fault stage from an error chain. The second return
// is false when err carries no Fault.
func StageOf(err error) (FaultStage, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f.Stage, true
	}
	return 0, false
}
