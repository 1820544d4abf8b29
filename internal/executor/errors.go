package executor

import (
	"errors"
	"fmt"

	"github.com/benaskins/sandcastle/internal/connector"
	"github.com/benaskins/sandcastle/internal/protocol"
)

// ErrClosed is returned by calls on a closed executor.
var ErrClosed = errors.New("executor closed")

// StartupError means a worker could not be spawned or did not accept the
// handshake.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("starting worker: %v", e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ExecutionError wraps a transport or protocol failure during a call. The
// worker connection has been torn down; the next call respawns.
type ExecutionError struct {
	Callable protocol.Callable
	PID      int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executing %s: %v", e.Callable, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ChildFailedError is the error form of a user-code failure.
type ChildFailedError struct {
	Callable protocol.Callable
	Failure  protocol.WorkerException
}

func (e *ChildFailedError) Error() string {
	return fmt.Sprintf("%s failed in worker: %s", e.Callable, e.Failure)
}

// IsEngineFailure reports whether err means the sandbox itself broke, as
// opposed to the code under test failing.
func IsEngineFailure(err error) bool {
	var (
		se *StartupError
		te *connector.TransportError
		pe *connector.ProtocolError
	)
	return errors.As(err, &se) || errors.As(err, &te) || errors.As(err, &pe)
}
