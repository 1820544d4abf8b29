package connector

import (
	"errors"
	"fmt"
	"strings"

	"github.com/benaskins/sandcastle/internal/protocol"
)

// ErrDisposed is returned by operations on a terminated connector.
var ErrDisposed = errors.New("connector disposed")

// TransportError means the worker connection is unusable: a frame could not
// be decoded, the stream ended, or the process died. It carries the tail of
// the worker's diagnostic output.
type TransportError struct {
	Reason   string
	PID      int
	ExitCode int
	LogPath  string
	Output   []string
	Err      error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "transport failure (pid %d): %s", e.PID, e.Reason)
	if e.LogPath != "" {
		fmt.Fprintf(&b, " (worker log: %s)", e.LogPath)
	}
	if len(e.Output) > 0 {
		b.WriteString("\nlast worker output:\n  ")
		b.WriteString(strings.Join(e.Output, "\n  "))
	}
	return b.String()
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError means the worker answered with something other than the
// reply being awaited.
type ProtocolError struct {
	Awaited  uint64
	Received uint64
	Kind     protocol.Kind
}

func (e *ProtocolError) Error() string {
	if e.Received != e.Awaited {
		return fmt.Sprintf("unexpected command %s with id %d while awaiting %d", e.Kind, e.Received, e.Awaited)
	}
	return fmt.Sprintf("unexpected command %s in reply to %d", e.Kind, e.Awaited)
}

// WorkerError carries a user-code failure reported by the worker. The
// connection remains usable.
type WorkerError struct {
	ID      uint64
	Failure protocol.WorkerException
}

func (e *WorkerError) Error() string {
	return "worker exception: " + e.Failure.String()
}
