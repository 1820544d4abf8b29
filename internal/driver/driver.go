package driver

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"syscall"
	"time"
)

// State represents the lifecycle state of a worker process.
type State string

const (
	StateIdle        State = "idle"
	StateStarting    State = "starting"
	StateRunning     State = "running"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

// ProcessInfo holds runtime information about a worker process.
type ProcessInfo struct {
	PID       int
	State     State
	StartedAt time.Time
	ExitCode  int
	// Expected is true when the process ended because Stop was called.
	Expected bool
	Error    string
	// LogFile is where stderr is copied, if anywhere.
	LogFile string
}

// Driver owns one worker process and its stdio. Native and container
// drivers both implement this.
type Driver interface {
	// Start launches the process and returns once stdio is connected.
	Start(ctx context.Context) error

	// Stdin is the write side of the worker's standard input.
	Stdin() io.WriteCloser

	// Stdout is the read side of the worker's standard output. It reaches
	// EOF after the process exits.
	Stdout() io.Reader

	// Alive reports whether the process is running.
	Alive() bool

	// Exited is closed once the process has ended.
	Exited() <-chan struct{}

	// Stop closes stdin, waits up to grace for the process to leave on its
	// own, then force-kills it. It is idempotent and returns once the
	// process is gone or ctx is done.
	Stop(ctx context.Context, grace time.Duration) error

	// Info returns current process state and metadata.
	Info() ProcessInfo

	// LogLines returns the last n lines the worker wrote to stderr.
	LogLines(n int) []string
}

var (
	ErrAlreadyStarted = errors.New("worker already started")
	ErrNotStarted     = errors.New("worker not started")
)

// exitCode extracts an exit code from a Wait error. A process killed by a
// signal reports 128+signal, matching shell convention.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return -1
	}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return exitErr.ExitCode()
}
