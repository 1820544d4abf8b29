// Package connector pairs a running worker process with a transport channel
// and correlates replies to requests.
package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benaskins/sandcastle/internal/driver"
	"github.com/benaskins/sandcastle/internal/protocol"
	"github.com/benaskins/sandcastle/internal/transport"
)

const (
	defaultLivenessInterval = 200 * time.Millisecond
	defaultOutputLines      = 50
	inboxSize               = 16
)

// Sequence hands out correlation ids starting at 1. Each executor owns one.
type Sequence struct {
	n atomic.Uint64
}

func (s *Sequence) Next() uint64 {
	return s.n.Add(1)
}

// Config holds everything needed to open a connector.
type Config struct {
	// Driver must already be started.
	Driver   driver.Driver
	Codec    protocol.Codec
	Sequence *Sequence
	// LivenessInterval is how often the watchdog probes the process.
	LivenessInterval time.Duration
	// OutputLines is how much worker output a TransportError carries.
	OutputLines int
	Logger      *slog.Logger
}

// Connector is the state of one live worker connection. At most one request
// may be outstanding at a time; callers serialize.
type Connector struct {
	drv         driver.Driver
	ch          *transport.Channel
	seq         *Sequence
	outputLines int
	logger      *slog.Logger

	inbox      chan protocol.Envelope
	stop       chan struct{}
	failed     chan struct{}
	failOnce   sync.Once
	failReason string
	failErr    error
	readerDone chan struct{}
	disposed   atomic.Bool
}

// Open starts the reader and the liveness watchdog for a started driver.
func Open(cfg Config) *Connector {
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = defaultLivenessInterval
	}
	if cfg.OutputLines <= 0 {
		cfg.OutputLines = defaultOutputLines
	}
	if cfg.Sequence == nil {
		cfg.Sequence = &Sequence{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Connector{
		drv:         cfg.Driver,
		ch:          transport.New(cfg.Driver.Stdout(), cfg.Driver.Stdin(), cfg.Codec),
		seq:         cfg.Sequence,
		outputLines: cfg.OutputLines,
		logger:      cfg.Logger.With("pid", cfg.Driver.Info().PID),
		inbox:       make(chan protocol.Envelope, inboxSize),
		stop:        make(chan struct{}),
		failed:      make(chan struct{}),
		readerDone:  make(chan struct{}),
	}

	go c.read()
	go c.watch(cfg.LivenessInterval)
	return c
}

// read is the only producer of replies.
func (c *Connector) read() {
	defer close(c.readerDone)
	for {
		env, err := c.ch.Receive()
		if err != nil {
			if c.disposed.Load() {
				return
			}
			var de *transport.DecodeError
			switch {
			case errors.As(err, &de):
				c.fail(fmt.Sprintf("undecodable frame %d", de.ID), err)
			case errors.Is(err, io.EOF):
				c.fail(c.exitReason("worker closed its output"), nil)
			default:
				c.fail(c.exitReason("reading from worker"), err)
			}
			return
		}
		select {
		case c.inbox <- env:
		case <-c.stop:
			return
		}
	}
}

// watch catches a dead worker even when its output pipe stays open, for
// example when a grandchild inherited it.
func (c *Connector) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-c.failed:
			return
		case <-c.drv.Exited():
			c.fail(c.exitReason("worker exited"), nil)
			return
		case <-ticker.C:
			if !c.drv.Alive() {
				c.fail(c.exitReason("worker not alive"), nil)
				return
			}
		}
	}
}

func (c *Connector) exitReason(prefix string) string {
	select {
	case <-c.drv.Exited():
	case <-time.After(100 * time.Millisecond):
		return prefix
	}
	info := c.drv.Info()
	return fmt.Sprintf("%s (exit code %d)", prefix, info.ExitCode)
}

// fail records a terminal transport condition and posts the broadcast
// sentinel so a blocked Await wakes up.
func (c *Connector) fail(reason string, err error) {
	c.failOnce.Do(func() {
		c.failReason = reason
		c.failErr = err
		close(c.failed)
		c.logger.Warn("worker connection failed", "reason", reason, "error", err)

		sentinel := protocol.Envelope{
			ID:      protocol.BroadcastID,
			Command: &protocol.ExceptionInTransport{Reason: reason},
		}
		select {
		case c.inbox <- sentinel:
		default:
		}
	})
}

// Send writes cmd under a fresh correlation id and returns without waiting.
func (c *Connector) Send(cmd protocol.Command) (uint64, error) {
	if c.disposed.Load() {
		return 0, ErrDisposed
	}
	select {
	case <-c.failed:
		return 0, c.transportError(c.failReason, c.failErr)
	default:
	}

	id := c.seq.Next()
	if err := c.ch.Send(protocol.Envelope{ID: id, Command: cmd}); err != nil {
		c.fail(c.exitReason("writing to worker"), err)
		return id, c.transportError(c.failReason, err)
	}
	return id, nil
}

// Await waits for the reply to id. Replies to abandoned earlier requests
// are discarded; a reply to a later id is a protocol violation. A matching
// ExceptionInWorker is returned as *WorkerError. Cancelling ctx abandons the
// wait but leaves the connection intact.
func Await[T protocol.Command](ctx context.Context, c *Connector, id uint64) (T, error) {
	var zero T
	for {
		var env protocol.Envelope
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-c.stop:
			return zero, ErrDisposed
		case env = <-c.inbox:
		case <-c.failed:
			// Replies queued before the failure still count
			select {
			case env = <-c.inbox:
			default:
				return zero, c.transportError(c.failReason, c.failErr)
			}
		}

		switch {
		case env.ID == protocol.BroadcastID:
			reason := c.failReason
			if ex, ok := env.Command.(*protocol.ExceptionInTransport); ok && ex.Reason != "" {
				reason = ex.Reason
			}
			return zero, c.transportError(reason, c.failErr)
		case env.ID < id:
			c.logger.Debug("discarding stale reply", "id", env.ID, "awaiting", id, "kind", env.Command.Kind())
			continue
		case env.ID > id:
			return zero, &ProtocolError{Awaited: id, Received: env.ID, Kind: env.Command.Kind()}
		}

		if ex, ok := env.Command.(*protocol.ExceptionInWorker); ok {
			return zero, &WorkerError{ID: env.ID, Failure: ex.Failure}
		}
		reply, ok := env.Command.(T)
		if !ok {
			return zero, &ProtocolError{Awaited: id, Received: env.ID, Kind: env.Command.Kind()}
		}
		return reply, nil
	}
}

func (c *Connector) transportError(reason string, err error) *TransportError {
	info := c.drv.Info()
	return &TransportError{
		Reason:   reason,
		PID:      info.PID,
		ExitCode: info.ExitCode,
		LogPath:  info.LogFile,
		Output:   c.drv.LogLines(c.outputLines),
		Err:      err,
	}
}

// Alive reports whether the connector can still carry requests.
func (c *Connector) Alive() bool {
	if c.disposed.Load() {
		return false
	}
	select {
	case <-c.failed:
		return false
	default:
	}
	return c.drv.Alive()
}

// PID returns the worker's process id.
func (c *Connector) PID() int {
	return c.drv.Info().PID
}

// Info returns the worker's process info.
func (c *Connector) Info() driver.ProcessInfo {
	return c.drv.Info()
}

// Output returns the last n lines of worker diagnostic output.
func (c *Connector) Output(n int) []string {
	return c.drv.LogLines(n)
}

// Terminate shuts the worker down. It asks politely with StopProcess, then
// stops the driver within grace, then waits a bounded time for the reader.
// Calling it again is a no-op.
func (c *Connector) Terminate(ctx context.Context, grace time.Duration) error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)

	if c.drv.Alive() {
		// The write may block on a full pipe; Stop closes stdin under it
		go func() {
			_ = c.ch.Send(protocol.Envelope{ID: c.seq.Next(), Command: &protocol.StopProcess{Reason: "terminate"}})
		}()
	}

	err := c.drv.Stop(ctx, grace)

	select {
	case <-c.readerDone:
	case <-time.After(grace + time.Second):
		c.logger.Warn("reader did not finish after terminate")
	}

	c.logger.Debug("worker connection terminated", "exit_code", c.drv.Info().ExitCode)
	return err
}
