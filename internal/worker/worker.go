// Package worker is the runtime that runs inside a sandboxed child process.
// It reads commands from stdin, executes invocations through the installed
// instrumentation and writes replies to stdout.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/benaskins/sandcastle/internal/protocol"
	"github.com/benaskins/sandcastle/internal/transport"
)

// Paths are the classpaths announced by AddPaths.
type Paths struct {
	User       string
	Dependency string
}

// Call is one invocation handed to an instrumentation.
type Call struct {
	Callable protocol.Callable
	Args     []any
	Values   map[string]string
}

// Instrumentation executes calls inside the worker.
type Instrumentation interface {
	Invoke(ctx context.Context, call Call) (any, error)
}

// Factory builds an instrumentation from its descriptor options and the
// classpaths known at install time.
type Factory func(options map[string]string, paths Paths) (Instrumentation, error)

// Catalog maps instrumentation names to factories.
type Catalog map[string]Factory

// Options configures Serve.
type Options struct {
	Catalog  Catalog
	Registry *protocol.Registry
	Logger   *slog.Logger
}

// Failure lets an instrumentation choose the exception type reported to the
// controller.
type Failure struct {
	Type    string
	Message string
}

func (f *Failure) Error() string { return f.Type + ": " + f.Message }

type server struct {
	ch      *transport.Channel
	opts    Options
	paths   Paths
	inst    Instrumentation
	instErr error

	// installErr is set when SetInstrumentation was received but failed.
	installErr error
}

// Serve runs the command loop until StopProcess, EOF on in, or ctx is done.
// A frame that cannot be decoded ends the loop with an error.
func Serve(ctx context.Context, in io.Reader, out io.WriteCloser, opts Options) error {
	if opts.Registry == nil {
		opts.Registry = protocol.NewRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &server{
		ch:      transport.New(in, out, protocol.NewGobCodec(nil)),
		opts:    opts,
		instErr: errors.New("no instrumentation installed"),
	}

	type received struct {
		env protocol.Envelope
		err error
	}
	next := make(chan received)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			env, err := s.ch.Receive()
			select {
			case next <- received{env, err}:
			case <-quit:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		var r received
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r = <-next:
		}
		if r.err != nil {
			if errors.Is(r.err, io.EOF) {
				opts.Logger.Debug("controller closed input")
				return nil
			}
			return fmt.Errorf("receiving command: %w", r.err)
		}

		stop, err := s.handle(ctx, r.env)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}
	}
}

func (s *server) handle(ctx context.Context, env protocol.Envelope) (bool, error) {
	logger := s.opts.Logger

	switch cmd := env.Command.(type) {
	case *protocol.AddPaths:
		s.paths = Paths{User: cmd.UserClasspath, Dependency: cmd.DependencyClasspath}
		logger.Debug("paths added", "user", cmd.UserClasspath, "dependency", cmd.DependencyClasspath)

	case *protocol.SetInstrumentation:
		s.install(cmd.Instrumentation)

	case *protocol.InvokeMethod:
		reply := s.invoke(ctx, cmd)
		if err := s.ch.Send(protocol.Envelope{ID: env.ID, Command: reply}); err != nil {
			return false, err
		}

	case *protocol.Warmup:
		var reply protocol.Command = env.Command
		if s.installErr != nil {
			reply = exception(protocol.InstrumentationFailure, s.installErr.Error(), "")
		}
		if err := s.ch.Send(protocol.Envelope{ID: env.ID, Command: reply}); err != nil {
			return false, err
		}

	case *protocol.StopProcess:
		logger.Debug("stop requested", "reason", cmd.Reason)
		return true, nil

	default:
		logger.Warn("ignoring unexpected command", "kind", env.Command.Kind(), "id", env.ID)
	}
	return false, nil
}

func (s *server) install(desc protocol.Instrumentation) {
	factory, ok := s.opts.Catalog[desc.Name]
	if !ok {
		s.inst = nil
		s.instErr = fmt.Errorf("unknown instrumentation %q", desc.Name)
		s.installErr = s.instErr
		s.opts.Logger.Error("instrumentation not found", "name", desc.Name)
		return
	}
	inst, err := factory(desc.Options, s.paths)
	if err != nil {
		s.inst = nil
		s.instErr = fmt.Errorf("installing instrumentation %q: %w", desc.Name, err)
		s.installErr = s.instErr
		s.opts.Logger.Error("instrumentation failed to install", "name", desc.Name, "error", err)
		return
	}
	s.inst = inst
	s.instErr = nil
	s.installErr = nil
	s.opts.Logger.Debug("instrumentation installed", "name", desc.Name)
}

func (s *server) invoke(ctx context.Context, cmd *protocol.InvokeMethod) protocol.Command {
	if s.inst == nil {
		return exception(protocol.InstrumentationFailure, s.instErr.Error(), "")
	}

	args, err := s.opts.Registry.DecodeAll(cmd.Arguments)
	if err != nil {
		return exception("ArgumentError", err.Error(), "")
	}

	if cmd.Context.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cmd.Context.Timeout)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
		stack string
	}
	done := make(chan outcome, 1)
	call := Call{Callable: cmd.Callable, Args: args, Values: cmd.Context.Values}

	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &Failure{Type: "panic", Message: fmt.Sprint(r)}, stack: string(debug.Stack())}
			}
		}()
		v, err := s.inst.Invoke(ctx, call)
		done <- outcome{value: v, err: err}
	}()

	timeout := exception("Timeout", fmt.Sprintf("%s did not finish within %s", cmd.Callable, cmd.Context.Timeout), "")

	var out outcome
	select {
	case out = <-done:
		if out.err != nil && ctx.Err() != nil {
			return timeout
		}
	case <-ctx.Done():
		// The invocation goroutine is abandoned; the worker is disposable
		return timeout
	}

	s.opts.Logger.Debug("invocation finished", "callable", cmd.Callable.String(), "duration", time.Since(start), "error", out.err)

	if out.err != nil {
		var f *Failure
		if errors.As(out.err, &f) {
			return exception(f.Type, f.Message, out.stack)
		}
		return exception(fmt.Sprintf("%T", out.err), out.err.Error(), out.stack)
	}

	val, err := s.opts.Registry.Encode(out.value)
	if err != nil {
		return exception("ResultEncodingError", err.Error(), "")
	}
	return &protocol.InvocationResult{Value: val}
}

func exception(typ, msg, stack string) *protocol.ExceptionInWorker {
	return &protocol.ExceptionInWorker{Failure: protocol.WorkerException{Type: typ, Message: msg, Stack: stack}}
}
