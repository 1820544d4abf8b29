// Package executor makes a call into a sandboxed worker look like a
// synchronous function call. It owns at most one live worker connection,
// spawning a new worker whenever the previous one died.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/benaskins/sandcastle/internal/connector"
	"github.com/benaskins/sandcastle/internal/driver"
	"github.com/benaskins/sandcastle/internal/protocol"
)

const (
	defaultStopGrace = 2 * time.Second
	defaultSpawnRate = 5
	defaultBurst     = 3
)

// Result is the outcome of a call that reached the worker. Exactly one of
// Value and Failure is meaningful: Failure is set when user code failed.
type Result struct {
	Callable protocol.Callable
	Value    any
	Failure  *protocol.WorkerException
	PID      int
	Duration time.Duration
}

// Failed reports whether user code failed.
func (r Result) Failed() bool {
	return r.Failure != nil
}

// Err returns the user-code failure as a *ChildFailedError, or nil.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return &ChildFailedError{Callable: r.Callable, Failure: *r.Failure}
}

// Executor runs calls in a disposable worker. It is not safe to issue
// concurrent Execute or Warmup calls on one Executor; callers serialize.
// Close may be called concurrently with a call in flight.
type Executor struct {
	inst     protocol.Instrumentation
	userCP   string
	depCP    string
	launcher driver.Launcher
	registry *protocol.Registry
	codec    protocol.Codec
	seq      connector.Sequence
	limiter  *rate.Limiter
	observer Observer
	logger   *slog.Logger

	stopGrace   time.Duration
	liveness    time.Duration
	outputLines int

	closed atomic.Bool

	// spawnMu serializes worker spawns. mu is only taken briefly inside it,
	// so state queries and Close never wait on a spawn.
	spawnMu sync.Mutex

	mu         sync.Mutex
	conn       *connector.Connector
	generation int
}

// Option configures an Executor.
type Option func(*Executor)

// WithRegistry sets the value registry used for arguments and results.
func WithRegistry(r *protocol.Registry) Option {
	return func(e *Executor) { e.registry = r }
}

// WithObserver sets the lifecycle observer.
func WithObserver(o Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithStopGrace sets how long a worker gets to exit before it is killed.
func WithStopGrace(d time.Duration) Option {
	return func(e *Executor) { e.stopGrace = d }
}

// WithLivenessInterval sets how often a live worker is probed.
func WithLivenessInterval(d time.Duration) Option {
	return func(e *Executor) { e.liveness = d }
}

// WithOutputLines sets how many lines of worker output accompany a
// transport failure.
func WithOutputLines(n int) Option {
	return func(e *Executor) { e.outputLines = n }
}

// WithSpawnLimit bounds how fast workers are respawned.
func WithSpawnLimit(perSecond float64, burst int) Option {
	return func(e *Executor) {
		if perSecond <= 0 {
			e.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		e.limiter = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
	}
}

// New returns an executor for one instrumentation and classpath pair. No
// worker is started until the first call.
func New(inst protocol.Instrumentation, userCP, depCP string, launcher driver.Launcher, opts ...Option) *Executor {
	e := &Executor{
		inst:      inst,
		userCP:    userCP,
		depCP:     depCP,
		launcher:  launcher,
		stopGrace: defaultStopGrace,
		limiter:   rate.NewLimiter(rate.Limit(defaultSpawnRate), defaultBurst),
		observer:  nopObserver{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = protocol.NewRegistry()
	}
	e.codec = protocol.NewGobCodec(e.registry)
	e.logger = e.logger.With("component", "executor", "executor", e.Name())
	return e
}

// Name identifies the executor in logs and metrics. Executors with
// different pool keys have different names.
func (e *Executor) Name() string {
	if e.userCP == "" {
		return e.inst.String()
	}
	return e.inst.String() + "@" + e.userCP
}

func (e *Executor) Instrumentation() protocol.Instrumentation { return e.inst }
func (e *Executor) UserClasspath() string                     { return e.userCP }
func (e *Executor) DependencyClasspath() string               { return e.depCP }

// Execute invokes callable with args in the worker. A user-code failure is
// returned in Result.Failure with a nil error and keeps the worker. A
// transport or protocol failure tears the worker down and is returned as
// *ExecutionError; the next call spawns a fresh worker. Cancelling ctx
// abandons the wait and leaves the worker in place.
func (e *Executor) Execute(ctx context.Context, callable protocol.Callable, args []any, ec protocol.ExecutionContext) (Result, error) {
	start := time.Now()
	rec := Record{Time: start, Executor: e.Name(), Callable: callable.String()}

	res, err := e.execute(ctx, callable, args, ec)
	res.Callable = callable
	res.Duration = time.Since(start)

	rec.Duration = res.Duration
	rec.PID = res.PID
	rec.Outcome = outcome(res, err)
	if err != nil {
		rec.Error = err.Error()
	} else if res.Failure != nil {
		rec.Error = res.Failure.String()
	}
	e.observer.ExecutionFinished(rec)
	return res, err
}

func (e *Executor) execute(ctx context.Context, callable protocol.Callable, args []any, ec protocol.ExecutionContext) (Result, error) {
	vals, err := e.registry.EncodeAll(args)
	if err != nil {
		return Result{}, fmt.Errorf("encoding arguments for %s: %w", callable, err)
	}

	conn, err := e.connect(ctx)
	if err != nil {
		return Result{}, err
	}
	pid := conn.PID()

	id, err := conn.Send(&protocol.InvokeMethod{Callable: callable, Arguments: vals, Context: ec})
	if err != nil {
		return Result{PID: pid}, e.fail(conn, callable, err)
	}

	reply, err := connector.Await[*protocol.InvocationResult](ctx, conn, id)
	if err != nil {
		var we *connector.WorkerError
		if errors.As(err, &we) {
			if we.Failure.InstrumentationFailed() {
				return Result{PID: pid}, e.startupFailed(conn, err)
			}
			failure := we.Failure
			return Result{Failure: &failure, PID: pid}, nil
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return Result{PID: pid}, err
		}
		return Result{PID: pid}, e.fail(conn, callable, err)
	}

	v, err := protocol.DecodeValue(e.registry, reply.Value)
	if err != nil {
		return Result{PID: pid}, e.fail(conn, callable, err)
	}
	return Result{Value: v, PID: pid}, nil
}

// Warmup starts a worker if needed and completes one round trip.
func (e *Executor) Warmup(ctx context.Context) error {
	conn, err := e.connect(ctx)
	if err != nil {
		return err
	}
	id, err := conn.Send(&protocol.Warmup{})
	if err != nil {
		return e.fail(conn, protocol.Callable{Target: "warmup"}, err)
	}
	if _, err := connector.Await[protocol.Command](ctx, conn, id); err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return err
		}
		var we *connector.WorkerError
		if errors.As(err, &we) && we.Failure.InstrumentationFailed() {
			return e.startupFailed(conn, err)
		}
		return e.fail(conn, protocol.Callable{Target: "warmup"}, err)
	}
	return nil
}

// connect returns the live connection, spawning and handshaking a new
// worker when there is none. The spawn runs outside mu.
func (e *Executor) connect(ctx context.Context) (*connector.Connector, error) {
	if conn, err := e.current(); conn != nil || err != nil {
		return conn, err
	}

	e.spawnMu.Lock()
	defer e.spawnMu.Unlock()

	// Another caller may have spawned while we waited
	if conn, err := e.current(); conn != nil || err != nil {
		return conn, err
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	drv, err := e.launcher.Launch(driver.LaunchSpec{
		UserClasspath:       e.userCP,
		DependencyClasspath: e.depCP,
		SessionID:           uuid.NewString(),
	})
	if err != nil {
		return nil, &StartupError{Err: err}
	}
	if err := drv.Start(ctx); err != nil {
		e.logger.Error("worker failed to start", "error", err)
		return nil, &StartupError{Err: err}
	}

	conn := connector.Open(connector.Config{
		Driver:           drv,
		Codec:            e.codec,
		Sequence:         &e.seq,
		LivenessInterval: e.liveness,
		OutputLines:      e.outputLines,
		Logger:           e.logger,
	})

	// Neither handshake command has a reply
	handshake := []protocol.Command{
		&protocol.AddPaths{UserClasspath: e.userCP, DependencyClasspath: e.depCP},
		&protocol.SetInstrumentation{Instrumentation: e.inst},
	}
	for _, cmd := range handshake {
		if _, err := conn.Send(cmd); err != nil {
			conn.Terminate(context.Background(), e.stopGrace)
			return nil, &StartupError{Err: err}
		}
	}

	e.mu.Lock()
	if e.closed.Load() {
		e.mu.Unlock()
		conn.Terminate(context.Background(), e.stopGrace)
		return nil, ErrClosed
	}
	e.conn = conn
	e.generation++
	generation := e.generation
	e.mu.Unlock()

	pid := conn.PID()
	e.logger.Info("worker started", "pid", pid, "generation", generation)
	e.observer.WorkerStarted(e.Name(), pid)
	return conn, nil
}

// current returns the installed connection if it is alive. A dead one is
// detached and disposed, and (nil, nil) tells the caller to spawn.
func (e *Executor) current() (*connector.Connector, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.Lock()
	conn := e.conn
	if conn == nil {
		e.mu.Unlock()
		return nil, nil
	}
	if conn.Alive() {
		e.mu.Unlock()
		return conn, nil
	}
	e.conn = nil
	e.mu.Unlock()

	e.dispose(conn, "worker found dead")
	return nil, nil
}

// detach clears conn if it is still installed. Only the caller that
// detaches a connection disposes it.
func (e *Executor) detach(conn *connector.Connector) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != conn {
		return false
	}
	e.conn = nil
	return true
}

// startupFailed tears down a worker that could not install its
// instrumentation.
func (e *Executor) startupFailed(conn *connector.Connector, err error) error {
	e.logger.Error("worker rejected instrumentation", "instrumentation", e.inst.String(), "error", err)
	if e.detach(conn) {
		e.dispose(conn, "instrumentation failed")
	}
	return &StartupError{Err: err}
}

// fail tears down conn after a transport or protocol failure.
func (e *Executor) fail(conn *connector.Connector, callable protocol.Callable, err error) error {
	if errors.Is(err, connector.ErrDisposed) && e.closed.Load() {
		return ErrClosed
	}

	e.logger.Warn("worker connection lost", "callable", callable.String(), "error", err)
	if e.detach(conn) {
		e.dispose(conn, err.Error())
	}
	return &ExecutionError{Callable: callable, PID: conn.PID(), Err: err}
}

func (e *Executor) dispose(conn *connector.Connector, reason string) {
	pid := conn.PID()
	if err := conn.Terminate(context.Background(), e.stopGrace); err != nil {
		e.logger.Debug("terminate worker", "pid", pid, "error", err)
	}
	e.observer.WorkerStopped(e.Name(), pid, reason)
}

// Close stops the worker and makes the executor unusable. It is safe to
// call more than once.
func (e *Executor) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn != nil {
		e.dispose(conn, "executor closed")
	}
	e.logger.Debug("executor closed")
	return nil
}

// Alive reports whether the executor accepts calls. A dead worker does not
// make the executor dead; it respawns on the next call.
func (e *Executor) Alive() bool {
	return !e.closed.Load()
}

// PID returns the current worker's pid, or 0 when none is running.
func (e *Executor) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil || !e.conn.Alive() {
		return 0
	}
	return e.conn.PID()
}

// Generation counts workers spawned so far.
func (e *Executor) Generation() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.generation
}

func outcome(res Result, err error) Outcome {
	var (
		se *StartupError
		pe *connector.ProtocolError
	)
	switch {
	case err == nil && res.Failure != nil:
		return OutcomeUserError
	case err == nil:
		return OutcomeOK
	case errors.As(err, &se):
		return OutcomeStartup
	case errors.As(err, &pe):
		return OutcomeProtocol
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeCanceled
	default:
		return OutcomeTransport
	}
}
