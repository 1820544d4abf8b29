package executor

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/benaskins/sandcastle/internal/connector"
	"github.com/benaskins/sandcastle/internal/driver"
	"github.com/benaskins/sandcastle/internal/protocol"
	"github.com/benaskins/sandcastle/internal/worker"
)

// The test binary doubles as the worker: when this variable is set,
// TestMain serves the protocol on stdio instead of running tests.
const workerEnv = "SANDCASTLE_EXECUTOR_TEST_WORKER"

func TestMain(m *testing.M) {
	if os.Getenv(workerEnv) == "1" {
		err := worker.Serve(context.Background(), os.Stdin, os.Stdout, worker.Options{
			Catalog: worker.Catalog{"test": testFuncs().Factory()},
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(2)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func testFuncs() worker.FuncTable {
	funcs := maps.Clone(worker.Builtins)
	funcs["echo"] = func(_ context.Context, args []any) (any, error) {
		return args[0], nil
	}
	funcs["panic"] = func(context.Context, []any) (any, error) {
		panic("boom")
	}
	funcs["crash"] = func(context.Context, []any) (any, error) {
		fmt.Fprintln(os.Stderr, "diagnostic line before crash")
		os.Exit(7)
		return nil, nil
	}
	funcs["corrupt"] = func(context.Context, []any) (any, error) {
		protocol.WriteFrame(os.Stdout, 1<<40, []byte("definitely not gob"))
		return nil, nil
	}
	funcs["unencodable"] = func(context.Context, []any) (any, error) {
		return struct{ X int }{1}, nil
	}
	return funcs
}

func testLauncher(t *testing.T) *driver.NativeLauncher {
	t.Helper()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	return &driver.NativeLauncher{Worker: driver.WorkerConfig{
		Command: exe,
		Env:     append(os.Environ(), workerEnv+"=1"),
		LogDir:  t.TempDir(),
	}}
}

func newTestExecutor(t *testing.T, opts ...Option) *Executor {
	t.Helper()
	opts = append([]Option{
		WithStopGrace(500 * time.Millisecond),
		WithLivenessInterval(20 * time.Millisecond),
		WithSpawnLimit(0, 0),
	}, opts...)
	e := New(protocol.Instrumentation{Name: "test"}, "", "", testLauncher(t), opts...)
	t.Cleanup(func() { e.Close() })
	return e
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func call(t *testing.T, e *Executor, target string, args ...any) Result {
	t.Helper()
	res, err := e.Execute(testContext(t), protocol.Callable{Target: target}, args, protocol.ExecutionContext{})
	if err != nil {
		t.Fatalf("%s: %v", target, err)
	}
	return res
}

func pidOf(t *testing.T, e *Executor) int {
	t.Helper()
	res := call(t, e, "os.Getpid")
	pid, ok := res.Value.(int)
	if !ok {
		t.Fatalf("os.Getpid returned %T", res.Value)
	}
	return pid
}

func TestExecuteReturnsValue(t *testing.T) {
	e := newTestExecutor(t)

	res := call(t, e, "math.Add", int64(40), int64(2))
	if res.Value != int64(42) {
		t.Errorf("value = %v (%T), want 42", res.Value, res.Value)
	}
	if res.Failed() || res.Err() != nil {
		t.Errorf("unexpected failure: %+v", res.Failure)
	}
	if res.PID == 0 || res.PID == os.Getpid() {
		t.Errorf("call ran in pid %d, expected a child", res.PID)
	}
}

func TestSequentialCallsGetTheirOwnReplies(t *testing.T) {
	e := newTestExecutor(t)

	for i := range 25 {
		res := call(t, e, "echo", fmt.Sprintf("msg-%d", i))
		if res.Value != fmt.Sprintf("msg-%d", i) {
			t.Fatalf("call %d got %v", i, res.Value)
		}
	}
	if e.Generation() != 1 {
		t.Errorf("generation = %d, want 1", e.Generation())
	}
}

func TestUserFailureKeepsWorker(t *testing.T) {
	e := newTestExecutor(t)
	before := pidOf(t, e)

	res, err := e.Execute(testContext(t), protocol.Callable{Target: "panic"}, nil, protocol.ExecutionContext{})
	if err != nil {
		t.Fatalf("user failure must not be an error: %v", err)
	}
	if res.Failure == nil || res.Failure.Message != "boom" {
		t.Fatalf("failure = %+v", res.Failure)
	}
	var cf *ChildFailedError
	if !errors.As(res.Err(), &cf) {
		t.Errorf("Err() = %v, want ChildFailedError", res.Err())
	}
	if IsEngineFailure(res.Err()) {
		t.Error("user failure classified as engine failure")
	}

	if after := pidOf(t, e); after != before {
		t.Errorf("pid changed after user failure: %d -> %d", before, after)
	}
}

func TestUnencodableResultIsUserFailure(t *testing.T) {
	e := newTestExecutor(t)
	before := pidOf(t, e)

	res := call(t, e, "unencodable")
	if res.Failure == nil || res.Failure.Type != "ResultEncodingError" {
		t.Fatalf("failure = %+v", res.Failure)
	}
	if after := pidOf(t, e); after != before {
		t.Errorf("pid changed: %d -> %d", before, after)
	}
}

func TestWorkerCrashRespawnsOnNextCall(t *testing.T) {
	e := newTestExecutor(t)
	before := pidOf(t, e)

	_, err := e.Execute(testContext(t), protocol.Callable{Target: "crash"}, nil, protocol.ExecutionContext{})
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("expected ExecutionError, got %v", err)
	}
	var te *connector.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError inside, got %v", err)
	}
	if !IsEngineFailure(err) {
		t.Error("crash not classified as engine failure")
	}
	if te.LogPath == "" {
		t.Error("expected worker log path in diagnostics")
	}
	if !strings.Contains(strings.Join(te.Output, "\n"), "diagnostic line before crash") {
		t.Errorf("output = %q", te.Output)
	}

	after := pidOf(t, e)
	if after == before {
		t.Error("expected a new worker after crash")
	}
	if e.Generation() != 2 {
		t.Errorf("generation = %d, want 2", e.Generation())
	}
}

func TestKilledWorkerIsReplacedTransparently(t *testing.T) {
	e := newTestExecutor(t)
	before := pidOf(t, e)

	if err := syscall.Kill(before, syscall.SIGKILL); err != nil {
		t.Fatalf("kill: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for e.PID() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	res := call(t, e, "math.Add", 1, 2)
	if res.Value != int64(3) {
		t.Errorf("value = %v", res.Value)
	}
	if res.PID == before {
		t.Error("expected the call to run in a new worker")
	}
}

func TestDecodeFailureReplacesWorker(t *testing.T) {
	e := newTestExecutor(t)
	before := pidOf(t, e)

	_, err := e.Execute(testContext(t), protocol.Callable{Target: "corrupt"}, nil, protocol.ExecutionContext{})
	var te *connector.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}

	if after := pidOf(t, e); after == before {
		t.Error("expected a new worker after decode failure")
	}
}

func TestCancelledCallKeepsWorker(t *testing.T) {
	e := newTestExecutor(t)
	before := pidOf(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Execute(ctx, protocol.Callable{Target: "time.Sleep"}, []any{300}, protocol.ExecutionContext{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The late reply to the abandoned call is discarded
	res := call(t, e, "echo", "after")
	if res.Value != "after" {
		t.Errorf("value = %v, want after", res.Value)
	}
	if res.PID != before {
		t.Errorf("pid changed after cancellation: %d -> %d", before, res.PID)
	}
}

func TestWorkerSideTimeout(t *testing.T) {
	e := newTestExecutor(t)

	res, err := e.Execute(testContext(t), protocol.Callable{Target: "time.Sleep"}, []any{5000},
		protocol.ExecutionContext{Timeout: 20 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	if res.Failure == nil || res.Failure.Type != "Timeout" {
		t.Errorf("failure = %+v", res.Failure)
	}
}

func TestWarmup(t *testing.T) {
	e := newTestExecutor(t)

	if e.PID() != 0 {
		t.Error("expected no worker before first use")
	}
	if err := e.Warmup(testContext(t)); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if e.PID() == 0 {
		t.Error("expected a worker after warmup")
	}
	if e.Generation() != 1 {
		t.Errorf("generation = %d", e.Generation())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newTestExecutor(t)
	pid := pidOf(t, e)

	for range 2 {
		if err := e.Close(); err != nil {
			t.Fatalf("close: %v", err)
		}
	}
	if e.Alive() {
		t.Error("closed executor reported alive")
	}
	if _, err := e.Execute(testContext(t), protocol.Callable{Target: "echo"}, []any{"x"}, protocol.ExecutionContext{}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := syscall.Kill(pid, 0); err == nil {
		t.Errorf("worker %d still running after close", pid)
	}
}

func TestCloseDuringCall(t *testing.T) {
	e := newTestExecutor(t)
	pidOf(t, e)

	errc := make(chan error, 1)
	go func() {
		_, err := e.Execute(testContext(t), protocol.Callable{Target: "time.Sleep"}, []any{10_000}, protocol.ExecutionContext{})
		errc <- err
	}()
	time.Sleep(50 * time.Millisecond)
	e.Close()

	select {
	case err := <-errc:
		if err == nil {
			t.Error("expected the in-flight call to fail")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("in-flight call not released by close")
	}
}

func TestStartupFailure(t *testing.T) {
	e := New(protocol.Instrumentation{Name: "test"}, "", "",
		&driver.NativeLauncher{Worker: driver.WorkerConfig{Command: "/nonexistent/worker"}},
		WithSpawnLimit(0, 0))
	defer e.Close()

	_, err := e.Execute(testContext(t), protocol.Callable{Target: "echo"}, []any{"x"}, protocol.ExecutionContext{})
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got %v", err)
	}
	if !IsEngineFailure(err) {
		t.Error("startup failure not classified as engine failure")
	}
	if !e.Alive() {
		t.Error("startup failure must not close the executor")
	}
}

func TestUnregisteredArgumentFailsBeforeSpawn(t *testing.T) {
	e := newTestExecutor(t)

	_, err := e.Execute(testContext(t), protocol.Callable{Target: "echo"}, []any{struct{ A int }{}}, protocol.ExecutionContext{})
	if err == nil {
		t.Fatal("expected encoding error")
	}
	if IsEngineFailure(err) {
		t.Error("encoding error classified as engine failure")
	}
	if e.Generation() != 0 {
		t.Error("no worker should be spawned for an unencodable call")
	}
}

type recordingObserver struct {
	mu      sync.Mutex
	started []int
	stopped []int
	records []Record
}

func (o *recordingObserver) WorkerStarted(_ string, pid int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, pid)
}

func (o *recordingObserver) WorkerStopped(_ string, pid int, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.stopped = append(o.stopped, pid)
}

func (o *recordingObserver) ExecutionFinished(rec Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.records = append(o.records, rec)
}

func TestObserverSeesLifecycle(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestExecutor(t, WithObserver(obs))

	call(t, e, "echo", "a")
	call(t, e, "panic")
	e.Execute(testContext(t), protocol.Callable{Target: "crash"}, nil, protocol.ExecutionContext{})
	call(t, e, "echo", "b")
	e.Close()

	obs.mu.Lock()
	defer obs.mu.Unlock()

	if len(obs.started) != 2 || len(obs.stopped) != 2 {
		t.Errorf("started %v stopped %v, want two of each", obs.started, obs.stopped)
	}
	want := []Outcome{OutcomeOK, OutcomeUserError, OutcomeTransport, OutcomeOK}
	if len(obs.records) != len(want) {
		t.Fatalf("records = %d, want %d", len(obs.records), len(want))
	}
	for i, rec := range obs.records {
		if rec.Outcome != want[i] {
			t.Errorf("record %d outcome = %s, want %s", i, rec.Outcome, want[i])
		}
		if rec.Executor != "test" {
			t.Errorf("record %d executor = %q", i, rec.Executor)
		}
	}
}

func TestResultErrNamesCallable(t *testing.T) {
	e := newTestExecutor(t)

	res := call(t, e, "panic")
	var cf *ChildFailedError
	if !errors.As(res.Err(), &cf) {
		t.Fatalf("expected ChildFailedError, got %v", res.Err())
	}
	if cf.Callable.Target != "panic" {
		t.Errorf("callable = %q, want panic", cf.Callable.Target)
	}
	if !strings.HasPrefix(cf.Error(), "panic failed in worker: panic: boom") {
		t.Errorf("error = %q", cf.Error())
	}
}

func TestUnknownInstrumentationIsStartupFailure(t *testing.T) {
	e := New(protocol.Instrumentation{Name: "nope"}, "", "", testLauncher(t),
		WithStopGrace(500*time.Millisecond),
		WithLivenessInterval(20*time.Millisecond),
		WithSpawnLimit(0, 0))
	defer e.Close()

	res, err := e.Execute(testContext(t), protocol.Callable{Target: "echo"}, []any{"x"}, protocol.ExecutionContext{})
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("expected StartupError, got err=%v failure=%v", err, res.Failure)
	}
	if res.Failure != nil {
		t.Errorf("instrumentation failure reported as user failure: %v", res.Failure)
	}
	if !IsEngineFailure(err) {
		t.Error("instrumentation failure not classified as engine failure")
	}
	if e.PID() != 0 {
		t.Error("worker with no instrumentation should be torn down")
	}

	if err := e.Warmup(testContext(t)); !errors.As(err, &se) {
		t.Errorf("warmup: expected StartupError, got %v", err)
	}
	if e.Generation() != 2 {
		t.Errorf("generation = %d, want a fresh worker per attempt", e.Generation())
	}
}

// blockingLauncher parks Launch until released.
type blockingLauncher struct {
	entered chan struct{}
	release chan struct{}
}

func (l *blockingLauncher) Launch(driver.LaunchSpec) (driver.Driver, error) {
	close(l.entered)
	<-l.release
	return nil, errors.New("launch released")
}

func TestSlowSpawnDoesNotBlockStateOrClose(t *testing.T) {
	l := &blockingLauncher{entered: make(chan struct{}), release: make(chan struct{})}
	release := sync.OnceFunc(func() { close(l.release) })
	t.Cleanup(release)

	e := New(protocol.Instrumentation{Name: "slow"}, "", "", l, WithSpawnLimit(0, 0))
	errc := make(chan error, 1)
	go func() { errc <- e.Warmup(testContext(t)) }()

	select {
	case <-l.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("launcher never called")
	}

	done := make(chan struct{})
	go func() {
		e.Alive()
		e.PID()
		e.Generation()
		e.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("state queries or Close waited on a spawn in progress")
	}
	if e.Alive() {
		t.Error("executor alive after close")
	}

	release()
	if err := <-errc; err == nil {
		t.Error("expected the spawning warmup to fail")
	}
}

func TestTransportFailureAfterCloseStopsWorkerOnce(t *testing.T) {
	obs := &recordingObserver{}
	e := newTestExecutor(t, WithObserver(obs))
	call(t, e, "echo", "a")

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	e.Close()

	// A reader failure that lost the race with Close
	err := e.fail(conn, protocol.Callable{Target: "echo"}, &connector.TransportError{Reason: "worker exited"})
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Errorf("expected ExecutionError, got %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if len(obs.started) != 1 || len(obs.stopped) != 1 {
		t.Errorf("started %v stopped %v, want one of each", obs.started, obs.stopped)
	}
}

func TestNameDistinguishesOptions(t *testing.T) {
	l := testLauncher(t)
	plain := New(protocol.Instrumentation{Name: "command"}, "/cp", "", l)
	withDir := New(protocol.Instrumentation{Name: "command", Options: map[string]string{"dir": "/tmp"}}, "/cp", "", l)

	if plain.Name() == withDir.Name() {
		t.Errorf("executors with different options share name %q", plain.Name())
	}
	if withDir.Name() != "command[dir=/tmp]@/cp" {
		t.Errorf("name = %q", withDir.Name())
	}
}
