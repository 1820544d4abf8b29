package pool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benaskins/sandcastle/internal/driver"
	"github.com/benaskins/sandcastle/internal/executor"
	"github.com/benaskins/sandcastle/internal/protocol"
)

type countingObserver struct {
	evicted atomic.Int32
	maxSize atomic.Int32
}

func (o *countingObserver) PoolSize(n int) {
	for {
		cur := o.maxSize.Load()
		if int32(n) <= cur || o.maxSize.CompareAndSwap(cur, int32(n)) {
			return
		}
	}
}

func (o *countingObserver) ExecutorEvicted(string) { o.evicted.Add(1) }

type factoryRecorder struct {
	mu      sync.Mutex
	created []*executor.Executor
	deps    []string
}

func (f *factoryRecorder) factory(inst protocol.Instrumentation, userCP, depCP string) *executor.Executor {
	// Executors in these tests never run a call, so the launcher is never used
	e := executor.New(inst, userCP, depCP, &driver.NativeLauncher{Worker: driver.WorkerConfig{Command: "/bin/false"}})
	f.mu.Lock()
	f.created = append(f.created, e)
	f.deps = append(f.deps, depCP)
	f.mu.Unlock()
	return e
}

func inst(name string) protocol.Instrumentation {
	return protocol.Instrumentation{Name: name}
}

func mustGet(t *testing.T, p *Pool, i protocol.Instrumentation, userCP string) *executor.Executor {
	t.Helper()
	e, err := p.Get(i, userCP, "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	return e
}

func TestGetReusesByValue(t *testing.T) {
	f := &factoryRecorder{}
	p := New(Config{MaxSize: 4}, f.factory)
	defer p.Close()

	a := mustGet(t, p, protocol.Instrumentation{Name: "builtin", Options: map[string]string{"k": "v"}}, "/cp")
	b := mustGet(t, p, protocol.Instrumentation{Name: "builtin", Options: map[string]string{"k": "v"}}, "/cp")
	if a != b {
		t.Error("equal keys returned different executors")
	}

	c := mustGet(t, p, protocol.Instrumentation{Name: "builtin"}, "/cp")
	d := mustGet(t, p, protocol.Instrumentation{Name: "builtin", Options: map[string]string{"k": "v"}}, "/other")
	if c == a || d == a || c == d {
		t.Error("different keys must yield different executors")
	}
	if p.Len() != 3 {
		t.Errorf("len = %d, want 3", p.Len())
	}
}

func TestDependencyClasspathDefault(t *testing.T) {
	f := &factoryRecorder{}
	p := New(Config{MaxSize: 4, DependencyClasspath: "/deps"}, f.factory)
	defer p.Close()

	mustGet(t, p, inst("a"), "/cp")
	if _, err := p.Get(inst("b"), "/cp", "/explicit"); err != nil {
		t.Fatal(err)
	}

	if f.deps[0] != "/deps" || f.deps[1] != "/explicit" {
		t.Errorf("dependency classpaths = %v", f.deps)
	}
}

func TestEvictionClosesExactlyOne(t *testing.T) {
	const maxCount = 3
	f := &factoryRecorder{}
	obs := &countingObserver{}
	p := New(Config{MaxSize: maxCount}, f.factory, WithObserver(obs))
	defer p.Close()

	for i := range maxCount + 1 {
		mustGet(t, p, inst(fmt.Sprintf("i%d", i)), "/cp")
	}

	if p.Len() != maxCount {
		t.Errorf("len = %d, want %d", p.Len(), maxCount)
	}
	if obs.evicted.Load() != 1 {
		t.Errorf("evicted = %d, want 1", obs.evicted.Load())
	}
	closed := 0
	for _, e := range f.created {
		if !e.Alive() {
			closed++
		}
	}
	if closed != 1 {
		t.Errorf("closed executors = %d, want 1", closed)
	}
	if f.created[0].Alive() {
		t.Error("expected the oldest executor to be evicted")
	}
}

func TestLeastRecentlyUsedScenario(t *testing.T) {
	f := &factoryRecorder{}
	p := New(Config{MaxSize: 2}, f.factory)
	defer p.Close()

	a := mustGet(t, p, inst("A"), "")
	b := mustGet(t, p, inst("B"), "")
	if again := mustGet(t, p, inst("A"), ""); again != a {
		t.Fatal("A should be reused")
	}
	c := mustGet(t, p, inst("C"), "")

	// B was least recently used
	if b.Alive() {
		t.Error("B should have been evicted and closed")
	}
	if !a.Alive() || !c.Alive() {
		t.Error("A and C should still be alive")
	}

	if got := mustGet(t, p, inst("A"), ""); got != a {
		t.Error("A should still be pooled")
	}
	newB := mustGet(t, p, inst("B"), "")
	if newB == b {
		t.Error("evicted key must yield a new executor")
	}
	if c.Alive() {
		t.Error("C should be evicted after A was used and B re-added")
	}
	if p.Len() != 2 {
		t.Errorf("len = %d, want 2", p.Len())
	}
}

func TestClosedExecutorIsNotReturned(t *testing.T) {
	f := &factoryRecorder{}
	p := New(Config{MaxSize: 4}, f.factory)
	defer p.Close()

	a := mustGet(t, p, inst("A"), "/cp")
	a.Close()

	b := mustGet(t, p, inst("A"), "/cp")
	if b == a {
		t.Error("closed executor was handed out again")
	}
	if p.Len() != 1 {
		t.Errorf("len = %d, want 1", p.Len())
	}
}

func TestInvalidate(t *testing.T) {
	f := &factoryRecorder{}
	p := New(Config{MaxSize: 4}, f.factory)
	defer p.Close()

	a := mustGet(t, p, inst("A"), "/one")
	b := mustGet(t, p, inst("B"), "/one")
	c := mustGet(t, p, inst("A"), "/two")

	if n := p.Invalidate("/one"); n != 2 {
		t.Errorf("invalidated %d, want 2", n)
	}
	if a.Alive() || b.Alive() {
		t.Error("invalidated executors should be closed")
	}
	if !c.Alive() {
		t.Error("unrelated executor should survive")
	}
	if got := p.Classpaths(); len(got) != 1 || got[0] != "/two" {
		t.Errorf("classpaths = %v", got)
	}
}

func TestCloseClosesEverything(t *testing.T) {
	f := &factoryRecorder{}
	p := New(Config{MaxSize: 4}, f.factory)

	for _, name := range []string{"A", "B", "C"} {
		mustGet(t, p, inst(name), "")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	for i, e := range f.created {
		if e.Alive() {
			t.Errorf("executor %d alive after pool close", i)
		}
	}
	if _, err := p.Get(inst("A"), "", ""); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestConcurrentGetsRespectBound(t *testing.T) {
	const maxCount = 3
	f := &factoryRecorder{}
	obs := &countingObserver{}
	p := New(Config{MaxSize: maxCount}, f.factory, WithObserver(obs))
	defer p.Close()

	var wg sync.WaitGroup
	for g := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 50 {
				if _, err := p.Get(inst(fmt.Sprintf("k%d", (g+i)%6)), "", ""); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if obs.maxSize.Load() > maxCount {
		t.Errorf("pool grew to %d, bound is %d", obs.maxSize.Load(), maxCount)
	}
	created := int32(len(f.created))
	if created-obs.evicted.Load() != int32(p.Len()) {
		t.Errorf("created %d evicted %d but len %d", created, obs.evicted.Load(), p.Len())
	}
}

func TestEntriesSnapshot(t *testing.T) {
	f := &factoryRecorder{}
	p := New(Config{MaxSize: 4}, f.factory)
	defer p.Close()

	mustGet(t, p, inst("A"), "/cp")
	mustGet(t, p, inst("B"), "/cp")

	entries := p.Entries()
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Instrumentation.Name != "B" {
		t.Errorf("most recent first, got %s", entries[0].Instrumentation.Name)
	}
	if entries[0].Executor != "B@/cp" {
		t.Errorf("executor name = %q", entries[0].Executor)
	}

	execs := p.Executors()
	if len(execs) != 2 || execs[1].Instrumentation().Name != "A" {
		t.Fatalf("executors out of order")
	}
	if p.Entries()[0].Instrumentation.Name != "B" {
		t.Error("Executors changed recency order")
	}
}

func TestWatchInvalidatesChangedClasspath(t *testing.T) {
	dir := t.TempDir()
	f := &factoryRecorder{}
	p := New(Config{MaxSize: 4}, f.factory)
	defer p.Close()

	e := mustGet(t, p, inst("A"), dir)
	other := mustGet(t, p, inst("A"), t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()

	// Give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "Code.class"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for e.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if e.Alive() {
		t.Fatal("executor not invalidated after classpath change")
	}
	if !other.Alive() {
		t.Error("executor on an unchanged classpath was invalidated")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("watch: %v", err)
	}
}

func TestThreeKeysEvictOldest(t *testing.T) {
	f := &factoryRecorder{}
	p := New(Config{MaxSize: 2}, f.factory)
	defer p.Close()

	a := mustGet(t, p, inst("A"), "")
	b := mustGet(t, p, inst("B"), "")
	c := mustGet(t, p, inst("C"), "")

	if a.Alive() {
		t.Error("A should have been evicted and closed")
	}
	if got := mustGet(t, p, inst("B"), ""); got != b {
		t.Error("B should be retrievable without a new instance")
	}
	if got := mustGet(t, p, inst("C"), ""); got != c {
		t.Error("C should be retrievable without a new instance")
	}
	if len(f.created) != 3 {
		t.Errorf("created %d executors, want 3", len(f.created))
	}
	if p.Len() != 2 {
		t.Errorf("len = %d, want 2", p.Len())
	}
}

// parkedLauncher blocks Launch until released.
type parkedLauncher struct {
	entered chan struct{}
	release chan struct{}
}

func (l *parkedLauncher) Launch(driver.LaunchSpec) (driver.Driver, error) {
	close(l.entered)
	<-l.release
	return nil, fmt.Errorf("launch released")
}

func TestSlowSpawnDoesNotBlockOtherKeys(t *testing.T) {
	l := &parkedLauncher{entered: make(chan struct{}), release: make(chan struct{})}
	release := sync.OnceFunc(func() { close(l.release) })
	t.Cleanup(release)

	f := &factoryRecorder{}
	p := New(Config{MaxSize: 4}, func(i protocol.Instrumentation, userCP, depCP string) *executor.Executor {
		if i.Name == "slow" {
			return executor.New(i, userCP, depCP, l, executor.WithSpawnLimit(0, 0))
		}
		return f.factory(i, userCP, depCP)
	})
	defer p.Close()

	slow := mustGet(t, p, inst("slow"), "")
	errc := make(chan error, 1)
	go func() { errc <- slow.Warmup(context.Background()) }()

	select {
	case <-l.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("launcher never called")
	}

	done := make(chan struct{})
	go func() {
		p.Get(inst("other"), "", "")
		p.Entries()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Get on another key waited for a spawn in progress")
	}

	release()
	if err := <-errc; err == nil {
		t.Error("expected the parked warmup to fail")
	}
}
