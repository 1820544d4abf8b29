// Package pool keeps a bounded set of executors keyed by instrumentation
// and user classpath, evicting the least recently used.
package pool

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/benaskins/sandcastle/internal/executor"
	"github.com/benaskins/sandcastle/internal/protocol"
)

const DefaultMaxSize = 4

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("pool closed")

// Factory creates an executor for a key.
type Factory func(inst protocol.Instrumentation, userCP, depCP string) *executor.Executor

// Observer receives pool events.
type Observer interface {
	PoolSize(n int)
	ExecutorEvicted(name string)
}

type nopObserver struct{}

func (nopObserver) PoolSize(int)           {}
func (nopObserver) ExecutorEvicted(string) {}

// Config holds pool settings.
type Config struct {
	MaxSize int
	// DependencyClasspath is used when Get is called without one.
	DependencyClasspath string
}

type entry struct {
	inst      protocol.Instrumentation
	userCP    string
	exec      *executor.Executor
	createdAt time.Time
	lastUsed  time.Time
}

func (e *entry) matches(inst protocol.Instrumentation, userCP string) bool {
	return e.userCP == userCP && e.inst.Equal(inst)
}

// Pool owns the executors it hands out. Only eviction, Invalidate and Close
// close them.
type Pool struct {
	cfg      Config
	factory  Factory
	observer Observer
	logger   *slog.Logger

	mu      sync.Mutex
	entries []*entry // most recently used first
	closed  bool
}

// Option configures a Pool.
type Option func(*Pool)

func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates an empty pool.
func New(cfg Config, factory Factory, opts ...Option) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	p := &Pool{
		cfg:      cfg,
		factory:  factory,
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pool")
	return p
}

// Get returns the executor for (inst, userCP), creating it if needed. An
// empty depCP falls back to the configured dependency classpath.
func (p *Pool) Get(inst protocol.Instrumentation, userCP, depCP string) (*executor.Executor, error) {
	if depCP == "" {
		depCP = p.cfg.DependencyClasspath
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	p.pruneLocked()

	now := time.Now()
	for i, e := range p.entries {
		if e.matches(inst, userCP) {
			e.lastUsed = now
			copy(p.entries[1:i+1], p.entries[:i])
			p.entries[0] = e
			p.mu.Unlock()
			return e.exec, nil
		}
	}

	exec := p.factory(inst, userCP, depCP)
	p.entries = append([]*entry{{
		inst:      inst,
		userCP:    userCP,
		exec:      exec,
		createdAt: now,
		lastUsed:  now,
	}}, p.entries...)

	var evicted []*entry
	if len(p.entries) > p.cfg.MaxSize {
		evicted = append(evicted, p.entries[p.cfg.MaxSize:]...)
		clear(p.entries[p.cfg.MaxSize:])
		p.entries = p.entries[:p.cfg.MaxSize]
	}
	size := len(p.entries)
	p.mu.Unlock()

	p.logger.Debug("executor created", "executor", exec.Name(), "size", size)
	p.observer.PoolSize(size)
	p.closeEntries(evicted, "evicted")
	return exec, nil
}

// pruneLocked drops entries whose executor was closed elsewhere.
func (p *Pool) pruneLocked() {
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.exec.Alive() {
			kept = append(kept, e)
		}
	}
	clear(p.entries[len(kept):])
	p.entries = kept
}

func (p *Pool) closeEntries(entries []*entry, reason string) {
	for _, e := range entries {
		p.logger.Info("closing executor", "executor", e.exec.Name(), "reason", reason)
		p.observer.ExecutorEvicted(e.exec.Name())
		if err := e.exec.Close(); err != nil {
			p.logger.Warn("closing executor", "executor", e.exec.Name(), "error", err)
		}
	}
}

// Invalidate closes every executor whose user classpath is userCP and
// returns how many were removed.
func (p *Pool) Invalidate(userCP string) int {
	p.mu.Lock()
	var removed []*entry
	kept := p.entries[:0]
	for _, e := range p.entries {
		if e.userCP == userCP {
			removed = append(removed, e)
		} else {
			kept = append(kept, e)
		}
	}
	clear(p.entries[len(kept):])
	p.entries = kept
	size := len(p.entries)
	p.mu.Unlock()

	if len(removed) > 0 {
		p.observer.PoolSize(size)
		p.closeEntries(removed, "invalidated")
	}
	return len(removed)
}

// Len returns the number of pooled executors.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Entry is a snapshot of one pooled executor.
type Entry struct {
	Instrumentation protocol.Instrumentation `json:"instrumentation"`
	UserClasspath   string                   `json:"user_classpath"`
	Executor        string                   `json:"executor"`
	PID             int                      `json:"pid,omitempty"`
	Generation      int                      `json:"generation"`
	CreatedAt       time.Time                `json:"created_at"`
	LastUsed        time.Time                `json:"last_used"`
}

// Entries returns snapshots, most recently used first.
func (p *Pool) Entries() []Entry {
	p.mu.Lock()
	entries := append([]*entry(nil), p.entries...)
	p.mu.Unlock()

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, Entry{
			Instrumentation: e.inst,
			UserClasspath:   e.userCP,
			Executor:        e.exec.Name(),
			PID:             e.exec.PID(),
			Generation:      e.exec.Generation(),
			CreatedAt:       e.createdAt,
			LastUsed:        e.lastUsed,
		})
	}
	return out
}

// Executors returns the pooled executors, most recently used first,
// without touching their recency.
func (p *Pool) Executors() []*executor.Executor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*executor.Executor, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.exec)
	}
	return out
}

// Classpaths returns the distinct user classpaths currently pooled.
func (p *Pool) Classpaths() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	var out []string
	for _, e := range p.entries {
		if e.userCP != "" && !seen[e.userCP] {
			seen[e.userCP] = true
			out = append(out, e.userCP)
		}
	}
	return out
}

// Close closes every executor concurrently and rejects further Gets.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	entries := p.entries
	p.entries = nil
	p.mu.Unlock()

	var g errgroup.Group
	for _, e := range entries {
		g.Go(e.exec.Close)
	}
	err := g.Wait()
	p.observer.PoolSize(0)
	p.logger.Info("pool closed", "executors", len(entries))
	return err
}
