package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/benaskins/sandcastle/internal/connector"
	"github.com/benaskins/sandcastle/internal/executor"
	"github.com/benaskins/sandcastle/internal/health"
	"github.com/benaskins/sandcastle/internal/metrics"
	"github.com/benaskins/sandcastle/internal/pool"
	"github.com/benaskins/sandcastle/internal/protocol"
)

// Server serves the sandcastle REST API over a Unix socket and, optionally,
// TCP.
type Server struct {
	pool      *pool.Pool
	collector *metrics.Collector
	gatherer  prometheus.Gatherer
	server    *http.Server
	logger    *slog.Logger
	monitor   *health.Monitor

	// One call at a time per executor. Entries for executors that left
	// the pool are pruned.
	locks sync.Map // *executor.Executor -> *sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics exposes the collector's latency summaries on /v1/executors
// and the gatherer on /metrics.
func WithMetrics(c *metrics.Collector, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.collector = c
		s.gatherer = g
	}
}

// WithProbes warms every pooled executor on cfg.Interval and reports the
// outcome on /v1/health. Executors busy with a call are skipped.
func WithProbes(cfg health.Config) Option {
	return func(s *Server) {
		s.monitor = health.NewMonitor(cfg, s.probe, s.logger.With("component", "probe"), nil)
	}
}

// NewServer creates an API server backed by the given pool.
func NewServer(p *pool.Pool, opts ...Option) *Server {
	s := &Server{
		pool:   p,
		logger: slog.With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/executors", s.listExecutors)
	mux.HandleFunc("DELETE /v1/executors", s.invalidate)
	mux.HandleFunc("POST /v1/execute", s.execute)
	mux.HandleFunc("POST /v1/warmup", s.warmup)
	mux.HandleFunc("GET /v1/health", s.health)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	s.server = &http.Server{Handler: mux}
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenUnix starts the server on a Unix socket.
func (s *Server) ListenUnix(path string) error {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.logger.Info("api listening", "socket", path)
	return s.server.Serve(ln)
}

// ListenTCP starts the server on a TCP address.
func (s *Server) ListenTCP(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("api listening", "addr", addr)
	return s.server.Serve(ln)
}

// StartProbes begins periodic probing when WithProbes was given.
func (s *Server) StartProbes(ctx context.Context) {
	if s.monitor != nil {
		s.monitor.Start(ctx)
	}
}

// Shutdown stops probing and gracefully shuts down the API server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) probe(ctx context.Context) error {
	var errs []error
	for _, exec := range s.pool.Executors() {
		v, _ := s.locks.LoadOrStore(exec, &sync.Mutex{})
		mu := v.(*sync.Mutex)
		if !mu.TryLock() {
			continue
		}
		err := exec.Warmup(ctx)
		mu.Unlock()
		if err != nil && !errors.Is(err, executor.ErrClosed) {
			errs = append(errs, fmt.Errorf("%s: %w", exec.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// ExecutorKey selects a pooled executor.
type ExecutorKey struct {
	Instrumentation     protocol.Instrumentation `json:"instrumentation"`
	Classpath           string                   `json:"classpath,omitempty"`
	DependencyClasspath string                   `json:"dependency_classpath,omitempty"`
}

// ExecuteRequest is the body of POST /v1/execute.
type ExecuteRequest struct {
	ExecutorKey
	Target    string            `json:"target"`
	Signature string            `json:"signature,omitempty"`
	Args      []any             `json:"args,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
	Values    map[string]string `json:"values,omitempty"`
}

// ExecuteResponse is returned for calls that reached the worker.
type ExecuteResponse struct {
	Value    any                       `json:"value,omitempty"`
	Failure  *protocol.WorkerException `json:"failure,omitempty"`
	PID      int                       `json:"pid"`
	Duration time.Duration             `json:"duration_ns"`
}

// ExecutorsResponse is the body of GET /v1/executors.
type ExecutorsResponse struct {
	Executors []pool.Entry      `json:"executors"`
	Latencies []metrics.Latency `json:"latencies,omitempty"`
}

// ErrorResponse carries a failure that did not reach user code.
type ErrorResponse struct {
	Error  string   `json:"error"`
	Kind   string   `json:"kind,omitempty"`
	Output []string `json:"output,omitempty"`
}

func (s *Server) listExecutors(w http.ResponseWriter, r *http.Request) {
	resp := ExecutorsResponse{Executors: s.pool.Entries()}
	if s.collector != nil {
		resp.Latencies = s.collector.Latencies()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) invalidate(w http.ResponseWriter, r *http.Request) {
	cp := r.URL.Query().Get("classpath")
	if cp == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "classpath query parameter required"})
		return
	}
	n := s.pool.Invalidate(cp)
	s.pruneLocks()
	writeJSON(w, http.StatusOK, map[string]int{"closed": n})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "decoding request: " + err.Error()})
		return
	}
	if req.Target == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "target required"})
		return
	}

	exec, ok := s.executor(w, req.ExecutorKey)
	if !ok {
		return
	}

	unlock := s.lock(exec)
	defer unlock()

	callable := protocol.Callable{Target: req.Target, Signature: req.Signature}
	ec := protocol.ExecutionContext{
		Timeout: time.Duration(req.TimeoutMS) * time.Millisecond,
		Values:  req.Values,
	}
	res, err := exec.Execute(r.Context(), callable, req.Args, ec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ExecuteResponse{
		Value:    res.Value,
		Failure:  res.Failure,
		PID:      res.PID,
		Duration: res.Duration,
	})
}

func (s *Server) warmup(w http.ResponseWriter, r *http.Request) {
	var key ExecutorKey
	if err := json.NewDecoder(r.Body).Decode(&key); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "decoding request: " + err.Error()})
		return
	}
	exec, ok := s.executor(w, key)
	if !ok {
		return
	}

	unlock := s.lock(exec)
	defer unlock()

	if err := exec.Warmup(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "pid": exec.PID()})
}

// HealthResponse is the body of GET /v1/health.
type HealthResponse struct {
	Status    string         `json:"status"`
	Executors int            `json:"executors"`
	Probe     health.Status  `json:"probe,omitempty"`
	LastProbe *health.Result `json:"last_probe,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Executors: s.pool.Len()}
	if s.monitor != nil {
		resp.Probe = s.monitor.CurrentStatus()
		resp.LastProbe = s.monitor.LastResult()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) executor(w http.ResponseWriter, key ExecutorKey) (*executor.Executor, bool) {
	if key.Instrumentation.Name == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "instrumentation.name required"})
		return nil, false
	}
	exec, err := s.pool.Get(key.Instrumentation, key.Classpath, key.DependencyClasspath)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
		return nil, false
	}
	// Get may have evicted another executor
	s.pruneLocks()
	return exec, true
}

func (s *Server) lock(exec *executor.Executor) func() {
	v, _ := s.locks.LoadOrStore(exec, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// pruneLocks drops the locks of executors no longer in the pool.
func (s *Server) pruneLocks() {
	pooled := make(map[*executor.Executor]bool)
	for _, exec := range s.pool.Executors() {
		pooled[exec] = true
	}
	s.locks.Range(func(k, _ any) bool {
		if !pooled[k.(*executor.Executor)] {
			s.locks.Delete(k)
		}
		return true
	})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var (
		execErr    *executor.ExecutionError
		startupErr *executor.StartupError
	)
	switch {
	case errors.Is(err, executor.ErrClosed):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Kind: "closed"})
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, ErrorResponse{Error: err.Error(), Kind: "timeout"})
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads this.
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Kind: "canceled"})
	case errors.As(err, &startupErr):
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: "startup"})
	case errors.As(err, &execErr):
		resp := ErrorResponse{Error: err.Error(), Kind: "execution"}
		var te *connector.TransportError
		if errors.As(err, &te) {
			resp.Output = te.Output
		}
		s.logger.Warn("execution failed", "error", err)
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
