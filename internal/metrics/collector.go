// Package metrics exports executor and pool activity as Prometheus metrics
// and keeps per-executor latency quantiles for the status surfaces.
package metrics

import (
	"sort"
	"sync"
	"time"

	"github.com/influxdata/tdigest"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/benaskins/sandcastle/internal/executor"
)

// Collector implements executor.Observer and pool.Observer.
type Collector struct {
	executions  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	starts      *prometheus.CounterVec
	stops       *prometheus.CounterVec
	liveWorkers prometheus.Gauge
	poolSize    prometheus.Gauge
	evictions   prometheus.Counter

	mu      sync.Mutex
	digests map[string]*tdigest.TDigest // TDigest is not thread-safe
	counts  map[string]int
}

// NewCollector creates a collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandcastle_executions_total",
				Help: "Finished Execute calls by outcome",
			},
			[]string{"executor", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sandcastle_execution_duration_seconds",
				Help:    "Execute call latency including any worker spawn",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
			},
			[]string{"executor"},
		),
		starts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandcastle_worker_starts_total",
				Help: "Worker processes started",
			},
			[]string{"executor"},
		),
		stops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandcastle_worker_stops_total",
				Help: "Worker processes stopped or lost",
			},
			[]string{"executor"},
		),
		liveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandcastle_workers_live",
			Help: "Worker processes currently connected",
		}),
		poolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sandcastle_pool_executors",
			Help: "Executors held by the pool",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sandcastle_pool_evictions_total",
			Help: "Executors evicted as least recently used",
		}),
		digests: make(map[string]*tdigest.TDigest),
		counts:  make(map[string]int),
	}

	reg.MustRegister(
		c.executions,
		c.duration,
		c.starts,
		c.stops,
		c.liveWorkers,
		c.poolSize,
		c.evictions,
	)
	return c
}

func (c *Collector) WorkerStarted(name string, _ int) {
	c.starts.WithLabelValues(name).Inc()
	c.liveWorkers.Inc()
}

func (c *Collector) WorkerStopped(name string, _ int, _ string) {
	c.stops.WithLabelValues(name).Inc()
	c.liveWorkers.Dec()
}

func (c *Collector) ExecutionFinished(rec executor.Record) {
	c.executions.WithLabelValues(rec.Executor, string(rec.Outcome)).Inc()
	c.duration.WithLabelValues(rec.Executor).Observe(rec.Duration.Seconds())

	c.mu.Lock()
	d, ok := c.digests[rec.Executor]
	if !ok {
		d = tdigest.NewWithCompression(100)
		c.digests[rec.Executor] = d
	}
	d.Add(float64(rec.Duration), 1)
	c.counts[rec.Executor]++
	c.mu.Unlock()
}

func (c *Collector) PoolSize(n int) {
	c.poolSize.Set(float64(n))
}

func (c *Collector) ExecutorEvicted(string) {
	c.evictions.Inc()
}

// Latency summarizes the observed call durations of one executor.
type Latency struct {
	Executor string        `json:"executor"`
	Count    int           `json:"count"`
	P50      time.Duration `json:"p50_ns"`
	P95      time.Duration `json:"p95_ns"`
	P99      time.Duration `json:"p99_ns"`
}

// Latencies returns quantile summaries sorted by executor name.
func (c *Collector) Latencies() []Latency {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Latency, 0, len(c.digests))
	for name, d := range c.digests {
		out = append(out, Latency{
			Executor: name,
			Count:    c.counts[name],
			P50:      time.Duration(d.Quantile(0.50)),
			P95:      time.Duration(d.Quantile(0.95)),
			P99:      time.Duration(d.Quantile(0.99)),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Executor < out[j].Executor })
	return out
}
