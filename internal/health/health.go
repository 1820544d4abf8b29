// Package health runs a periodic probe and tracks whether it keeps passing.
// The controller probes every pooled executor with a warmup round trip, so
// dead workers are replaced before the next real call needs them.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Status represents the outcome of recent probes.
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Config holds probe scheduling.
type Config struct {
	Interval           time.Duration // time between probes
	Timeout            time.Duration // max time per probe
	GracePeriod        time.Duration // delay before first probe
	UnhealthyThreshold int           // consecutive failures before unhealthy
}

// Probe performs one check. A nil error is healthy.
type Probe func(ctx context.Context) error

// Result is the outcome of a single probe.
type Result struct {
	Status  Status    `json:"status"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Monitor runs a probe periodically and tracks state.
type Monitor struct {
	cfg    Config
	probe  Probe
	logger *slog.Logger

	mu               sync.Mutex
	status           Status
	last             *Result
	consecutiveFails int
	cancel           context.CancelFunc
	done             chan struct{}

	// onUnhealthy is called when the state transitions to unhealthy.
	onUnhealthy func()
}

// NewMonitor creates a monitor for probe.
func NewMonitor(cfg Config, probe Probe, logger *slog.Logger, onUnhealthy func()) *Monitor {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Monitor{
		cfg:         cfg,
		probe:       probe,
		logger:      logger,
		status:      StatusUnknown,
		onUnhealthy: onUnhealthy,
	}
}

// Start begins periodic probing.
func (m *Monitor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// CurrentStatus returns the current status.
func (m *Monitor) CurrentStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// LastResult returns the most recent probe result, or nil before the first.
func (m *Monitor) LastResult() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return nil
	}
	r := *m.last
	return &r
}

func (m *Monitor) run(ctx context.Context) {
	defer func() {
		m.mu.Lock()
		m.cancel = nil
		close(m.done)
		m.mu.Unlock()
	}()

	if m.cfg.GracePeriod > 0 {
		select {
		case <-time.After(m.cfg.GracePeriod):
		case <-ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.check(ctx)

	for {
		select {
		case <-ticker.C:
			m.check(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Monitor) check(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := m.probe(probeCtx)

	// Results from a cancelled context mean the monitor is shutting down
	if ctx.Err() != nil {
		return
	}

	result := Result{Status: StatusHealthy, Message: "ok", At: time.Now()}
	if err != nil {
		result.Status = StatusUnhealthy
		result.Message = err.Error()
	}

	m.mu.Lock()
	prevStatus := m.status
	m.last = &result

	if result.Status == StatusHealthy {
		m.consecutiveFails = 0
		m.status = StatusHealthy
	} else {
		m.consecutiveFails++
		if m.consecutiveFails >= m.cfg.UnhealthyThreshold {
			m.status = StatusUnhealthy
		}
	}

	newStatus := m.status
	consecutiveFails := m.consecutiveFails
	m.mu.Unlock()

	if result.Status != StatusHealthy {
		m.logger.Warn("probe failed",
			"error", result.Message,
			"consecutive_fails", consecutiveFails,
			"threshold", m.cfg.UnhealthyThreshold,
		)
	}

	if prevStatus != StatusUnhealthy && newStatus == StatusUnhealthy {
		m.logger.Error("probe unhealthy", "consecutive_fails", consecutiveFails)
		if m.onUnhealthy != nil {
			m.onUnhealthy()
		}
	}
	if prevStatus == StatusUnhealthy && newStatus == StatusHealthy {
		m.logger.Info("probe recovered")
	}
}
