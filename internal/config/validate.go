package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Every problem is reported, joined into one error.
func Validate(cfg *Config) error {
	var errs []error
	add := func(field, msg string) {
		errs = append(errs, ValidationError{Field: field, Message: msg})
	}

	switch cfg.Worker.Runtime {
	case RuntimeNative, "":
	case RuntimeContainer:
		if cfg.Worker.Image == "" {
			add("worker.image", "required when runtime is container")
		}
	default:
		add("worker.runtime", fmt.Sprintf("unknown runtime %q (want native or container)", cfg.Worker.Runtime))
	}

	if cfg.Worker.DebugPortMin != 0 || cfg.Worker.DebugPortMax != 0 {
		if cfg.Worker.DebugPortMin < 1 || cfg.Worker.DebugPortMax > 65535 || cfg.Worker.DebugPortMin > cfg.Worker.DebugPortMax {
			add("worker.debug_port_min", "debug port range must satisfy 1 <= min <= max <= 65535")
		}
	}
	if cfg.Worker.StopGrace.Duration < 0 {
		add("worker.stop_grace", "must not be negative")
	}
	if cfg.Worker.LivenessInterval.Duration < 0 {
		add("worker.liveness_interval", "must not be negative")
	}
	if cfg.Worker.OutputLines < 0 {
		add("worker.output_lines", "must not be negative")
	}
	if cfg.Worker.SpawnRate < 0 {
		add("worker.spawn_rate", "must not be negative")
	}
	if cfg.Worker.SpawnBurst < 0 {
		add("worker.spawn_burst", "must not be negative")
	}
	if cfg.Pool.ProbeInterval.Duration < 0 {
		add("pool.probe_interval", "must not be negative")
	}
	if cfg.Pool.MaxSize < 1 {
		add("pool.max_size", "must be at least 1")
	}

	switch strings.ToLower(cfg.LogFormat) {
	case "", "text", "json":
	default:
		add("log_format", fmt.Sprintf("unknown format %q (want text or json)", cfg.LogFormat))
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		add("log_level", fmt.Sprintf("unknown level %q", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
