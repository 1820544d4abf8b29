package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/benaskins/sandcastle/internal/config"
	"github.com/benaskins/sandcastle/internal/driver"
	"github.com/benaskins/sandcastle/internal/executor"
	"github.com/benaskins/sandcastle/internal/pool"
	"github.com/benaskins/sandcastle/internal/port"
	"github.com/benaskins/sandcastle/internal/protocol"
	"github.com/benaskins/sandcastle/internal/worker"
)

// newLauncher builds the worker launcher for the configured runtime. With
// no worker command configured, the native runtime re-executes this binary
// in worker mode.
func newLauncher(c *config.Config) (driver.Launcher, error) {
	wc := driver.WorkerConfig{
		Command:   c.Worker.Command,
		Args:      c.Worker.Args,
		Env:       c.Worker.EnvList(),
		Debug:     c.Worker.Debug,
		DebugArgs: c.Worker.DebugArgs,
		LogDir:    c.Worker.LogDir,
	}
	if wc.LogDir == "" {
		wc.LogDir = defaultLogDir()
	}
	if c.Worker.Debug && c.Worker.DebugPortMin > 0 {
		wc.DebugPorts = port.NewAllocator(c.Worker.DebugPortMin, c.Worker.DebugPortMax)
	}

	switch c.Worker.Runtime {
	case config.RuntimeContainer:
		if wc.Command == "" {
			wc.Command = "sandcastle"
			wc.Args = append([]string{"worker"}, wc.Args...)
		}
		return &driver.ContainerLauncher{
			Worker:      wc,
			Image:       c.Worker.Image,
			NetworkMode: c.Worker.NetworkMode,
		}, nil
	case config.RuntimeNative, "":
		if wc.Command == "" {
			exe, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("locating sandcastle binary: %w", err)
			}
			wc.Command = exe
			wc.Args = append([]string{"worker"}, wc.Args...)
		}
		return &driver.NativeLauncher{Worker: wc}, nil
	default:
		return nil, fmt.Errorf("unknown worker runtime %q", c.Worker.Runtime)
	}
}

// newRegistry returns the value registry shared by controller and worker.
func newRegistry() (*protocol.Registry, error) {
	reg := protocol.NewRegistry()
	if err := worker.RegisterTypes(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func executorOptions(c *config.Config, reg *protocol.Registry, obs executor.Observer) []executor.Option {
	return []executor.Option{
		executor.WithRegistry(reg),
		executor.WithObserver(executor.Observers(obs)),
		executor.WithLogger(slog.Default()),
		executor.WithStopGrace(c.Worker.StopGrace.Duration),
		executor.WithLivenessInterval(c.Worker.LivenessInterval.Duration),
		executor.WithOutputLines(c.Worker.OutputLines),
		executor.WithSpawnLimit(c.Worker.SpawnRate, c.Worker.SpawnBurst),
	}
}

// newPool wires a pool whose executors share one launcher and registry.
func newPool(c *config.Config, obs executor.Observer, poolObs pool.Observer) (*pool.Pool, error) {
	launcher, err := newLauncher(c)
	if err != nil {
		return nil, err
	}
	reg, err := newRegistry()
	if err != nil {
		return nil, err
	}
	opts := executorOptions(c, reg, obs)
	factory := func(inst protocol.Instrumentation, userCP, depCP string) *executor.Executor {
		return executor.New(inst, userCP, depCP, launcher, opts...)
	}
	poolOpts := []pool.Option{pool.WithLogger(slog.Default())}
	if poolObs != nil {
		poolOpts = append(poolOpts, pool.WithObserver(poolObs))
	}
	return pool.New(pool.Config{
		MaxSize:             c.Pool.MaxSize,
		DependencyClasspath: c.Pool.DependencyClasspath,
	}, factory, poolOpts...), nil
}

// parseInstrumentation reads "name" or "name:key=value,key=value".
func parseInstrumentation(s string) (protocol.Instrumentation, error) {
	name, opts, _ := strings.Cut(s, ":")
	if name == "" {
		return protocol.Instrumentation{}, fmt.Errorf("instrumentation name required")
	}
	inst := protocol.Instrumentation{Name: name}
	if opts == "" {
		return inst, nil
	}
	inst.Options = make(map[string]string)
	for _, kv := range strings.Split(opts, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return protocol.Instrumentation{}, fmt.Errorf("invalid instrumentation option %q (want key=value)", kv)
		}
		inst.Options[k] = v
	}
	return inst, nil
}
