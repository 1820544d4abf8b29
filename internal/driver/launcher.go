package driver

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benaskins/sandcastle/internal/port"
)

// DebugPortPlaceholder in DebugArgs is replaced by the session's debug port.
const DebugPortPlaceholder = "{port}"

// LaunchSpec describes one worker incarnation.
type LaunchSpec struct {
	UserClasspath       string
	DependencyClasspath string
	// SessionID distinguishes incarnations in logs and file names.
	SessionID string
}

// Launcher builds an unstarted driver for a worker.
type Launcher interface {
	Launch(spec LaunchSpec) (Driver, error)
}

// WorkerConfig is the launch configuration shared by every runtime.
type WorkerConfig struct {
	Command   string
	Args      []string
	Env       []string
	Debug     bool
	DebugArgs []string
	// DebugPorts, when set, gives each debug-mode native worker its own
	// port for DebugPortPlaceholder. The port is freed when the worker stops.
	DebugPorts *port.Allocator
	// LogDir, when set, receives one stderr log per worker session.
	LogDir  string
	BufSize int
}

// Classpath joins the user and dependency classpaths, skipping empty parts.
func Classpath(user, dependency string) string {
	var parts []string
	for _, p := range []string{user, dependency} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// WorkerArgs returns the arguments appended to the worker command.
func (c WorkerConfig) WorkerArgs(spec LaunchSpec) []string {
	args := append([]string(nil), c.Args...)
	if c.Debug {
		p := 0
		if c.DebugPorts != nil {
			p = c.DebugPorts.Port(spec.SessionID)
		}
		for _, a := range c.DebugArgs {
			if p > 0 {
				a = strings.ReplaceAll(a, DebugPortPlaceholder, strconv.Itoa(p))
			}
			args = append(args, a)
		}
	}
	if cp := Classpath(spec.UserClasspath, spec.DependencyClasspath); cp != "" {
		args = append(args, "--classpath", cp)
	}
	if spec.SessionID != "" {
		args = append(args, "--session", spec.SessionID)
	}
	return args
}

// LogPath returns the stderr log for a session, or "" when logging to
// disk is off.
func (c WorkerConfig) LogPath(spec LaunchSpec) string {
	if c.LogDir == "" || spec.SessionID == "" {
		return ""
	}
	return filepath.Join(c.LogDir, "worker-"+spec.SessionID+".log")
}

// NativeLauncher starts workers with fork/exec.
type NativeLauncher struct {
	Worker WorkerConfig
}

func (l *NativeLauncher) Launch(spec LaunchSpec) (Driver, error) {
	if l.Worker.LogDir != "" {
		if err := os.MkdirAll(l.Worker.LogDir, 0o755); err != nil {
			return nil, err
		}
	}
	ported := l.Worker.Debug && l.Worker.DebugPorts != nil
	if ported {
		if _, err := l.Worker.DebugPorts.Allocate(spec.SessionID); err != nil {
			return nil, err
		}
	}
	drv := NewNative(NativeConfig{
		Command: l.Worker.Command,
		Args:    l.Worker.WorkerArgs(spec),
		Env:     l.Worker.Env,
		LogFile: l.Worker.LogPath(spec),
		BufSize: l.Worker.BufSize,
	})
	if !ported {
		return drv, nil
	}
	ports := l.Worker.DebugPorts
	return &portedDriver{Driver: drv, release: sync.OnceFunc(func() {
		ports.Release(spec.SessionID)
	})}, nil
}

// portedDriver frees a session's debug port once the worker is stopped or
// fails to start.
type portedDriver struct {
	Driver
	release func()
}

func (d *portedDriver) Start(ctx context.Context) error {
	err := d.Driver.Start(ctx)
	if err != nil {
		d.release()
	}
	return err
}

func (d *portedDriver) Stop(ctx context.Context, grace time.Duration) error {
	defer d.release()
	return d.Driver.Stop(ctx, grace)
}
