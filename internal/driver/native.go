package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/benaskins/sandcastle/internal/logbuf"
)

// NativeDriver manages a worker started with fork/exec.
type NativeDriver struct {
	command    string
	args       []string
	env        []string
	workingDir string
	logFile    string

	mu        sync.Mutex
	cmd       *exec.Cmd
	state     State
	startedAt time.Time
	exitCode  int
	exitErr   string
	expected  bool
	stdin     *os.File
	stdout    *os.File
	buf       *logbuf.Ring
	done      chan struct{}
}

// NativeConfig holds configuration for a native worker.
type NativeConfig struct {
	// Command is split on whitespace; Args are appended after it.
	Command    string
	Args       []string
	Env        []string
	WorkingDir string
	// LogFile, when set, receives a copy of the worker's stderr.
	LogFile string
	BufSize int // stderr ring buffer size (lines), 0 for default
}

// NewNative creates a new native worker driver.
func NewNative(cfg NativeConfig) *NativeDriver {
	parts := strings.Fields(cfg.Command)
	var command string
	var args []string
	if len(parts) > 0 {
		command = parts[0]
		args = parts[1:]
	}
	args = append(args, cfg.Args...)

	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = 1000
	}

	return &NativeDriver{
		command:    command,
		args:       args,
		env:        cfg.Env,
		workingDir: cfg.WorkingDir,
		logFile:    cfg.LogFile,
		state:      StateIdle,
		buf:        logbuf.New(bufSize),
		done:       make(chan struct{}),
	}
}

// Start launches the worker. The process is not bound to ctx; it lives
// until Stop or until it exits on its own.
func (d *NativeDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateIdle {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	d.state = StateStarting

	if err := d.spawn(); err != nil {
		d.state = StateTerminated
		d.exitCode = -1
		d.exitErr = err.Error()
		close(d.done)
		return err
	}

	d.state = StateRunning
	d.startedAt = time.Now()
	go d.wait()
	return nil
}

func (d *NativeDriver) spawn() error {
	if d.command == "" {
		return fmt.Errorf("starting worker: empty command")
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}

	var stderr io.Writer = d.buf
	var logf *os.File
	if d.logFile != "" {
		logf, err = os.OpenFile(d.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			stdinR.Close()
			stdinW.Close()
			stdoutR.Close()
			stdoutW.Close()
			return fmt.Errorf("opening worker log: %w", err)
		}
		stderr = io.MultiWriter(d.buf, logf)
	}

	d.cmd = exec.Command(d.command, d.args...)
	d.cmd.Env = d.env
	if d.workingDir != "" {
		d.cmd.Dir = d.workingDir
	}
	d.cmd.Stdin = stdinR
	d.cmd.Stdout = stdoutW
	d.cmd.Stderr = stderr
	d.cmd.WaitDelay = time.Second

	// Own process group so the whole tree can be killed
	d.cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	startErr := d.cmd.Start()

	// The child holds its own copies now
	stdinR.Close()
	stdoutW.Close()

	if startErr != nil {
		stdinW.Close()
		stdoutR.Close()
		if logf != nil {
			logf.Close()
		}
		return fmt.Errorf("starting worker: %w", startErr)
	}

	d.stdin = stdinW
	d.stdout = stdoutR
	if logf != nil {
		go func() {
			<-d.done
			logf.Close()
		}()
	}
	return nil
}

func (d *NativeDriver) wait() {
	err := d.cmd.Wait()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.expected = d.state == StateTerminating
	d.state = StateTerminated
	d.exitCode = exitCode(err)
	if err != nil {
		d.exitErr = err.Error()
	}
	close(d.done)
}

func (d *NativeDriver) Stdin() io.WriteCloser {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stdin
}

func (d *NativeDriver) Stdout() io.Reader {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stdout
}

func (d *NativeDriver) Exited() <-chan struct{} {
	return d.done
}

// Alive checks the recorded state and probes the pid with signal 0.
func (d *NativeDriver) Alive() bool {
	d.mu.Lock()
	if d.state != StateRunning {
		d.mu.Unlock()
		return false
	}
	pid := d.cmd.Process.Pid
	d.mu.Unlock()
	return unix.Kill(pid, 0) == nil
}

func (d *NativeDriver) Stop(ctx context.Context, grace time.Duration) error {
	d.mu.Lock()
	switch d.state {
	case StateIdle:
		d.state = StateTerminated
		close(d.done)
		d.mu.Unlock()
		return nil
	case StateTerminated:
		stdin := d.stdin
		d.mu.Unlock()
		if stdin != nil {
			stdin.Close()
		}
		d.closeStdout()
		return nil
	}
	d.state = StateTerminating
	pid := d.cmd.Process.Pid
	stdin := d.stdin
	d.mu.Unlock()

	// EOF on stdin asks the worker to leave
	if stdin != nil {
		stdin.Close()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-d.done:
		d.closeStdout()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	// Force kill the process group
	_ = unix.Kill(-pid, unix.SIGKILL)
	<-d.done
	d.closeStdout()
	return ctx.Err()
}

func (d *NativeDriver) closeStdout() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stdout != nil {
		d.stdout.Close()
	}
}

func (d *NativeDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	info := ProcessInfo{
		State:     d.state,
		StartedAt: d.startedAt,
		ExitCode:  d.exitCode,
		Expected:  d.expected,
		Error:     d.exitErr,
		LogFile:   d.logFile,
	}

	if d.cmd != nil && d.cmd.Process != nil {
		info.PID = d.cmd.Process.Pid
	}

	return info
}

// Wait blocks until the process exits and returns the exit code.
func (d *NativeDriver) Wait() (int, error) {
	d.mu.Lock()
	if d.state == StateIdle {
		d.mu.Unlock()
		return -1, ErrNotStarted
	}
	d.mu.Unlock()
	<-d.done

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exitCode, nil
}

func (d *NativeDriver) LogLines(n int) []string {
	return d.buf.Last(n)
}
