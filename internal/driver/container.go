//go:build !nocontainer

package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/benaskins/sandcastle/internal/logbuf"
)

// ContainerConfig holds configuration for a containerized worker.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string          // worker command and args inside the container
	NetworkMode string            // Default: "none"
	Volumes     map[string]string // host:container mount mappings, read-only
	LogFile     string
	BufSize     int // stderr ring buffer size (lines)
}

// ContainerDriver runs a worker inside a Docker container with its stdin
// and stdout attached over a hijacked connection.
type ContainerDriver struct {
	cfg ContainerConfig

	mu          sync.Mutex
	closeOnce   sync.Once
	client      *dockerclient.Client
	containerID string
	attach      types.HijackedResponse
	state       State
	startedAt   time.Time
	exitCode    int
	exitErr     string
	expected    bool
	stdin       *attachedStdin
	stdoutR     *io.PipeReader
	buf         *logbuf.Ring
	done        chan struct{}
}

// NewContainer creates a new container worker driver.
func NewContainer(cfg ContainerConfig) (*ContainerDriver, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}

	bufSize := cfg.BufSize
	if bufSize <= 0 {
		bufSize = 1000
	}

	if cfg.NetworkMode == "" {
		cfg.NetworkMode = "none"
	}

	return &ContainerDriver{
		cfg:    cfg,
		client: cli,
		state:  StateIdle,
		buf:    logbuf.New(bufSize),
		done:   make(chan struct{}),
	}, nil
}

func (d *ContainerDriver) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StateIdle {
		return ErrAlreadyStarted
	}
	d.state = StateStarting

	if err := d.create(ctx); err != nil {
		d.state = StateTerminated
		d.exitCode = -1
		d.exitErr = err.Error()
		close(d.done)
		d.closeClient()
		return err
	}

	d.state = StateRunning
	d.startedAt = time.Now()

	go d.waitForExit()
	return nil
}

func (d *ContainerDriver) create(ctx context.Context) error {
	containerName := fmt.Sprintf("sandcastle-%s", d.cfg.Name)

	// Remove any leftover container with the same name
	d.client.ContainerRemove(ctx, containerName, container.RemoveOptions{Force: true})

	config := &container.Config{
		Image:        d.cfg.Image,
		Env:          d.cfg.Env,
		Cmd:          d.cfg.Cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
	}

	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled, // the executor respawns
		},
	}

	if len(d.cfg.Volumes) > 0 {
		binds := make([]string, 0, len(d.cfg.Volumes))
		for host, cont := range d.cfg.Volumes {
			binds = append(binds, fmt.Sprintf("%s:%s:ro", host, cont))
		}
		hostConfig.Binds = binds
	}

	resp, err := d.client.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	d.containerID = resp.ID

	// Attach before start so no early output is lost
	hijack, err := d.client.ContainerAttach(ctx, d.containerID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		d.client.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
		return fmt.Errorf("attaching container: %w", err)
	}
	d.attach = hijack

	if err := d.client.ContainerStart(ctx, d.containerID, container.StartOptions{}); err != nil {
		hijack.Close()
		d.client.ContainerRemove(ctx, d.containerID, container.RemoveOptions{Force: true})
		return fmt.Errorf("starting container: %w", err)
	}

	var stderr io.Writer = d.buf
	var logf *os.File
	if d.cfg.LogFile != "" {
		if f, err := os.OpenFile(d.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			logf = f
			stderr = io.MultiWriter(d.buf, f)
		}
	}

	pr, pw := io.Pipe()
	d.stdoutR = pr
	d.stdin = &attachedStdin{resp: hijack}

	// Docker multiplexes stdout/stderr with 8-byte frame headers.
	// StdCopy strips those headers and splits the streams.
	go func() {
		_, err := stdcopy.StdCopy(pw, stderr, hijack.Reader)
		pw.CloseWithError(err)
		if logf != nil {
			logf.Close()
		}
	}()
	return nil
}

// attachedStdin writes to the hijacked connection; Close half-closes it so
// the worker sees EOF.
type attachedStdin struct {
	resp types.HijackedResponse
	once sync.Once
}

func (s *attachedStdin) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *attachedStdin) Close() error {
	var err error
	s.once.Do(func() {
		err = s.resp.CloseWrite()
	})
	return err
}

func (d *ContainerDriver) Stdin() io.WriteCloser {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stdin == nil {
		return nil
	}
	return d.stdin
}

func (d *ContainerDriver) Stdout() io.Reader {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stdoutR == nil {
		return nil
	}
	return d.stdoutR
}

func (d *ContainerDriver) Exited() <-chan struct{} {
	return d.done
}

func (d *ContainerDriver) Alive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == StateRunning
}

func (d *ContainerDriver) Stop(ctx context.Context, grace time.Duration) error {
	d.mu.Lock()
	switch d.state {
	case StateIdle:
		d.state = StateTerminated
		close(d.done)
		d.mu.Unlock()
		d.closeClient()
		return nil
	case StateTerminated:
		d.mu.Unlock()
		d.cleanup()
		return nil
	}
	d.state = StateTerminating
	containerID := d.containerID
	stdin := d.stdin
	d.mu.Unlock()

	if stdin != nil {
		stdin.Close()
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-d.done:
	case <-timer.C:
		d.client.ContainerKill(context.Background(), containerID, "KILL")
	case <-ctx.Done():
		d.client.ContainerKill(context.Background(), containerID, "KILL")
	}

	select {
	case <-d.done:
	case <-time.After(10 * time.Second):
		// Force remove if stuck
		d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}

	d.cleanup()
	return ctx.Err()
}

func (d *ContainerDriver) cleanup() {
	d.mu.Lock()
	containerID := d.containerID
	attach := d.attach
	d.mu.Unlock()

	if attach.Conn != nil {
		attach.Close()
	}
	if containerID != "" {
		d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}
	d.closeClient()
}

func (d *ContainerDriver) closeClient() {
	d.closeOnce.Do(func() {
		d.client.Close()
	})
}

func (d *ContainerDriver) Info() ProcessInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	return ProcessInfo{
		State:     d.state,
		StartedAt: d.startedAt,
		ExitCode:  d.exitCode,
		Expected:  d.expected,
		Error:     d.exitErr,
		LogFile:   d.cfg.LogFile,
	}
}

func (d *ContainerDriver) LogLines(n int) []string {
	return d.buf.Last(n)
}

func (d *ContainerDriver) waitForExit() {
	statusCh, errCh := d.client.ContainerWait(
		context.Background(),
		d.containerID,
		container.WaitConditionNotRunning,
	)

	code := -1
	var errMsg string
	select {
	case err := <-errCh:
		if err != nil {
			errMsg = err.Error()
		}
	case status := <-statusCh:
		code = int(status.StatusCode)
		if status.Error != nil {
			errMsg = status.Error.Message
		}
	}

	d.mu.Lock()
	d.expected = d.state == StateTerminating
	d.state = StateTerminated
	d.exitCode = code
	d.exitErr = errMsg
	close(d.done)
	d.mu.Unlock()
}

// ContainerID returns the Docker container ID (for external inspection).
func (d *ContainerDriver) ContainerID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.containerID
}

// ContainerLauncher starts each worker in a fresh container. Classpath
// directories are mounted read-only at the same paths.
type ContainerLauncher struct {
	Worker      WorkerConfig
	Image       string
	NetworkMode string
}

func (l *ContainerLauncher) Launch(spec LaunchSpec) (Driver, error) {
	if l.Worker.LogDir != "" {
		if err := os.MkdirAll(l.Worker.LogDir, 0o755); err != nil {
			return nil, err
		}
	}

	volumes := make(map[string]string)
	for _, cp := range []string{spec.UserClasspath, spec.DependencyClasspath} {
		for _, p := range strings.Split(cp, string(os.PathListSeparator)) {
			if p != "" {
				volumes[p] = p
			}
		}
	}

	cmd := append(strings.Fields(l.Worker.Command), l.Worker.WorkerArgs(spec)...)
	return NewContainer(ContainerConfig{
		Name:        spec.SessionID,
		Image:       l.Image,
		Env:         l.Worker.Env,
		Cmd:         cmd,
		NetworkMode: l.NetworkMode,
		Volumes:     volumes,
		LogFile:     l.Worker.LogPath(spec),
		BufSize:     l.Worker.BufSize,
	})
}
