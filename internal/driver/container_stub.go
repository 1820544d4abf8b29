//go:build nocontainer

package driver

import (
	"context"
	"fmt"
	"io"
	"time"
)

// ContainerConfig holds configuration for a containerized worker.
type ContainerConfig struct {
	Name        string
	Image       string
	Env         []string
	Cmd         []string
	NetworkMode string
	Volumes     map[string]string
	LogFile     string
	BufSize     int
}

// ContainerDriver is a stub when container support is excluded.
type ContainerDriver struct{}

// NewContainer returns an error when built with the nocontainer tag.
func NewContainer(cfg ContainerConfig) (*ContainerDriver, error) {
	return nil, fmt.Errorf("container support excluded (built with nocontainer tag)")
}

func (d *ContainerDriver) Start(ctx context.Context) error {
	return fmt.Errorf("container support excluded")
}
func (d *ContainerDriver) Stdin() io.WriteCloser                           { return nil }
func (d *ContainerDriver) Stdout() io.Reader                               { return nil }
func (d *ContainerDriver) Alive() bool                                     { return false }
func (d *ContainerDriver) Exited() <-chan struct{}                         { return nil }
func (d *ContainerDriver) Stop(ctx context.Context, _ time.Duration) error { return nil }
func (d *ContainerDriver) Info() ProcessInfo                               { return ProcessInfo{} }
func (d *ContainerDriver) LogLines(n int) []string                         { return nil }
func (d *ContainerDriver) ContainerID() string                             { return "" }

// ContainerLauncher is a stub when container support is excluded.
type ContainerLauncher struct {
	Worker      WorkerConfig
	Image       string
	NetworkMode string
}

func (l *ContainerLauncher) Launch(spec LaunchSpec) (Driver, error) {
	return nil, fmt.Errorf("container support excluded (built with nocontainer tag)")
}
