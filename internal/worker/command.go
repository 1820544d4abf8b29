package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/benaskins/sandcastle/internal/protocol"
)

// CommandOutput is the result of the "command" instrumentation.
type CommandOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// RegisterTypes registers the result types produced by the built-in
// instrumentations. Controller and worker must both call it.
func RegisterTypes(r *protocol.Registry) error {
	return r.Register("sandcastle.CommandOutput", CommandOutput{})
}

// DefaultCatalog returns the instrumentations every worker knows.
func DefaultCatalog() Catalog {
	return Catalog{
		"builtin": Builtins.Factory(),
		"command": NewCommand,
	}
}

// commandRunner runs executables found on the classpaths. Options:
// "dir" sets the working directory; "env.NAME" adds an environment variable.
type commandRunner struct {
	dirs []string
	dir  string
	env  []string
}

// NewCommand is the factory for the "command" instrumentation.
func NewCommand(options map[string]string, paths Paths) (Instrumentation, error) {
	var dirs []string
	for _, cp := range []string{paths.User, paths.Dependency} {
		for _, p := range filepath.SplitList(cp) {
			if p != "" {
				dirs = append(dirs, p)
			}
		}
	}
	if len(dirs) == 0 {
		return nil, errors.New("command instrumentation needs a classpath")
	}

	r := &commandRunner{dirs: dirs, dir: options["dir"]}
	for k, v := range options {
		if name, ok := strings.CutPrefix(k, "env."); ok {
			r.env = append(r.env, name+"="+v)
		}
	}
	return r, nil
}

func (r *commandRunner) resolve(target string) (string, error) {
	if strings.ContainsRune(target, filepath.Separator) {
		return "", &Failure{Type: "NoSuchMethod", Message: fmt.Sprintf("target %q must be a bare name", target)}
	}
	for _, dir := range r.dirs {
		path := filepath.Join(dir, target)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() || info.Mode()&0o111 == 0 {
			continue
		}
		return path, nil
	}
	return "", &Failure{Type: "NoSuchMethod", Message: fmt.Sprintf("%q not found on classpath", target)}
}

func (r *commandRunner) Invoke(ctx context.Context, call Call) (any, error) {
	path, err := r.resolve(call.Callable.Target)
	if err != nil {
		return nil, err
	}

	args := make([]string, len(call.Args))
	for i, a := range call.Args {
		args[i] = fmt.Sprint(a)
	}

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), r.env...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	out := CommandOutput{Stdout: stdout.String(), Stderr: stderr.String()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return nil, err
	}
	return out, nil
}
