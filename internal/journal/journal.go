// Package journal records finished executions and worker lifecycle events
// to an append-only newline-delimited JSON file.
package journal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/benaskins/sandcastle/internal/executor"
)

// Event names the kind of journal line.
type Event string

const (
	EventExecution     Event = "execution"
	EventWorkerStarted Event = "worker_started"
	EventWorkerStopped Event = "worker_stopped"
)

// Line is a single journal record. Execution lines embed the executor's
// Record; lifecycle lines carry only the executor name, pid and reason.
type Line struct {
	Event Event `json:"event"`
	executor.Record
	Reason string `json:"reason,omitempty"`
}

// Journal writes lines to a file. It implements executor.Observer; write
// failures are logged and otherwise ignored so that callers never block on
// the journal.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	logger *slog.Logger
}

// Open creates or opens a journal file for appending.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &Journal{file: f, path: path, logger: slog.With("component", "journal")}, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Write appends one line.
func (j *Journal) Write(line Line) error {
	if line.Time.IsZero() {
		line.Time = time.Now().UTC()
	}

	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshaling journal line: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return os.ErrClosed
	}
	if _, err := j.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing journal line: %w", err)
	}
	return nil
}

func (j *Journal) WorkerStarted(name string, pid int) {
	j.write(Line{Event: EventWorkerStarted, Record: executor.Record{Executor: name, PID: pid}})
}

func (j *Journal) WorkerStopped(name string, pid int, reason string) {
	j.write(Line{Event: EventWorkerStopped, Record: executor.Record{Executor: name, PID: pid}, Reason: reason})
}

func (j *Journal) ExecutionFinished(rec executor.Record) {
	j.write(Line{Event: EventExecution, Record: rec})
}

func (j *Journal) write(line Line) {
	if err := j.Write(line); err != nil {
		j.logger.Warn("journal write failed", "error", err)
	}
}

// Close closes the journal file. Later writes fail with os.ErrClosed.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
