package executor

import "time"

// Outcome classifies a finished call.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeUserError Outcome = "user_failure"
	OutcomeTransport Outcome = "transport_failure"
	OutcomeProtocol  Outcome = "protocol_failure"
	OutcomeStartup   Outcome = "startup_failure"
	OutcomeCanceled  Outcome = "canceled"
)

// Record describes one finished Execute call.
type Record struct {
	Time     time.Time     `json:"ts"`
	Executor string        `json:"executor"`
	Callable string        `json:"callable"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration_ns"`
	PID      int           `json:"pid,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Observer receives executor lifecycle events. Implementations must be safe
// for concurrent use and must not block.
type Observer interface {
	WorkerStarted(executor string, pid int)
	WorkerStopped(executor string, pid int, reason string)
	ExecutionFinished(rec Record)
}

type nopObserver struct{}

func (nopObserver) WorkerStarted(string, int)         {}
func (nopObserver) WorkerStopped(string, int, string) {}
func (nopObserver) ExecutionFinished(Record)          {}

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var list multiObserver
	for _, o := range obs {
		if o != nil {
			list = append(list, o)
		}
	}
	switch len(list) {
	case 0:
		return nopObserver{}
	case 1:
		return list[0]
	}
	return list
}

type multiObserver []Observer

func (m multiObserver) WorkerStarted(executor string, pid int) {
	for _, o := range m {
		o.WorkerStarted(executor, pid)
	}
}

func (m multiObserver) WorkerStopped(executor string, pid int, reason string) {
	for _, o := range m {
		o.WorkerStopped(executor, pid, reason)
	}
}

func (m multiObserver) ExecutionFinished(rec Record) {
	for _, o := range m {
		o.ExecutionFinished(rec)
	}
}
