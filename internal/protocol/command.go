// Package protocol defines the command set exchanged between the controller
// and a worker process, the value encoding used for call arguments and
// results, and the length-prefixed frame format that carries them.
package protocol

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Kind tags a command variant.
type Kind uint8

const (
	KindAddPaths Kind = iota + 1
	KindSetInstrumentation
	KindInvokeMethod
	KindInvocationResult
	KindWarmup
	KindStopProcess
	KindExceptionInWorker
	KindExceptionInTransport
)

func (k Kind) String() string {
	switch k {
	case KindAddPaths:
		return "AddPaths"
	case KindSetInstrumentation:
		return "SetInstrumentation"
	case KindInvokeMethod:
		return "InvokeMethod"
	case KindInvocationResult:
		return "InvocationResult"
	case KindWarmup:
		return "Warmup"
	case KindStopProcess:
		return "StopProcess"
	case KindExceptionInWorker:
		return "ExceptionInWorker"
	case KindExceptionInTransport:
		return "ExceptionInTransport"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Command is one message of the controller/worker protocol. The set of
// implementations is closed; see the Kind constants.
type Command interface {
	Kind() Kind
}

// BroadcastID is the correlation id of a message that answers no particular
// request. The controller uses it for fatal transport failures.
const BroadcastID uint64 = 0

// Envelope pairs a command with its correlation id.
type Envelope struct {
	ID      uint64
	Command Command
}

// Instrumentation names the execution strategy a worker installs before it
// runs any invocation. Two descriptors are interchangeable when Equal.
type Instrumentation struct {
	Name    string            `json:"name"`
	Options map[string]string `json:"options,omitempty"`
}

func (i Instrumentation) Equal(o Instrumentation) bool {
	return i.Name == o.Name && maps.Equal(i.Options, o.Options)
}

// String renders the descriptor as name[k=v,...] with options sorted by key,
// so equal descriptors always print the same.
func (i Instrumentation) String() string {
	if len(i.Options) == 0 {
		return i.Name
	}
	keys := slices.Sorted(maps.Keys(i.Options))
	pairs := make([]string, len(keys))
	for n, k := range keys {
		pairs[n] = k + "=" + i.Options[k]
	}
	return i.Name + "[" + strings.Join(pairs, ",") + "]"
}

// Callable identifies the code to invoke. Both fields are opaque to the
// controller and interpreted by the worker's instrumentation.
type Callable struct {
	Target    string
	Signature string
}

func (c Callable) String() string {
	if c.Signature == "" {
		return c.Target
	}
	return c.Target + c.Signature
}

// ExecutionContext carries per-call parameters for the worker.
type ExecutionContext struct {
	Timeout time.Duration
	Values  map[string]string
}

// InstrumentationFailure is the reserved WorkerException type a worker
// reports when no usable instrumentation is installed. It marks a broken
// worker, not a failure of the code under test.
const InstrumentationFailure = "sandcastle.InstrumentationError"

// WorkerException describes a failure raised by user code in the worker.
type WorkerException struct {
	Type    string
	Message string
	Stack   string
}

// InstrumentationFailed reports whether the worker could not install its
// instrumentation.
func (w WorkerException) InstrumentationFailed() bool {
	return w.Type == InstrumentationFailure
}

func (w WorkerException) String() string {
	if w.Type == "" {
		return w.Message
	}
	return w.Type + ": " + w.Message
}

// AddPaths tells the worker where to resolve code under test.
type AddPaths struct {
	UserClasspath       string
	DependencyClasspath string
}

// SetInstrumentation installs the execution strategy. It is sent once per
// worker lifetime, before the first InvokeMethod.
type SetInstrumentation struct {
	Instrumentation Instrumentation
}

// InvokeMethod asks the worker to run a callable with encoded arguments.
type InvokeMethod struct {
	Callable  Callable
	Arguments []Value
	Context   ExecutionContext
}

// InvocationResult is the successful reply to InvokeMethod.
type InvocationResult struct {
	Value Value
}

// Warmup is a no-op round trip. The worker echoes it back.
type Warmup struct {
	Token string
}

// StopProcess asks the worker to exit.
type StopProcess struct {
	Reason string
}

// ExceptionInWorker reports a user-code failure. The connection stays usable.
type ExceptionInWorker struct {
	Failure WorkerException
}

// ExceptionInTransport reports that a frame could not be decoded or the
// worker was lost. It is terminal for the connection.
type ExceptionInTransport struct {
	Reason string
}

func (*AddPaths) Kind() Kind             { return KindAddPaths }
func (*SetInstrumentation) Kind() Kind   { return KindSetInstrumentation }
func (*InvokeMethod) Kind() Kind         { return KindInvokeMethod }
func (*InvocationResult) Kind() Kind     { return KindInvocationResult }
func (*Warmup) Kind() Kind               { return KindWarmup }
func (*StopProcess) Kind() Kind          { return KindStopProcess }
func (*ExceptionInWorker) Kind() Kind    { return KindExceptionInWorker }
func (*ExceptionInTransport) Kind() Kind { return KindExceptionInTransport }
