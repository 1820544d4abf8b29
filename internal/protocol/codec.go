package protocol

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
)

// Codec turns commands into frame payloads and back.
type Codec interface {
	Marshal(cmd Command) ([]byte, error)
	Unmarshal(data []byte) (Command, error)
}

func init() {
	gob.RegisterName("sandcastle.AddPaths", &AddPaths{})
	gob.RegisterName("sandcastle.SetInstrumentation", &SetInstrumentation{})
	gob.RegisterName("sandcastle.InvokeMethod", &InvokeMethod{})
	gob.RegisterName("sandcastle.InvocationResult", &InvocationResult{})
	gob.RegisterName("sandcastle.Warmup", &Warmup{})
	gob.RegisterName("sandcastle.StopProcess", &StopProcess{})
	gob.RegisterName("sandcastle.ExceptionInWorker", &ExceptionInWorker{})
	gob.RegisterName("sandcastle.ExceptionInTransport", &ExceptionInTransport{})
}

type wireCommand struct {
	Cmd Command
}

// GobCodec encodes every command as a self-contained gob stream, so each
// payload carries its own variant tag and type description.
type GobCodec struct {
	resolver TypeResolver
}

// NewGobCodec returns a codec that resolves result values with resolver
// while decoding. A nil resolver leaves values encoded.
func NewGobCodec(resolver TypeResolver) *GobCodec {
	return &GobCodec{resolver: resolver}
}

func (c *GobCodec) Marshal(cmd Command) ([]byte, error) {
	if cmd == nil {
		return nil, errors.New("marshal nil command")
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&wireCommand{Cmd: cmd}); err != nil {
		return nil, fmt.Errorf("marshal %s: %w", cmd.Kind(), err)
	}
	return buf.Bytes(), nil
}

func (c *GobCodec) Unmarshal(data []byte) (Command, error) {
	var w wireCommand
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&w); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	if w.Cmd == nil {
		return nil, errors.New("unmarshal command: empty payload")
	}
	if res, ok := w.Cmd.(*InvocationResult); ok && c.resolver != nil {
		if err := resolve(c.resolver, &res.Value); err != nil {
			return nil, fmt.Errorf("unmarshal %s: %w", res.Kind(), err)
		}
	}
	return w.Cmd, nil
}
