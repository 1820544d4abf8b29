package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

type point struct {
	X, Y int
}

func TestCodecPreservesVariantAndFields(t *testing.T) {
	reg := NewRegistry()
	codec := NewGobCodec(reg)

	arg, err := reg.Encode(int64(42))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	in := &InvokeMethod{
		Callable:  Callable{Target: "math.Add", Signature: "(int64,int64)int64"},
		Arguments: []Value{arg},
		Context:   ExecutionContext{Timeout: time.Second, Values: map[string]string{"k": "v"}},
	}

	data, err := codec.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := codec.Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, ok := out.(*InvokeMethod)
	if !ok {
		t.Fatalf("expected *InvokeMethod, got %T", out)
	}
	if got.Callable != in.Callable {
		t.Errorf("callable = %+v, want %+v", got.Callable, in.Callable)
	}
	if got.Context.Timeout != time.Second || got.Context.Values["k"] != "v" {
		t.Errorf("context not preserved: %+v", got.Context)
	}
	v, err := reg.Decode(got.Arguments[0])
	if err != nil {
		t.Fatalf("decode arg: %v", err)
	}
	if v != int64(42) {
		t.Errorf("arg = %v (%T), want 42", v, v)
	}
}

func TestCodecFieldlessVariants(t *testing.T) {
	codec := NewGobCodec(nil)
	for _, cmd := range []Command{&Warmup{}, &StopProcess{}, &ExceptionInTransport{}} {
		data, err := codec.Marshal(cmd)
		if err != nil {
			t.Fatalf("marshal %s: %v", cmd.Kind(), err)
		}
		out, err := codec.Unmarshal(data)
		if err != nil {
			t.Fatalf("unmarshal %s: %v", cmd.Kind(), err)
		}
		if out.Kind() != cmd.Kind() {
			t.Errorf("kind = %s, want %s", out.Kind(), cmd.Kind())
		}
	}
}

func TestCodecResolvesResultValue(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("test.point", point{}); err != nil {
		t.Fatal(err)
	}
	val, err := reg.Encode(point{X: 1, Y: 2})
	if err != nil {
		t.Fatal(err)
	}
	data, err := NewGobCodec(reg).Marshal(&InvocationResult{Value: val})
	if err != nil {
		t.Fatal(err)
	}

	out, err := NewGobCodec(reg).Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	got, ok := out.(*InvocationResult).Value.Resolved()
	if !ok {
		t.Fatal("expected value to be resolved during decode")
	}
	if got != (point{X: 1, Y: 2}) {
		t.Errorf("value = %+v", got)
	}
}

func TestCodecUnknownResultTypeFails(t *testing.T) {
	sender := NewRegistry()
	sender.Register("test.point", point{})
	val, _ := sender.Encode(point{X: 1})
	data, _ := NewGobCodec(sender).Marshal(&InvocationResult{Value: val})

	_, err := NewGobCodec(NewRegistry()).Unmarshal(data)
	var unknown *UnknownTypeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownTypeError, got %v", err)
	}
	if unknown.Name != "test.point" {
		t.Errorf("name = %q", unknown.Name)
	}
}

func TestCodecRejectsGarbage(t *testing.T) {
	if _, err := NewGobCodec(nil).Unmarshal([]byte("not a gob stream")); err == nil {
		t.Fatal("expected error for garbage payload")
	}
}

func TestRegistryNilValue(t *testing.T) {
	reg := NewRegistry()
	v, err := reg.Encode(nil)
	if err != nil {
		t.Fatal(err)
	}
	if v.Type != "" {
		t.Errorf("nil encoded with type %q", v.Type)
	}
	d, err := reg.Decode(Value{})
	if err != nil || d != nil {
		t.Errorf("decode empty = %v, %v", d, err)
	}
}

func TestRegistryUnregisteredType(t *testing.T) {
	if _, err := NewRegistry().Encode(point{}); err == nil {
		t.Fatal("expected error encoding unregistered type")
	}
}

func TestRegistryConflictingName(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register("dup", point{}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("dup", point{}); err != nil {
		t.Errorf("re-registering same type: %v", err)
	}
	if err := reg.Register("dup", struct{ Z int }{}); err == nil {
		t.Error("expected conflict error")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, 7, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	if err := WriteFrame(&buf, 8, nil); err != nil {
		t.Fatal(err)
	}
	if buf.Len() != 2*HeaderSize+5 {
		t.Errorf("wrote %d bytes", buf.Len())
	}

	id, payload, err := ReadFrame(&buf)
	if err != nil || id != 7 || string(payload) != "hello" {
		t.Fatalf("first frame = %d %q %v", id, payload, err)
	}
	id, payload, err = ReadFrame(&buf)
	if err != nil || id != 8 || len(payload) != 0 {
		t.Fatalf("second frame = %d %q %v", id, payload, err)
	}
	if _, _, err := ReadFrame(&buf); err != io.EOF {
		t.Errorf("expected io.EOF at boundary, got %v", err)
	}
}

func TestFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, 1, []byte("truncated payload"))
	data := buf.Bytes()[:HeaderSize+3]

	_, _, err := ReadFrame(bytes.NewReader(data))
	if err != io.ErrUnexpectedEOF {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}

func TestFrameTooLarge(t *testing.T) {
	hdr := []byte{0, 0, 0, 0, 0, 0, 0, 1, 0xff, 0xff, 0xff, 0xff}
	_, _, err := ReadFrame(bytes.NewReader(hdr))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestInstrumentationEqual(t *testing.T) {
	a := Instrumentation{Name: "builtin", Options: map[string]string{"x": "1"}}
	b := Instrumentation{Name: "builtin", Options: map[string]string{"x": "1"}}
	c := Instrumentation{Name: "builtin"}
	if !a.Equal(b) {
		t.Error("expected equal descriptors")
	}
	if a.Equal(c) {
		t.Error("expected different options to differ")
	}
	if !c.Equal(Instrumentation{Name: "builtin", Options: map[string]string{}}) {
		t.Error("nil and empty options should be equal")
	}
}

func TestInstrumentationStringIsStable(t *testing.T) {
	a := Instrumentation{Name: "command", Options: map[string]string{"dir": "/tmp", "env.A": "1"}}
	b := Instrumentation{Name: "command", Options: map[string]string{"env.A": "1", "dir": "/tmp"}}
	if a.String() != "command[dir=/tmp,env.A=1]" {
		t.Errorf("String() = %q", a.String())
	}
	if a.String() != b.String() {
		t.Errorf("equal descriptors print differently: %q vs %q", a, b)
	}
	if (Instrumentation{Name: "builtin"}).String() != "builtin" {
		t.Error("options-free descriptor should print its name")
	}
}
