package protocol

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"reflect"
	"sync"
)

// Value is an encoded argument or result. Data is a gob stream of the type
// registered under Type. An empty Type is the nil value.
type Value struct {
	Type string
	Data []byte

	decoded  any
	resolved bool
}

// Resolved returns the decoded value if the codec already resolved it.
func (v Value) Resolved() (any, bool) {
	return v.decoded, v.resolved
}

// TypeResolver maps a registered type name to its Go type. The codec uses it
// to materialize result values while decoding a frame.
type TypeResolver interface {
	ResolveType(name string) (reflect.Type, error)
}

// UnknownTypeError is returned when a value names a type the resolver does
// not know.
type UnknownTypeError struct {
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown value type %q", e.Name)
}

// Registry is a TypeResolver that also encodes Go values into Values. The
// zero value is not usable; call NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewRegistry returns a registry with the builtin scalar, string and byte
// types already registered under their Go names.
func NewRegistry() *Registry {
	r := &Registry{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	for _, sample := range []any{
		false, int(0), int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0), "",
		[]byte(nil), []string(nil), []int(nil), []int64(nil), []float64(nil),
		map[string]string(nil), map[string]int(nil),
	} {
		t := reflect.TypeOf(sample)
		r.byName[t.String()] = t
		r.byType[t] = t.String()
	}
	return r
}

// Register makes the dynamic type of sample encodable under name.
// Re-registering the same pair is a no-op.
func (r *Registry) Register(name string, sample any) error {
	t := reflect.TypeOf(sample)
	if t == nil {
		return fmt.Errorf("cannot register nil sample under %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byName[name]; ok && existing != t {
		return fmt.Errorf("type name %q already registered for %s", name, existing)
	}
	r.byName[name] = t
	r.byType[t] = name
	return nil
}

func (r *Registry) ResolveType(name string) (reflect.Type, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byName[name]
	if !ok {
		return nil, &UnknownTypeError{Name: name}
	}
	return t, nil
}

// Encode converts v into a Value. The dynamic type of v must be registered.
func (r *Registry) Encode(v any) (Value, error) {
	if v == nil {
		return Value{}, nil
	}
	t := reflect.TypeOf(v)
	r.mu.RLock()
	name, ok := r.byType[t]
	r.mu.RUnlock()
	if !ok {
		return Value{}, fmt.Errorf("type %s is not registered", t)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return Value{}, fmt.Errorf("encoding %s: %w", name, err)
	}
	return Value{Type: name, Data: buf.Bytes(), decoded: v, resolved: true}, nil
}

// EncodeAll encodes each argument in order.
func (r *Registry) EncodeAll(args []any) ([]Value, error) {
	vals := make([]Value, len(args))
	for i, a := range args {
		v, err := r.Encode(a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		vals[i] = v
	}
	return vals, nil
}

// Decode returns the Go value held in v.
func (r *Registry) Decode(v Value) (any, error) {
	return DecodeValue(r, v)
}

// DecodeAll decodes each value in order.
func (r *Registry) DecodeAll(vals []Value) ([]any, error) {
	out := make([]any, len(vals))
	for i, v := range vals {
		d, err := r.Decode(v)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = d
	}
	return out, nil
}

// DecodeValue decodes v using resolver. Values already resolved by a codec
// are returned without decoding again.
func DecodeValue(resolver TypeResolver, v Value) (any, error) {
	if v.resolved {
		return v.decoded, nil
	}
	if v.Type == "" {
		return nil, nil
	}
	t, err := resolver.ResolveType(v.Type)
	if err != nil {
		return nil, err
	}
	ptr := reflect.New(t)
	if err := gob.NewDecoder(bytes.NewReader(v.Data)).Decode(ptr.Interface()); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", v.Type, err)
	}
	return ptr.Elem().Interface(), nil
}

func resolve(resolver TypeResolver, v *Value) error {
	d, err := DecodeValue(resolver, *v)
	if err != nil {
		return err
	}
	v.decoded = d
	v.resolved = true
	return nil
}
