package session

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// AttributeCodec turns attribute values into the bytes stored as entry
// fields. A value the codec cannot encode is not replicable.
type AttributeCodec interface {
	Name() string
	Encode(v interface{}) ([]byte, error)
	Decode(b []byte) (interface{}, error)
}

// NewCodec returns the codec registered under name.
func NewCodec(name string) (AttributeCodec, error) {
	switch name {
	case "gob", "":
		return GobCodec{}, nil
	case "json":
		return JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unknown attribute codec %q", name)
}

func init() {
	gob.Register(map[string]interface{}{})
	gob.Register([]interface{}{})
	gob.Register(time.Time{})
}

// gobValue boxes an attribute so gob records its concrete type.
type gobValue struct {
	V interface{}
}

// GobCodec preserves concrete Go types. Custom types must be registered with
// gob.Register on every node before they can be replicated.
type GobCodec struct{}

func (GobCodec) Name() string { return "gob" }

func (GobCodec) Encode(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(gobValue{V: v}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GobCodec) Decode(b []byte) (interface{}, error) {
	var out gobValue
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&out); err != nil {
		return nil, err
	}
	return out.V, nil
}

// JSONCodec stores attributes as JSON. Decoded values take their generic JSON
// shape: objects become map[string]interface{} and numbers json.Number.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Decode(b []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var out interface{}
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// isPrimitive reports whether v is immutable, so reading it cannot change
// session state.
func isPrimitive(v interface{}) bool {
	if v == nil {
		return true
	}
	switch v.(type) {
	case time.Time, time.Duration, json.Number:
		return true
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return true
	}
	return false
}

// sameValue compares attribute values without panicking on uncomparable
// types such as maps and slices.
func sameValue(a, b interface{}) bool {
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !vb.IsValid() {
		return !va.IsValid() && !vb.IsValid()
	}
	if va.Type() != vb.Type() {
		return false
	}
	if va.Kind() == reflect.Pointer {
		return va.Pointer() == vb.Pointer()
	}
	if va.Comparable() && vb.Comparable() {
		return va.Equal(vb)
	}
	return false
}

func typeName(v interface{}) string {
	if v == nil {
		return "nil"
	}
	return reflect.TypeOf(v).String()
}
