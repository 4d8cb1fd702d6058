package commandbus

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	cborEncMode = mustEncMode(cbor.CoreDetEncOptions())
	cborDecMode = mustDecMode(cbor.DecOptions{})
)

// SerializedObject is a value in transportable form, tagged with its registered type name.
// The zero value represents nil.
type SerializedObject struct {
	Type string `cbor:"1,keyasint,omitempty"`
	Data []byte `cbor:"2,keyasint,omitempty"`
}

// Serializer converts command payloads, return values and failure causes to and from bytes.
type Serializer interface {
	Serialize(v any) (SerializedObject, error)
	Deserialize(obj SerializedObject) (any, error)
}

// CBORSerializer is a Serializer backed by CBOR and an explicit type registry.
// Members exchanging commands must register the same names for the same types.
type CBORSerializer struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewCBORSerializer returns a serializer with the builtin scalar types and
// RemoteCommandError registered.
func NewCBORSerializer() *CBORSerializer {
	var s = &CBORSerializer{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}

	var builtins = map[string]any{
		"string":               "",
		"bool":                 false,
		"int":                  int(0),
		"int64":                int64(0),
		"uint64":               uint64(0),
		"float64":              float64(0),
		"bytes":                []byte(nil),
		"strings":              []string(nil),
		"remote-command-error": &RemoteCommandError{},
	}
	for name, prototype := range builtins {
		s.mustRegister(name, prototype)
	}

	return s
}

// Register binds name to the dynamic type of prototype.
// Pointer prototypes deserialize to pointers, value prototypes to values.
func (s *CBORSerializer) Register(name string, prototype any) error {
	if name == "" {
		return errors.New("type name cannot be empty")
	}
	if prototype == nil {
		return errors.New("prototype cannot be nil")
	}

	var t = reflect.TypeOf(prototype)

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byName[name]; ok && existing != t {
		return fmt.Errorf("type name %q is already registered for %s", name, existing)
	}
	if existing, ok := s.byType[t]; ok && existing != name {
		return fmt.Errorf("type %s is already registered as %q", t, existing)
	}

	s.byName[name] = t
	s.byType[t] = name
	return nil
}

// Serialize encodes v. A nil value yields the zero SerializedObject.
func (s *CBORSerializer) Serialize(v any) (SerializedObject, error) {
	if v == nil {
		return SerializedObject{}, nil
	}

	s.mu.RLock()
	var name, ok = s.byType[reflect.TypeOf(v)]
	s.mu.RUnlock()
	if !ok {
		return SerializedObject{}, fmt.Errorf("%w: %T", ErrUnknownType, v)
	}

	var data, err = cborEncMode.Marshal(v)
	if err != nil {
		return SerializedObject{}, fmt.Errorf("failed to serialize %s: %w", name, err)
	}

	return SerializedObject{Type: name, Data: data}, nil
}

// Deserialize decodes obj into a new value of its registered type.
func (s *CBORSerializer) Deserialize(obj SerializedObject) (any, error) {
	if obj.Type == "" {
		return nil, nil
	}

	s.mu.RLock()
	var t, ok = s.byName[obj.Type]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, obj.Type)
	}

	var ptr = reflect.New(t)
	if err := cborDecMode.Unmarshal(obj.Data, ptr.Interface()); err != nil {
		return nil, fmt.Errorf("failed to deserialize %s: %w", obj.Type, err)
	}

	return ptr.Elem().Interface(), nil
}

func (s *CBORSerializer) mustRegister(name string, prototype any) {
	if err := s.Register(name, prototype); err != nil {
		panic(err)
	}
}

func mustEncMode(opts cbor.EncOptions) cbor.EncMode {
	var em, err = opts.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

func mustDecMode(opts cbor.DecOptions) cbor.DecMode {
	var dm, err = opts.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}
