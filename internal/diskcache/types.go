package diskcache

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// ErrUnsupportedType is returned by Save for values whose Go type cannot be
// rebuilt on load.
var ErrUnsupportedType = errors.New("unsupported type")

// typeDesc records the Go type of a typed value. Unnamed slices, arrays,
// maps and pointers are described structurally; named types go by their
// registered name.
type typeDesc struct {
	Kind string    `msgpack:"k"`
	Name string    `msgpack:"n,omitempty"`
	Len  int       `msgpack:"l,omitempty"`
	Key  *typeDesc `msgpack:"key,omitempty"`
	Elem *typeDesc `msgpack:"elem,omitempty"`
}

const (
	kindNamed = "named"
	kindSlice = "slice"
	kindArray = "array"
	kindMap   = "map"
	kindPtr   = "ptr"
)

var basicTypes = map[string]reflect.Type{}

func init() {
	for _, v := range []any{
		false, "", int(0), int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0), float32(0), float64(0),
	} {
		t := reflect.TypeOf(v)
		basicTypes[t.Name()] = t
	}
	RegisterType("time.Duration", time.Duration(0))
}

var registry = struct {
	sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}{byName: map[string]reflect.Type{}, byType: map[reflect.Type]string{}}

// RegisterType makes results of the prototype's type storable under name,
// typically the qualified Go type name. Fields are matched by name on load
// and unexported fields are not stored. It panics if name or the type is
// already registered differently.
func RegisterType(name string, prototype any) {
	t := reflect.TypeOf(prototype)
	if name == "" || t == nil {
		panic("diskcache: RegisterType needs a name and a non-nil prototype")
	}
	registry.Lock()
	defer registry.Unlock()
	if prev, ok := registry.byName[name]; ok && prev != t {
		panic(fmt.Sprintf("diskcache: name %q already registered for %s", name, prev))
	}
	if prev, ok := registry.byType[t]; ok && prev != name {
		panic(fmt.Sprintf("diskcache: %s already registered as %q", t, prev))
	}
	registry.byName[name] = t
	registry.byType[t] = name
}

// generic reports whether v decodes back to itself, after normalization,
// without type information.
func generic(v any) bool {
	switch x := v.(type) {
	case nil, bool, string, []byte, time.Time,
		int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case *params.Tree:
		return true
	case []any:
		for _, e := range x {
			if !generic(e) {
				return false
			}
		}
		return true
	case map[string]any:
		for _, e := range x {
			if !generic(e) {
				return false
			}
		}
		return true
	}
	return false
}

// plain replaces nested trees by maps so they encode by content.
func plain(v any) any {
	switch x := v.(type) {
	case *params.Tree:
		return x.ToMap()
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = plain(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = plain(e)
		}
		return out
	}
	return v
}

func describe(t reflect.Type) (*typeDesc, error) {
	registry.RLock()
	name, ok := registry.byType[t]
	registry.RUnlock()
	if ok {
		return &typeDesc{Kind: kindNamed, Name: name}, nil
	}
	if t.Name() != "" {
		if basicTypes[t.Name()] == t {
			return &typeDesc{Kind: t.Name()}, nil
		}
		return nil, fmt.Errorf("%w: %s is not registered", ErrUnsupportedType, t)
	}

	var err error
	d := &typeDesc{}
	switch t.Kind() {
	case reflect.Slice:
		d.Kind = kindSlice
		d.Elem, err = describe(t.Elem())
	case reflect.Array:
		d.Kind, d.Len = kindArray, t.Len()
		d.Elem, err = describe(t.Elem())
	case reflect.Pointer:
		d.Kind = kindPtr
		d.Elem, err = describe(t.Elem())
	case reflect.Map:
		d.Kind = kindMap
		if d.Key, err = describe(t.Key()); err == nil {
			d.Elem, err = describe(t.Elem())
		}
	default:
		// Interfaces inside typed values would decode without their types.
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (d *typeDesc) build() (reflect.Type, error) {
	if d == nil {
		return nil, errors.New("missing type")
	}
	switch d.Kind {
	case kindNamed:
		registry.RLock()
		t, ok := registry.byName[d.Name]
		registry.RUnlock()
		if !ok {
			return nil, fmt.Errorf("type %q is not registered", d.Name)
		}
		return t, nil
	case kindSlice, kindArray, kindPtr:
		elem, err := d.Elem.build()
		if err != nil {
			return nil, err
		}
		switch d.Kind {
		case kindSlice:
			return reflect.SliceOf(elem), nil
		case kindArray:
			return reflect.ArrayOf(d.Len, elem), nil
		}
		return reflect.PointerTo(elem), nil
	case kindMap:
		key, err := d.Key.build()
		if err != nil {
			return nil, err
		}
		elem, err := d.Elem.build()
		if err != nil {
			return nil, err
		}
		return reflect.MapOf(key, elem), nil
	}
	if t, ok := basicTypes[d.Kind]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown type kind %q", d.Kind)
}
