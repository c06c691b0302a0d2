package params

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// KeyLength is the number of hex characters in every derived key.
const KeyLength = 16

// Hasher lets a leaf value supply its own stable identity.
type Hasher interface {
	TreeHash() string
}

// Hash returns the content hash of the tree. Map order never affects it.
func (t *Tree) Hash() string {
	if !t.frozen {
		return t.computeHash()
	}
	t.hashOnce.Do(func() { t.hash = t.computeHash() })
	return t.hash
}

// TreeHash implements Hasher so nested trees contribute their own hash.
func (t *Tree) TreeHash() string { return t.Hash() }

func (t *Tree) computeHash() string {
	h := sha256.New()
	e := encoder{w: h}
	e.tree(t)
	return digest(h)
}

// HashOf returns the hash of the value stored at path, qualified by the
// path itself. A missing path hashes to a distinct, stable value.
func (t *Tree) HashOf(path string) string {
	h := sha256.New()
	e := encoder{w: h}
	e.str('p', path)
	if v, ok := t.Get(path); ok {
		e.value(v)
	} else {
		e.tag('-')
	}
	return digest(h)
}

// ItemHash returns a stable hash of arbitrary values, using the same
// canonical encoding as trees.
func ItemHash(items ...any) string {
	h := sha256.New()
	e := encoder{w: h}
	e.length('a', len(items))
	for _, it := range items {
		e.value(it)
	}
	return digest(h)
}

// Combine hashes an ordered list of strings, each length-prefixed.
func Combine(parts ...string) string {
	h := sha256.New()
	e := encoder{w: h}
	e.length('c', len(parts))
	for _, p := range parts {
		e.str('s', p)
	}
	return digest(h)
}

func digest(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))[:KeyLength]
}

// encoder writes a type-tagged, length-prefixed canonical form.
type encoder struct {
	w io.Writer
}

func (e encoder) tag(b byte) {
	_, _ = e.w.Write([]byte{b})
}

func (e encoder) length(tag byte, n int) {
	e.tag(tag)
	_, _ = io.WriteString(e.w, strconv.Itoa(n))
	e.tag(':')
}

func (e encoder) str(tag byte, s string) {
	e.length(tag, len(s))
	_, _ = io.WriteString(e.w, s)
}

func (e encoder) int(i int64) {
	e.str('i', strconv.FormatInt(i, 10))
}

func (e encoder) uint(u uint64) {
	if u <= math.MaxInt64 {
		e.int(int64(u))
		return
	}
	e.str('u', strconv.FormatUint(u, 10))
}

func (e encoder) float(f float64) {
	e.str('f', strconv.FormatFloat(f, 'g', -1, 64))
}

func (e encoder) tree(t *Tree) {
	keys := t.Keys()
	e.length('t', len(keys))
	for _, k := range keys {
		e.str('k', k)
		e.value(t.values[k])
	}
}

func (e encoder) value(v any) {
	switch x := v.(type) {
	case nil:
		e.tag('n')
	case *Tree:
		if x == nil {
			e.tag('n')
			return
		}
		e.str('t', x.Hash())
	case Hasher:
		e.str('h', x.TreeHash())
	case bool:
		if x {
			e.str('b', "1")
		} else {
			e.str('b', "0")
		}
	case string:
		e.str('s', x)
	case []byte:
		e.str('y', string(x))
	case time.Time:
		e.str('T', x.UTC().Format(time.RFC3339Nano))
	case int:
		e.int(int64(x))
	case int8:
		e.int(int64(x))
	case int16:
		e.int(int64(x))
	case int32:
		e.int(int64(x))
	case int64:
		e.int(x)
	case uint:
		e.uint(uint64(x))
	case uint8:
		e.uint(uint64(x))
	case uint16:
		e.uint(uint64(x))
	case uint32:
		e.uint(uint64(x))
	case uint64:
		e.uint(x)
	case float32:
		e.float(float64(x))
	case float64:
		e.float(x)
	default:
		e.reflect(reflect.ValueOf(v))
	}
}

func (e encoder) reflect(rv reflect.Value) {
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			e.tag('n')
			return
		}
		e.value(rv.Elem().Interface())
	case reflect.Bool:
		e.value(rv.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.int(rv.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		e.uint(rv.Uint())
	case reflect.Float32, reflect.Float64:
		e.float(rv.Float())
	case reflect.Complex64, reflect.Complex128:
		e.str('z', strconv.FormatComplex(rv.Complex(), 'g', -1, 128))
	case reflect.String:
		e.str('s', rv.String())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			e.tag('n')
			return
		}
		e.length('l', rv.Len())
		for i := 0; i < rv.Len(); i++ {
			e.value(rv.Index(i).Interface())
		}
	case reflect.Map:
		e.mapValue(rv)
	case reflect.Struct:
		e.structValue(rv)
	default:
		e.str('x', rv.Type().String())
	}
}

// mapValue encodes entries sorted by the canonical form of their keys.
func (e encoder) mapValue(rv reflect.Value) {
	type entry struct {
		key []byte
		val any
	}
	entries := make([]entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		var buf bytes.Buffer
		encoder{w: &buf}.value(iter.Key().Interface())
		entries = append(entries, entry{key: buf.Bytes(), val: iter.Value().Interface()})
	}
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].key, entries[j].key) < 0
	})
	e.length('m', len(entries))
	for _, en := range entries {
		_, _ = e.w.Write(en.key)
		e.value(en.val)
	}
}

func (e encoder) structValue(rv reflect.Value) {
	rt := rv.Type()
	e.str('r', rt.String())
	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		if !f.IsExported() {
			continue
		}
		e.str('k', f.Name)
		e.value(rv.Field(i).Interface())
	}
	e.tag(';')
}
