// Package params implements the hierarchical parameter tree that drives
// module configuration and cache-key derivation.
package params

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrFrozen is returned when writing to a frozen tree.
var ErrFrozen = errors.New("parameter tree is frozen")

// Tree is a mapping from names to leaf values or nested branches. Paths
// address nested entries with dots, e.g. "data.x".
//
// A frozen tree is immutable and memoizes its hash. Leaf values are shared
// between copies and must be treated as immutable by callers.
type Tree struct {
	values map[string]any
	frozen bool

	hashOnce sync.Once
	hash     string
}

// New returns an empty, unfrozen tree.
func New() *Tree {
	return &Tree{values: make(map[string]any)}
}

// FromMap builds a tree from nested maps. Nested map[string]any values
// become branches.
func FromMap(m map[string]any) (*Tree, error) {
	t := New()
	for k, v := range m {
		if err := t.Set(k, v); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func splitPath(path string) ([]string, error) {
	if path == "" {
		return nil, errors.New("empty parameter path")
	}
	parts := strings.Split(path, ".")
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("invalid parameter path %q", path)
		}
	}
	return parts, nil
}

// prepare converts a value into the form stored in a tree.
func prepare(v any) (any, error) {
	switch x := v.(type) {
	case *Tree:
		if x == nil {
			return nil, nil
		}
		return x.Copy(), nil
	case map[string]any:
		return FromMap(x)
	default:
		return Normalize(v), nil
	}
}

// Set stores v at path, creating intermediate branches as needed.
func (t *Tree) Set(path string, v any) error {
	if t.frozen {
		return fmt.Errorf("set %q: %w", path, ErrFrozen)
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	node := t
	for i, p := range parts[:len(parts)-1] {
		child, ok := node.values[p]
		if !ok {
			b := New()
			node.values[p] = b
			node = b
			continue
		}
		b, ok := child.(*Tree)
		if !ok {
			return fmt.Errorf("set %q: %q is a leaf value", path, strings.Join(parts[:i+1], "."))
		}
		node = b
	}
	val, err := prepare(v)
	if err != nil {
		return fmt.Errorf("set %q: %w", path, err)
	}
	node.values[parts[len(parts)-1]] = val
	return nil
}

// Get returns the value at path, which may be a *Tree branch.
func (t *Tree) Get(path string) (any, bool) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, false
	}
	var cur any = t
	for _, p := range parts {
		b, ok := cur.(*Tree)
		if !ok || b == nil {
			return nil, false
		}
		cur, ok = b.values[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether path exists.
func (t *Tree) Has(path string) bool {
	_, ok := t.Get(path)
	return ok
}

// Branch returns the branch at path.
func (t *Tree) Branch(path string) (*Tree, bool) {
	v, ok := t.Get(path)
	if !ok {
		return nil, false
	}
	b, ok := v.(*Tree)
	return b, ok
}

// MakeBranch returns the branch at path, creating it if absent.
func (t *Tree) MakeBranch(path string) (*Tree, error) {
	if b, ok := t.Branch(path); ok {
		return b, nil
	}
	if t.Has(path) {
		return nil, fmt.Errorf("make branch %q: path holds a leaf value", path)
	}
	if err := t.Set(path, New()); err != nil {
		return nil, err
	}
	b, _ := t.Branch(path)
	return b, nil
}

// Delete removes path. Deleting a missing path is not an error.
func (t *Tree) Delete(path string) error {
	if t.frozen {
		return fmt.Errorf("delete %q: %w", path, ErrFrozen)
	}
	parts, err := splitPath(path)
	if err != nil {
		return err
	}
	node := t
	if len(parts) > 1 {
		b, ok := t.Branch(strings.Join(parts[:len(parts)-1], "."))
		if !ok {
			return nil
		}
		node = b
	}
	delete(node.values, parts[len(parts)-1])
	return nil
}

// Update overlays other onto t. Branches present in both are merged
// recursively; everything else in other replaces the value in t.
func (t *Tree) Update(other *Tree) error {
	if other == nil {
		return nil
	}
	if t.frozen {
		return fmt.Errorf("update: %w", ErrFrozen)
	}
	for k, v := range other.values {
		ob, isBranch := v.(*Tree)
		if isBranch {
			if tb, ok := t.values[k].(*Tree); ok {
				if err := tb.Update(ob); err != nil {
					return err
				}
				continue
			}
		}
		val, err := prepare(v)
		if err != nil {
			return err
		}
		t.values[k] = val
	}
	return nil
}

// Copy returns an unfrozen deep copy of the branch structure.
func (t *Tree) Copy() *Tree {
	c := &Tree{values: make(map[string]any, len(t.values))}
	for k, v := range t.values {
		if b, ok := v.(*Tree); ok {
			c.values[k] = b.Copy()
			continue
		}
		c.values[k] = v
	}
	return c
}

// Freeze makes t and all of its branches immutable.
func (t *Tree) Freeze() {
	if t.frozen {
		return
	}
	t.frozen = true
	for _, v := range t.values {
		if b, ok := v.(*Tree); ok {
			b.Freeze()
		}
	}
}

// Frozen reports whether t is immutable.
func (t *Tree) Frozen() bool { return t.frozen }

// Len returns the number of top-level entries.
func (t *Tree) Len() int { return len(t.values) }

// Keys returns the sorted top-level names.
func (t *Tree) Keys() []string {
	keys := make([]string, 0, len(t.values))
	for k := range t.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Walk calls fn for every leaf in sorted depth-first order.
func (t *Tree) Walk(fn func(path string, v any)) {
	t.walk("", fn)
}

func (t *Tree) walk(prefix string, fn func(string, any)) {
	for _, k := range t.Keys() {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if b, ok := t.values[k].(*Tree); ok {
			b.walk(path, fn)
			continue
		}
		fn(path, t.values[k])
	}
}

// ToMap converts t into nested maps.
func (t *Tree) ToMap() map[string]any {
	m := make(map[string]any, len(t.values))
	for k, v := range t.values {
		if b, ok := v.(*Tree); ok {
			m[k] = b.ToMap()
			continue
		}
		m[k] = v
	}
	return m
}

// Equal reports whether both trees have the same content.
func (t *Tree) Equal(other *Tree) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.Hash() == other.Hash()
}

// GetInt returns the integer at path.
func (t *Tree) GetInt(path string) (int64, bool) {
	v, ok := t.Get(path)
	if !ok {
		return 0, false
	}
	i, ok := v.(int64)
	return i, ok
}

// GetFloat returns the number at path as a float64.
func (t *Tree) GetFloat(path string) (float64, bool) {
	v, ok := t.Get(path)
	if !ok {
		return 0, false
	}
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	}
	return 0, false
}

// GetString returns the string at path.
func (t *Tree) GetString(path string) (string, bool) {
	v, ok := t.Get(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetBool returns the boolean at path.
func (t *Tree) GetBool(path string) (bool, bool) {
	v, ok := t.Get(path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// MarshalJSON encodes the tree as a nested JSON object.
func (t *Tree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.ToMap())
}

func (t *Tree) String() string {
	var sb strings.Builder
	t.format(&sb)
	return sb.String()
}

func (t *Tree) format(sb *strings.Builder) {
	sb.WriteByte('{')
	for i, k := range t.Keys() {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(k)
		sb.WriteString(": ")
		if b, ok := t.values[k].(*Tree); ok {
			b.format(sb)
			continue
		}
		fmt.Fprintf(sb, "%v", t.values[k])
	}
	sb.WriteByte('}')
}
