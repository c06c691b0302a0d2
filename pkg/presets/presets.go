// Package presets holds named parameter-tree modifications that can be
// applied on the command line or by Delta and Preset dependencies.
package presets

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// Func modifies a parameter tree in place.
type Func func(t *params.Tree) error

type entry struct {
	fn          Func
	description string
}

// Table is a registry of named presets. It implements
// pmodule.PresetApplier.
type Table struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewTable returns an empty preset table.
func NewTable() *Table {
	return &Table{entries: make(map[string]entry)}
}

// Register adds a preset. Registering a name twice is an error.
func (p *Table) Register(name, description string, fn Func) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[name]; ok {
		return fmt.Errorf("preset %q already registered", name)
	}
	p.entries[name] = entry{fn: fn, description: description}
	return nil
}

// Set returns a preset that assigns values to paths.
func Set(values map[string]any) Func {
	return func(t *params.Tree) error {
		paths := make([]string, 0, len(values))
		for k := range values {
			paths = append(paths, k)
		}
		sort.Strings(paths)
		for _, path := range paths {
			if err := t.Set(path, values[path]); err != nil {
				return err
			}
		}
		return nil
	}
}

// ApplyPresets applies the named presets to t in order.
func (p *Table) ApplyPresets(t *params.Tree, names ...string) error {
	for _, name := range names {
		p.mu.RLock()
		e, ok := p.entries[name]
		p.mu.RUnlock()
		if !ok {
			return fmt.Errorf("unknown preset %q", name)
		}
		if err := e.fn(t); err != nil {
			return fmt.Errorf("preset %q: %w", name, err)
		}
	}
	return nil
}

// Describe returns name -> description for every preset.
func (p *Table) Describe() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.entries))
	for name, e := range p.entries {
		out[name] = e.description
	}
	return out
}
