package pmodule

import (
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// Registry maps module names to their definitions. It is populated first
// and frozen when a resolver session is created.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
	frozen  bool
}

// NewRegistry creates an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Register validates and adds spec. A definition is identified by
// spec.Source, defaulting to the caller's file and line, together with its
// New or Run function: registering the same definition twice is a no-op,
// while a different definition under a taken name is a *ConflictError.
func (r *Registry) Register(spec Spec) error {
	return r.register(spec, 2)
}

// MustRegister is Register that panics on error, for use in init code.
func (r *Registry) MustRegister(spec Spec) {
	if err := r.register(spec, 2); err != nil {
		panic(err)
	}
}

func (r *Registry) register(spec Spec, skip int) error {
	if spec.Source == "" {
		if _, file, line, ok := runtime.Caller(skip); ok {
			spec.Source = fmt.Sprintf("%s:%d", file, line)
		}
	}
	m, err := compile(spec)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("register %q: %w", m.name, ErrRegistryFrozen)
	}
	if existing, ok := r.modules[m.name]; ok {
		if existing.identity() == m.identity() {
			return nil
		}
		return &ConflictError{Name: m.name, Existing: existing.identity(), Incoming: m.identity()}
	}
	r.modules[m.name] = m
	return nil
}

// Lookup returns the module registered under name.
func (r *Registry) Lookup(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[NormalizeName(name)]
	return m, ok
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for n := range r.modules {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Freeze rejects further registrations.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze was called.
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// DefaultTree collects every module's Defaults under its name.
func (r *Registry) DefaultTree() (*params.Tree, error) {
	t := params.New()
	for _, name := range r.Names() {
		m, _ := r.Lookup(name)
		if len(m.defaults) == 0 {
			continue
		}
		branch, err := params.FromMap(m.defaults)
		if err != nil {
			return nil, fmt.Errorf("defaults of %q: %w", name, err)
		}
		if err := t.Set(name, branch); err != nil {
			return nil, err
		}
	}
	return t, nil
}
