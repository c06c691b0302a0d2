// Package pmodule defines processing modules: their registration, their
// dependency declarations and the API a running module uses to reach its
// dependencies and caches.
package pmodule

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"strings"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// Instance is a constructed module ready to compute its result.
type Instance interface {
	Run(ctx context.Context) (any, error)
}

// Destroyer is implemented by instances that hold resources to release
// once no requester needs the module any more.
type Destroyer interface {
	Destroy()
}

// Factory constructs a module instance. It plays the role of a setup hook:
// it runs after all dependencies are available and before Run.
type Factory func(ctx context.Context, env *Env) (Instance, error)

// RunFunc computes a result for stateless modules.
type RunFunc func(ctx context.Context, env *Env) (any, error)

// ReportFunc is called once per distinct result identity, whether the
// result was computed or loaded from a cache.
type ReportFunc func(global, local *params.Tree, result any) error

// Spec declares a module. Dependency fields accept a name, a Dependency,
// a list of those, or a function of zero, one (own branch) or two (own
// branch, enclosing tree) *params.Tree arguments returning (any, error).
//
// DisableCaching and DisableResultCaching accept a bool or a predicate of
// the same three shapes returning bool or (bool, error). Predicates see the
// module's own branch and the dependency parameter tree.
//
// Preprocess accepts func(local) or func(local, global) returning
// (*params.Tree, error); it trims the branch before it is hashed.
type Spec struct {
	Name     string
	Version  any
	Source   string
	Defaults map[string]any

	ParameterDependencies any
	ResultDependencies    any
	ModuleDependencies    any

	DisableCaching       any
	DisableResultCaching any
	Preprocess           any

	New    Factory
	Run    RunFunc
	Report ReportFunc
}

// Module is a validated, registered Spec.
type Module struct {
	name     string
	source   string
	entry    string
	version  any
	defaults map[string]any

	deps                 [3]declaration
	disableCaching       flag
	disableResultCaching flag
	preprocess           preprocessor
	factory              Factory
	report               ReportFunc
}

// entryName names the function behind the module's behavior, New when set
// and Run otherwise.
func entryName(spec Spec) string {
	var fn any
	switch {
	case spec.New != nil:
		fn = spec.New
	case spec.Run != nil:
		fn = spec.Run
	default:
		return ""
	}
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return ""
}

// identity distinguishes definitions: the registration location plus the
// entry function, so one helper line registering different functions is
// not mistaken for a repeat.
func (m *Module) identity() string {
	if m.entry == "" {
		return m.source
	}
	return m.source + " (" + m.entry + ")"
}

var depFields = [3]string{
	LevelParameters: "ParameterDependencies",
	LevelResults:    "ResultDependencies",
	LevelModule:     "ModuleDependencies",
}

func compile(spec Spec) (*Module, error) {
	name := NormalizeName(spec.Name)
	if name == "" {
		return nil, &ConfigError{Module: spec.Name, Msg: "empty module name"}
	}
	if strings.Contains(name, ".") {
		return nil, &ConfigError{Module: name, Msg: "module names cannot contain dots"}
	}
	m := &Module{
		name:     name,
		source:   spec.Source,
		entry:    entryName(spec),
		version:  spec.Version,
		defaults: spec.Defaults,
		report:   spec.Report,
	}

	var err error
	for lvl, v := range [3]any{spec.ParameterDependencies, spec.ResultDependencies, spec.ModuleDependencies} {
		if m.deps[lvl], err = newDeclaration(name, depFields[lvl], v); err != nil {
			return nil, err
		}
	}
	if m.disableCaching, err = newFlag(name, "DisableCaching", spec.DisableCaching); err != nil {
		return nil, err
	}
	if m.disableResultCaching, err = newFlag(name, "DisableResultCaching", spec.DisableResultCaching); err != nil {
		return nil, err
	}
	if m.preprocess, err = newPreprocessor(name, spec.Preprocess); err != nil {
		return nil, err
	}

	switch {
	case spec.New != nil:
		m.factory = spec.New
	case spec.Run != nil:
		run := spec.Run
		m.factory = func(_ context.Context, env *Env) (Instance, error) {
			return funcInstance{env: env, run: run}, nil
		}
	default:
		return nil, &ConfigError{Module: name, Msg: "one of New or Run is required"}
	}
	return m, nil
}

type funcInstance struct {
	env *Env
	run RunFunc
}

func (f funcInstance) Run(ctx context.Context) (any, error) { return f.run(ctx, f.env) }

// Name returns the lowercase module name.
func (m *Module) Name() string { return m.name }

// Version returns the cache-invalidation salt.
func (m *Module) Version() any { return m.version }

// Source returns the registration location.
func (m *Module) Source() string { return m.source }

// Arity reports the declared form of the dependency declaration at level.
func (m *Module) Arity(level Level) Arity { return m.deps[level].arity }

// Dependencies evaluates the declaration for level.
func (m *Module) Dependencies(level Level, local, global *params.Tree) ([]Dependency, error) {
	return m.deps[level].resolve(m.name, depFields[level], local, global)
}

// Preprocess trims the module's own branch before hashing.
func (m *Module) Preprocess(local, global *params.Tree) (*params.Tree, error) {
	return m.preprocess.apply(local, global)
}

// CachingDisabled evaluates DisableCaching.
func (m *Module) CachingDisabled(local, depTree *params.Tree) (bool, error) {
	return m.disableCaching.eval(local, depTree)
}

// ResultCachingDisabled evaluates DisableResultCaching.
func (m *Module) ResultCachingDisabled(local, depTree *params.Tree) (bool, error) {
	return m.disableResultCaching.eval(local, depTree)
}

// NewInstance constructs the module.
func (m *Module) NewInstance(ctx context.Context, env *Env) (Instance, error) {
	inst, err := m.factory(ctx, env)
	if err != nil {
		return nil, err
	}
	if inst == nil {
		return nil, fmt.Errorf("module %q: factory returned a nil instance", m.name)
	}
	return inst, nil
}

// Report invokes the result-reporting callback, if any.
func (m *Module) Report(global, local *params.Tree, result any) error {
	if m.report == nil {
		return nil
	}
	return m.report(global, local, result)
}
