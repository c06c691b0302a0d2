package pmodule

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// Level is the access level a requester needs from a dependency.
type Level int

const (
	LevelParameters Level = iota
	LevelResults
	LevelModule
)

func (l Level) String() string {
	switch l {
	case LevelParameters:
		return "parameters"
	case LevelResults:
		return "results"
	case LevelModule:
		return "module"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// Container is a write-once cached value slot.
type Container interface {
	Loaded() bool
	Value() (any, bool)
	Set(v any) error
	Key() string
}

// CacheRequest identifies a cached object relative to the calling module.
type CacheRequest struct {
	Name               string
	Key                string
	IgnoreModule       bool
	IgnoreLocal        bool
	IgnoreDependencies bool
	DiskWritable       bool
	Persistent         bool
}

// Host is implemented by the resolver node that owns a module instance.
type Host interface {
	Request(ctx context.Context, level Level, dep Dependency) (any, error)
	Container(req CacheRequest) (Container, error)
}

// CacheOption adjusts a CacheRequest.
type CacheOption func(*CacheRequest)

// WithKey qualifies the object with a hash of items.
func WithKey(items ...any) CacheOption {
	return func(r *CacheRequest) { r.Key = params.ItemHash(items...) }
}

// IgnoreModule shares the object across modules.
func IgnoreModule() CacheOption {
	return func(r *CacheRequest) { r.IgnoreModule = true }
}

// IgnoreLocal drops the module's own parameters from the object identity.
func IgnoreLocal() CacheOption {
	return func(r *CacheRequest) { r.IgnoreLocal = true }
}

// IgnoreDependencies drops the dependency key from the object identity.
func IgnoreDependencies() CacheOption {
	return func(r *CacheRequest) { r.IgnoreDependencies = true }
}

// NoDisk keeps the object in memory only.
func NoDisk() CacheOption {
	return func(r *CacheRequest) { r.DiskWritable = false }
}

// NonPersistent marks a scratch object: storing a new value under the same
// module and name evicts the previous one.
func NonPersistent() CacheOption {
	return func(r *CacheRequest) { r.Persistent = false }
}

// Env is what a module sees while it is constructed and run. Its methods
// must be called from the goroutine running the module.
type Env struct {
	// Name is the module name.
	Name string
	// P is the module's own, preprocessed parameter branch.
	P *params.Tree
	// Parameters holds P under Name and every exposed parameter
	// dependency under its load name.
	Parameters *params.Tree
	Results    map[string]any
	Modules    map[string]Instance
	Log        *slog.Logger

	host Host
}

// NewEnv is used by the resolver to build the environment of an instance.
func NewEnv(host Host, name string, local, parameters *params.Tree, results map[string]any, modules map[string]Instance, log *slog.Logger) *Env {
	if log == nil {
		log = slog.Default()
	}
	return &Env{
		Name:       name,
		P:          local,
		Parameters: parameters,
		Results:    results,
		Modules:    modules,
		Log:        log,
		host:       host,
	}
}

func asDependency(dep any) (Dependency, error) {
	switch d := dep.(type) {
	case string:
		return Direct{Name: d}, nil
	case Dependency:
		return d, nil
	}
	return nil, fmt.Errorf("expected a module name or Dependency, got %T", dep)
}

// GetResults returns the result of dep, a name or Dependency, resolved
// against this module's parameter tree.
func (e *Env) GetResults(ctx context.Context, dep any) (any, error) {
	d, err := asDependency(dep)
	if err != nil {
		return nil, err
	}
	return e.host.Request(ctx, LevelResults, d)
}

// GetModule returns a live instance of dep.
func (e *Env) GetModule(ctx context.Context, dep any) (Instance, error) {
	d, err := asDependency(dep)
	if err != nil {
		return nil, err
	}
	v, err := e.host.Request(ctx, LevelModule, d)
	if err != nil {
		return nil, err
	}
	return v.(Instance), nil
}

// GetParameters returns the parameter value (usually a branch) of dep.
func (e *Env) GetParameters(ctx context.Context, dep any) (any, error) {
	d, err := asDependency(dep)
	if err != nil {
		return nil, err
	}
	return e.host.Request(ctx, LevelParameters, d)
}

func (e *Env) container(name string, opts []CacheOption) (Container, error) {
	req := CacheRequest{Name: name, DiskWritable: true, Persistent: true}
	for _, o := range opts {
		o(&req)
	}
	return e.host.Container(req)
}

// InCache reports whether the named object is available.
func (e *Env) InCache(name string, opts ...CacheOption) (bool, error) {
	c, err := e.container(name, opts)
	if err != nil {
		return false, err
	}
	return c.Loaded(), nil
}

// LoadFromCache returns the named object, calling create and caching its
// value on a miss. With a nil create a miss returns ErrNotCached.
func (e *Env) LoadFromCache(name string, create func() (any, error), opts ...CacheOption) (any, error) {
	c, err := e.container(name, opts)
	if err != nil {
		return nil, err
	}
	if v, ok := c.Value(); ok {
		return v, nil
	}
	if create == nil {
		return nil, ErrNotCached
	}
	v, err := create()
	if err != nil {
		return nil, err
	}
	v = params.Normalize(v)
	if err := c.Set(v); err != nil {
		return nil, err
	}
	return v, nil
}

// SaveToCache stores obj under name. Each object can be saved once.
func (e *Env) SaveToCache(name string, obj any, opts ...CacheOption) error {
	c, err := e.container(name, opts)
	if err != nil {
		return err
	}
	return c.Set(params.Normalize(obj))
}

// Key returns the identity string of the named object.
func (e *Env) Key(name string, opts ...CacheOption) (string, error) {
	c, err := e.container(name, opts)
	if err != nil {
		return "", err
	}
	return c.Key(), nil
}
