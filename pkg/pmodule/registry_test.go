package pmodule

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoytak/lazyrunner/pkg/params"
)

func runConst(v any) RunFunc {
	return func(context.Context, *Env) (any, error) { return v, nil }
}

func registerData(r *Registry) error {
	return r.Register(Spec{Name: "Data", Version: 0.01, Run: runConst(1)})
}

func TestRegisterSameSourceIsNoop(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, registerData(r))
	require.NoError(t, registerData(r))

	m, ok := r.Lookup("data")
	require.True(t, ok)
	assert.Equal(t, "data", m.Name())
	assert.Equal(t, 0.01, m.Version())
	assert.Contains(t, m.Source(), "registry_test.go")
	assert.Equal(t, []string{"data"}, r.Names())
}

func TestRegisterConflict(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, registerData(r))

	err := r.Register(Spec{Name: "data", Run: runConst(2)})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "data", ce.Name)
	assert.NotEqual(t, ce.Existing, ce.Incoming)
}

func TestRegisterExplicitSource(t *testing.T) {
	r := NewRegistry()
	spec := Spec{Name: "m", Source: "pkg/m.go", Run: runConst(1)}
	require.NoError(t, r.Register(spec))
	require.NoError(t, r.Register(spec))

	spec.Source = "other/m.go"
	assert.Error(t, r.Register(spec))
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		spec Spec
	}{
		{"empty name", Spec{Name: "  ", Run: runConst(1)}},
		{"dotted name", Spec{Name: "a.b", Run: runConst(1)}},
		{"no behavior", Spec{Name: "m"}},
		{"bad dependency type", Spec{Name: "m", Run: runConst(1), ResultDependencies: 42}},
		{"bad list element", Spec{Name: "m", Run: runConst(1), ParameterDependencies: []any{"a", 3.5}}},
		{"bad function signature", Spec{Name: "m", Run: runConst(1), ModuleDependencies: func(int) []string { return nil }}},
		{"bad flag", Spec{Name: "m", Run: runConst(1), DisableCaching: "yes"}},
		{"bad preprocess", Spec{Name: "m", Run: runConst(1), Preprocess: func() {}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.spec)
			var ce *ConfigError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestRegisterAfterFreeze(t *testing.T) {
	r := NewRegistry()
	r.Freeze()
	assert.True(t, r.Frozen())
	assert.ErrorIs(t, registerData(r), ErrRegistryFrozen)
}

func TestMustRegisterPanics(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() { r.MustRegister(Spec{Name: "m"}) })
}

func TestDefaultTree(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{
		Name:     "data",
		Run:      runConst(1),
		Defaults: map[string]any{"x": 1, "nested": map[string]any{"y": 2}},
	}))
	require.NoError(t, r.Register(Spec{Name: "bare", Run: runConst(1)}))

	tr, err := r.DefaultTree()
	require.NoError(t, err)
	x, _ := tr.GetInt("data.x")
	y, _ := tr.GetInt("data.nested.y")
	assert.Equal(t, int64(1), x)
	assert.Equal(t, int64(2), y)
	assert.False(t, tr.Has("bare"))
}

func TestModuleFlagsAndPreprocess(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{
		Name: "m",
		Run:  runConst(1),
		DisableCaching: func(local *params.Tree) bool {
			v, _ := local.GetBool("skip")
			return v
		},
		DisableResultCaching: true,
		Preprocess: func(local *params.Tree) (*params.Tree, error) {
			c := local.Copy()
			return c, c.Delete("noise")
		},
	}))
	m, _ := r.Lookup("m")

	local, err := params.FromMap(map[string]any{"skip": true, "noise": 1})
	require.NoError(t, err)

	off, err := m.CachingDisabled(local, params.New())
	require.NoError(t, err)
	assert.True(t, off)

	off, err = m.ResultCachingDisabled(local, params.New())
	require.NoError(t, err)
	assert.True(t, off)

	trimmed, err := m.Preprocess(local, params.New())
	require.NoError(t, err)
	assert.False(t, trimmed.Has("noise"))
	assert.True(t, local.Has("noise"))
}

func TestNewInstanceFromRun(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{Name: "m", Run: func(_ context.Context, env *Env) (any, error) {
		return env.Name + "!", nil
	}}))
	m, _ := r.Lookup("m")
	inst, err := m.NewInstance(context.Background(), NewEnv(nil, "m", params.New(), params.New(), nil, nil, nil))
	require.NoError(t, err)
	v, err := inst.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m!", v)
}

func TestReportErrorPassesThrough(t *testing.T) {
	boom := errors.New("boom")
	r := NewRegistry()
	require.NoError(t, r.Register(Spec{
		Name:   "m",
		Run:    runConst(1),
		Report: func(_, _ *params.Tree, _ any) error { return boom },
	}))
	m, _ := r.Lookup("m")
	assert.Same(t, boom, m.Report(params.New(), params.New(), 1))
}

func registerShared(r *Registry, run RunFunc) error {
	return r.Register(Spec{Name: "shared", Run: run})
}

func TestSharedRegistrationLineWithDifferentFunctions(t *testing.T) {
	r := NewRegistry()
	first := func(context.Context, *Env) (any, error) { return 1, nil }
	second := func(context.Context, *Env) (any, error) { return 2, nil }
	require.NoError(t, registerShared(r, first))
	require.NoError(t, registerShared(r, first))

	err := registerShared(r, second)
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.NotEqual(t, ce.Existing, ce.Incoming)
	assert.Contains(t, ce.Existing, "registry_test.go")
}
