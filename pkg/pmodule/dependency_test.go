package pmodule

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoytak/lazyrunner/pkg/params"
)

func TestDeclarationArity(t *testing.T) {
	tests := []struct {
		name string
		decl any
		want Arity
	}{
		{"string", "data", ArityStatic},
		{"list", []string{"a", "b"}, ArityStatic},
		{"nil", nil, ArityStatic},
		{"no args", func() (any, error) { return "a", nil }, Arity0},
		{"local", func(*params.Tree) (any, error) { return "a", nil }, Arity1},
		{"local and global", func(_, _ *params.Tree) (any, error) { return "a", nil }, Arity2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := newDeclaration("m", "ResultDependencies", tt.decl)
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.arity)
		})
	}
}

func TestDeclarationResolve(t *testing.T) {
	local, err := params.FromMap(map[string]any{"use": "beta"})
	require.NoError(t, err)
	global := params.New()
	require.NoError(t, global.Set("m", local))

	d, err := newDeclaration("m", "ResultDependencies", func(l, g *params.Tree) (any, error) {
		use, _ := l.GetString("use")
		assert.True(t, g.Has("m.use"))
		return []any{"Alpha", Direct{Name: use, As: "b"}}, nil
	})
	require.NoError(t, err)

	deps, err := d.resolve("m", "ResultDependencies", local, global)
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "alpha", deps[0].Target())
	assert.Equal(t, "alpha", deps[0].LoadName())
	assert.Equal(t, "beta", deps[1].Target())
	assert.Equal(t, "b", deps[1].LoadName())
}

func TestDeclarationUserErrorUnchanged(t *testing.T) {
	boom := errors.New("boom")
	d, err := newDeclaration("m", "ResultDependencies", func() (any, error) { return nil, boom })
	require.NoError(t, err)

	_, err = d.resolve("m", "ResultDependencies", params.New(), params.New())
	assert.Same(t, boom, err)
}

func TestDeclarationBadReturn(t *testing.T) {
	d, err := newDeclaration("m", "ResultDependencies", func() (any, error) { return 7, nil })
	require.NoError(t, err)

	_, err = d.resolve("m", "ResultDependencies", params.New(), params.New())
	var ce *ConfigError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "m", ce.Module)
}

func TestEmptyNamesDropped(t *testing.T) {
	deps, err := normalizeDeps("m", []string{"", " ", "x"})
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, "x", deps[0].Target())

	_, err = normalizeDeps("m", Direct{Name: ""})
	assert.Error(t, err)
}

type presetTable map[string]func(*params.Tree) error

func (p presetTable) ApplyPresets(t *params.Tree, names ...string) error {
	for _, n := range names {
		fn, ok := p[n]
		if !ok {
			return fmt.Errorf("unknown preset %q", n)
		}
		if err := fn(t); err != nil {
			return err
		}
	}
	return nil
}

func TestDirectParameters(t *testing.T) {
	base, err := params.FromMap(map[string]any{"data": map[string]any{"x": 1}})
	require.NoError(t, err)

	got, err := Direct{Name: "Data"}.Parameters(base, nil)
	require.NoError(t, err)
	assert.Same(t, base, got)
	assert.Equal(t, "data", Direct{Name: "Data"}.LoadName())
}

func TestDeltaParameters(t *testing.T) {
	base, err := params.FromMap(map[string]any{
		"data":  map[string]any{"x": 1, "y": 1},
		"scale": 1,
	})
	require.NoError(t, err)
	base.Freeze()

	presets := presetTable{
		"double": func(t *params.Tree) error { return t.Set("scale", 2) },
	}
	d := Delta{
		Name:    "data",
		Local:   map[string]any{"x": 10},
		Delta:   map[string]any{"data.y": 5, "extra": true},
		Presets: []string{"double"},
		As:      "alt",
	}
	got, err := d.Parameters(base, presets)
	require.NoError(t, err)

	x, _ := got.GetInt("data.x")
	y, _ := got.GetInt("data.y")
	scale, _ := got.GetInt("scale")
	assert.Equal(t, int64(10), x)
	assert.Equal(t, int64(5), y)
	assert.Equal(t, int64(2), scale)
	assert.True(t, got.Has("extra"))
	assert.Equal(t, "alt", d.LoadName())

	orig, _ := base.GetInt("data.x")
	assert.Equal(t, int64(1), orig)
}

func TestPresetParameters(t *testing.T) {
	base := params.New()
	_, err := Preset{Name: "data", Presets: []string{"missing"}}.Parameters(base, nil)
	assert.Error(t, err)

	presets := presetTable{"on": func(t *params.Tree) error { return t.Set("data.on", true) }}
	p := Preset{Name: "data", Presets: []string{"on"}}
	got, err := p.Parameters(base, presets)
	require.NoError(t, err)
	on, _ := got.GetBool("data.on")
	assert.True(t, on)
	assert.Equal(t, "", p.LoadName())
}
