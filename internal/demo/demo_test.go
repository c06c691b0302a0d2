package demo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoytak/lazyrunner/internal/app"
	"github.com/hoytak/lazyrunner/pkg/params"
	"github.com/hoytak/lazyrunner/pkg/resolver"
)

func resolve(t *testing.T, spec app.TreeSpec, module string) any {
	t.Helper()
	p, err := New()
	require.NoError(t, err)
	tr, err := p.Tree(spec)
	require.NoError(t, err)
	out, err := resolver.New(p.Registry, resolver.WithPresets(p.Presets)).GetResult(context.Background(), tr, module)
	require.NoError(t, err)
	return out
}

func TestData(t *testing.T) {
	tests := []struct {
		name    string
		presets []string
		want    map[string]any
	}{
		{"defaults", nil, map[string]any{"x": int64(1), "a": int64(1), "b": int64(2)}},
		{"change_default_a", []string{"change_default_a"}, map[string]any{"x": int64(1), "a": int64(10), "b": int64(2)}},
		{"set_x_2", []string{"data.set_x_2"}, map[string]any{"x": int64(2), "a": int64(1), "b": int64(2)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := resolve(t, app.TreeSpec{Presets: tt.presets}, "data")
			tr, ok := out.(*params.Tree)
			require.True(t, ok)
			assert.Equal(t, tt.want, tr.ToMap())
		})
	}
}

func TestProcess(t *testing.T) {
	tests := []struct {
		name string
		spec app.TreeSpec
		want int64
	}{
		{"x", app.TreeSpec{}, 1},
		{"x plus", app.TreeSpec{Sets: []string{"process.add_to_x=4"}}, 5},
		{"a", app.TreeSpec{Presets: []string{"process.return_a", "add_to_a"}}, 2},
		{"b", app.TreeSpec{Presets: []string{"process.return_b"}}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolve(t, tt.spec, "process"))
		})
	}
}

func TestProcessRejectsUnknownReturnValue(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	tr, err := p.Tree(app.TreeSpec{Sets: []string{"process.return_value=z"}})
	require.NoError(t, err)
	_, err = resolver.New(p.Registry).GetResult(context.Background(), tr, "process")
	assert.ErrorContains(t, err, `unknown return_value "z"`)
}

func TestSweep(t *testing.T) {
	out := resolve(t, app.TreeSpec{}, "sweep")
	assert.Equal(t, map[string]any{"count": int64(3), "total": int64(6)}, out)

	out = resolve(t, app.TreeSpec{Sets: []string{"sweep.xs=[2, 5]"}}, "sweep")
	assert.Equal(t, map[string]any{"count": int64(2), "total": int64(7)}, out)
}

func TestSweepLabelDoesNotChangeKey(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	s := resolver.New(p.Registry, resolver.WithPresets(p.Presets))
	ctx := context.Background()

	a, err := p.Tree(app.TreeSpec{})
	require.NoError(t, err)
	b, err := p.Tree(app.TreeSpec{Sets: []string{"sweep.label=renamed"}})
	require.NoError(t, err)

	ia, err := s.Describe(ctx, a, "sweep")
	require.NoError(t, err)
	ib, err := s.Describe(ctx, b, "sweep")
	require.NoError(t, err)
	assert.Equal(t, ia[0].Key, ib[0].Key)
	assert.Len(t, ia[0].Dependencies, 3)
}
