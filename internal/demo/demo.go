// Package demo is a small example project: a data module, a processor on
// top of it and a sweep that requests the data module at several settings.
package demo

import (
	"context"
	"fmt"

	"github.com/hoytak/lazyrunner/internal/app"
	"github.com/hoytak/lazyrunner/pkg/params"
	"github.com/hoytak/lazyrunner/pkg/pmodule"
	"github.com/hoytak/lazyrunner/pkg/presets"
)

// Version of the demo modules. Changing it changes every key.
const Version = "0.01"

// New returns the demo project with its modules and presets registered.
func New() (*app.Project, error) {
	reg := pmodule.NewRegistry()
	for _, spec := range []pmodule.Spec{dataSpec(), processSpec(), sweepSpec()} {
		if err := reg.Register(spec); err != nil {
			return nil, err
		}
	}
	table := presets.NewTable()
	for _, p := range presetList {
		if err := table.Register(p.name, p.description, presets.Set(p.values)); err != nil {
			return nil, err
		}
	}
	return &app.Project{
		Name:     "demo",
		Registry: reg,
		Presets:  table,
		Defaults: map[string]any{
			"data_defaults":    map[string]any{"a": 1, "b": 2},
			"process_defaults": map[string]any{"add_to_a": 0},
		},
	}, nil
}

var presetList = []struct {
	name        string
	description string
	values      map[string]any
}{
	{"change_default_a", "set data_defaults.a to 10", map[string]any{"data_defaults.a": 10}},
	{"data.set_x_2", "set data.x to 2", map[string]any{"data.x": 2}},
	{"add_to_a", "add 1 to a in the processor", map[string]any{"process_defaults.add_to_a": 1}},
	{"process.return_a", "make process return a", map[string]any{"process.return_value": "a"}},
	{"process.return_b", "make process return b", map[string]any{"process.return_value": "b"}},
}

func dataSpec() pmodule.Spec {
	return pmodule.Spec{
		Name:                  "data",
		Version:               Version,
		Defaults:              map[string]any{"x": 1},
		ParameterDependencies: "data_defaults",
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			x, _ := env.P.GetInt("x")
			a, _ := env.Parameters.GetInt("data_defaults.a")
			b, _ := env.Parameters.GetInt("data_defaults.b")
			env.Log.Info("computing data", "x", x)
			t, err := params.FromMap(map[string]any{"x": x, "a": a, "b": b})
			if err != nil {
				return nil, err
			}
			t.Freeze()
			return t, nil
		},
		Report: func(_, _ *params.Tree, result any) error {
			if _, ok := result.(*params.Tree); !ok {
				return fmt.Errorf("data result has type %T", result)
			}
			return nil
		},
	}
}

func processSpec() pmodule.Spec {
	return pmodule.Spec{
		Name:                  "process",
		Version:               Version,
		Defaults:              map[string]any{"add_to_x": 0, "return_value": "x"},
		ResultDependencies:    "data",
		ParameterDependencies: "process_defaults",
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			data, ok := env.Results["data"].(*params.Tree)
			if !ok {
				return nil, fmt.Errorf("data result has type %T", env.Results["data"])
			}
			which, _ := env.P.GetString("return_value")
			switch which {
			case "x":
				x, _ := data.GetInt("x")
				add, _ := env.P.GetInt("add_to_x")
				return x + add, nil
			case "a":
				a, _ := data.GetInt("a")
				add, _ := env.Parameters.GetInt("process_defaults.add_to_a")
				return a + add, nil
			case "b":
				b, _ := data.GetInt("b")
				return b, nil
			}
			return nil, fmt.Errorf("process: unknown return_value %q", which)
		},
	}
}

// sweepSpec requests data once per entry of xs. The total is cached as a
// named object of its own so that changing only the label reuses it.
func sweepSpec() pmodule.Spec {
	return pmodule.Spec{
		Name:     "sweep",
		Version:  Version,
		Defaults: map[string]any{"xs": []any{1, 2, 3}, "label": "sweep"},
		ResultDependencies: func(local *params.Tree) (any, error) {
			xs, err := sweepValues(local)
			if err != nil {
				return nil, err
			}
			deps := make([]pmodule.Dependency, len(xs))
			for i, x := range xs {
				deps[i] = pmodule.Delta{Name: "data", Local: map[string]any{"x": x}, As: fmt.Sprintf("data_x%d", x)}
			}
			return deps, nil
		},
		Preprocess: func(local *params.Tree) (*params.Tree, error) {
			t := local.Copy()
			if t.Has("label") {
				if err := t.Delete("label"); err != nil {
					return nil, err
				}
			}
			return t, nil
		},
		Run: func(_ context.Context, env *pmodule.Env) (any, error) {
			xs, err := sweepValues(env.P)
			if err != nil {
				return nil, err
			}
			total, err := env.LoadFromCache("total", func() (any, error) {
				var sum int64
				for _, x := range xs {
					r, ok := env.Results[fmt.Sprintf("data_x%d", x)].(*params.Tree)
					if !ok {
						return nil, fmt.Errorf("sweep: missing data for x=%d", x)
					}
					v, _ := r.GetInt("x")
					sum += v
				}
				return sum, nil
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"count": int64(len(xs)), "total": total}, nil
		},
	}
}

func sweepValues(local *params.Tree) ([]int64, error) {
	raw, ok := local.Get("xs")
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("sweep.xs must be a list, got %T", raw)
	}
	out := make([]int64, len(list))
	for i, v := range list {
		n, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("sweep.xs[%d] must be an integer, got %T", i, v)
		}
		out[i] = n
	}
	return out, nil
}
