package pmodule

import (
	"fmt"
	"strings"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// PresetApplier applies named presets to a parameter tree in place.
type PresetApplier interface {
	ApplyPresets(t *params.Tree, names ...string) error
}

// Dependency is a parameter container: it names a target module or branch,
// derives the parameter tree the target is resolved against and chooses
// the name under which the value is exposed to the requester.
//
// The set of implementations is closed: Direct, Delta and Preset.
type Dependency interface {
	Target() string
	Parameters(base *params.Tree, presets PresetApplier) (*params.Tree, error)
	// LoadName is empty when the value is not exposed to the requester.
	LoadName() string
	isDependency()
}

// NormalizeName lowercases and trims a module or branch name.
func NormalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Direct resolves Name against the requester's own parameter tree.
type Direct struct {
	Name string
	As   string
}

func (d Direct) Target() string { return NormalizeName(d.Name) }

func (d Direct) Parameters(base *params.Tree, _ PresetApplier) (*params.Tree, error) {
	return base, nil
}

func (d Direct) LoadName() string {
	if d.As != "" {
		return d.As
	}
	return d.Target()
}

func (Direct) isDependency() {}

// Delta resolves Name against a modified copy of the requester's tree.
// Presets are applied first, then Delta is merged from the root and Local
// is merged into the Name branch.
type Delta struct {
	Name    string
	Local   map[string]any
	Delta   map[string]any
	Presets []string
	As      string
}

func (d Delta) Target() string { return NormalizeName(d.Name) }

func (d Delta) Parameters(base *params.Tree, presets PresetApplier) (*params.Tree, error) {
	t := base.Copy()
	if len(d.Presets) > 0 {
		if presets == nil {
			return nil, fmt.Errorf("dependency %q: presets %v requested but no preset table is configured", d.Target(), d.Presets)
		}
		if err := presets.ApplyPresets(t, d.Presets...); err != nil {
			return nil, fmt.Errorf("dependency %q: %w", d.Target(), err)
		}
	}
	if len(d.Delta) > 0 {
		over, err := params.FromMap(d.Delta)
		if err != nil {
			return nil, fmt.Errorf("dependency %q: %w", d.Target(), err)
		}
		if err := t.Update(over); err != nil {
			return nil, err
		}
	}
	if len(d.Local) > 0 {
		over, err := params.FromMap(d.Local)
		if err != nil {
			return nil, fmt.Errorf("dependency %q: %w", d.Target(), err)
		}
		branch, err := t.MakeBranch(d.Target())
		if err != nil {
			return nil, err
		}
		if err := branch.Update(over); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (d Delta) LoadName() string { return d.As }

func (Delta) isDependency() {}

// Preset resolves Name against a copy of the requester's tree with the
// given presets applied.
type Preset struct {
	Name    string
	Presets []string
	As      string
}

func (p Preset) Target() string { return NormalizeName(p.Name) }

func (p Preset) Parameters(base *params.Tree, presets PresetApplier) (*params.Tree, error) {
	return Delta{Name: p.Name, Presets: p.Presets}.Parameters(base, presets)
}

func (p Preset) LoadName() string { return p.As }

func (Preset) isDependency() {}

// normalizeDeps flattens a declaration value into dependencies.
func normalizeDeps(module string, v any) ([]Dependency, error) {
	var out []Dependency
	var walk func(v any) error
	walk = func(v any) error {
		switch x := v.(type) {
		case nil:
		case string:
			if NormalizeName(x) != "" {
				out = append(out, Direct{Name: x})
			}
		case Dependency:
			if x.Target() == "" {
				return &ConfigError{Module: module, Msg: "dependency with an empty name"}
			}
			out = append(out, x)
		case []string:
			for _, s := range x {
				if err := walk(s); err != nil {
					return err
				}
			}
		case []Dependency:
			for _, d := range x {
				if err := walk(d); err != nil {
					return err
				}
			}
		case []any:
			for _, e := range x {
				if err := walk(e); err != nil {
					return err
				}
			}
		default:
			return &ConfigError{Module: module, Msg: fmt.Sprintf("unsupported dependency value of type %T", v)}
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return out, nil
}
