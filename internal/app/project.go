// Package app wires configuration, logging, caches and observers into
// resolver sessions for the lazyrunner binaries.
package app

import (
	"fmt"

	"github.com/hoytak/lazyrunner/internal/paramfile"
	"github.com/hoytak/lazyrunner/pkg/params"
	"github.com/hoytak/lazyrunner/pkg/pmodule"
	"github.com/hoytak/lazyrunner/pkg/presets"
)

// Project is a set of modules with their presets and the global defaults
// that do not belong to any single module.
type Project struct {
	Name     string
	Registry *pmodule.Registry
	Presets  *presets.Table
	Defaults map[string]any
}

// TreeSpec lists the layers applied on top of the defaults, in order.
type TreeSpec struct {
	Presets []string
	Files   []string
	Sets    []string
}

// Tree assembles the parameter tree of a request: module defaults, then
// project defaults, then presets, then parameter files, then path=value
// overrides. The result is unfrozen.
func (p *Project) Tree(spec TreeSpec) (*params.Tree, error) {
	t, err := p.Registry.DefaultTree()
	if err != nil {
		return nil, err
	}
	if len(p.Defaults) > 0 {
		d, err := params.FromMap(p.Defaults)
		if err != nil {
			return nil, fmt.Errorf("project defaults: %w", err)
		}
		if err := t.Update(d); err != nil {
			return nil, fmt.Errorf("project defaults: %w", err)
		}
	}
	if len(spec.Presets) > 0 {
		if p.Presets == nil {
			return nil, fmt.Errorf("presets %v requested but the project defines none", spec.Presets)
		}
		if err := p.Presets.ApplyPresets(t, spec.Presets...); err != nil {
			return nil, err
		}
	}
	for _, path := range spec.Files {
		f, err := paramfile.Load(path)
		if err != nil {
			return nil, err
		}
		if err := t.Update(f); err != nil {
			return nil, fmt.Errorf("apply %s: %w", path, err)
		}
	}
	for _, s := range spec.Sets {
		if err := paramfile.ApplySet(t, s); err != nil {
			return nil, err
		}
	}
	return t, nil
}
