// Package paramfile reads parameter trees from yaml, toml, json and hcl
// files and applies path=value overrides from the command line.
package paramfile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/pelletier/go-toml/v2"
	"github.com/zclconf/go-cty/cty"
	"gopkg.in/yaml.v3"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// Format names a parameter file syntax.
type Format string

const (
	YAML Format = "yaml"
	TOML Format = "toml"
	JSON Format = "json"
	HCL  Format = "hcl"
)

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML, nil
	case ".toml":
		return TOML, nil
	case ".json":
		return JSON, nil
	case ".hcl":
		return HCL, nil
	}
	return "", fmt.Errorf("unsupported parameter file %q (want .yaml, .yml, .toml, .json or .hcl)", path)
}

// Load reads a parameter tree from path.
func Load(path string) (*params.Tree, error) {
	f, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	t, err := Parse(data, f, path)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return t, nil
}

// Parse decodes data in format f. name is used in hcl diagnostics.
func Parse(data []byte, f Format, name string) (*params.Tree, error) {
	var m map[string]any
	switch f {
	case YAML:
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	case TOML:
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, err
		}
	case JSON:
		d := json.NewDecoder(bytes.NewReader(data))
		d.UseNumber()
		if err := d.Decode(&m); err != nil {
			return nil, err
		}
	case HCL:
		var err error
		if m, err = parseHCL(data, name); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown format %q", f)
	}

	v, err := plain(m)
	if err != nil {
		return nil, err
	}
	pm, _ := v.(map[string]any)
	return params.FromMap(pm)
}

// plain converts decoder output into the value types a tree stores.
func plain(v any) (any, error) {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			pv, err := plain(e)
			if err != nil {
				return nil, err
			}
			out[k] = pv
		}
		return out, nil
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			pv, err := plain(e)
			if err != nil {
				return nil, err
			}
			out[fmt.Sprint(k)] = pv
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			pv, err := plain(e)
			if err != nil {
				return nil, err
			}
			out[i] = pv
		}
		return out, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		return x.Float64()
	}
	return params.Normalize(v), nil
}

// parseHCL reads top-level attributes and blocks. A block becomes a branch
// named by its type and labels: `module "data" { x = 1 }` sets module.data.x.
func parseHCL(data []byte, name string) (map[string]any, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, name)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL: %s", diags.Error())
	}
	body, ok := file.Body.(*hclsyntax.Body)
	if !ok {
		return nil, fmt.Errorf("unexpected HCL body type %T", file.Body)
	}
	return hclBody(body)
}

func hclBody(body *hclsyntax.Body) (map[string]any, error) {
	out := make(map[string]any)
	names := make([]string, 0, len(body.Attributes))
	for n := range body.Attributes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		attr := body.Attributes[n]
		val, diags := attr.Expr.Value(&hcl.EvalContext{})
		if diags.HasErrors() {
			return nil, fmt.Errorf("attribute %s: %s", n, diags.Error())
		}
		v, err := ctyToGo(val)
		if err != nil {
			return nil, fmt.Errorf("attribute %s: %w", n, err)
		}
		out[n] = v
	}

	for _, b := range body.Blocks {
		inner, err := hclBody(b.Body)
		if err != nil {
			return nil, err
		}
		node := out
		for _, part := range append([]string{b.Type}, b.Labels...) {
			next, ok := node[part].(map[string]any)
			if !ok {
				if _, exists := node[part]; exists {
					return nil, fmt.Errorf("block %s conflicts with attribute %q", b.Type, part)
				}
				next = make(map[string]any)
				node[part] = next
			}
			node = next
		}
		for k, v := range inner {
			node[k] = v
		}
	}
	return out, nil
}

// ctyToGo converts an evaluated HCL value. Whole numbers become int64.
func ctyToGo(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return i, nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			gv, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = gv
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		out := []any{}
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			gv, err := ctyToGo(v)
			if err != nil {
				return nil, err
			}
			out = append(out, gv)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
}

// ApplySet parses an override of the form path=value and stores it in t.
// The value is read as a yaml scalar, so 3 is an integer, 0.5 a float,
// true a bool and [1, 2] a list; anything else is a string.
func ApplySet(t *params.Tree, override string) error {
	path, raw, ok := strings.Cut(override, "=")
	path = strings.TrimSpace(path)
	if !ok || path == "" {
		return fmt.Errorf("invalid override %q (want path=value)", override)
	}

	var v any = raw
	if strings.TrimSpace(raw) != "" {
		var parsed any
		if err := yaml.Unmarshal([]byte(raw), &parsed); err == nil && parsed != nil {
			if v, err = plain(parsed); err != nil {
				return fmt.Errorf("override %q: %w", override, err)
			}
		}
	}
	if err := t.Set(path, v); err != nil {
		return fmt.Errorf("override %q: %w", override, err)
	}
	return nil
}

// Encode renders t in format f. hcl output is not supported.
func Encode(t *params.Tree, f Format) ([]byte, error) {
	m := t.ToMap()
	switch f {
	case YAML:
		return yaml.Marshal(m)
	case TOML:
		return toml.Marshal(m)
	case JSON:
		return json.MarshalIndent(m, "", "  ")
	}
	return nil, fmt.Errorf("cannot encode parameters as %q", f)
}
