package pmodule

import (
	"errors"
	"fmt"

	"github.com/hoytak/lazyrunner/pkg/params"
)

// Arity records which form of a user function a declaration holds. It is
// fixed at registration time.
type Arity int

const (
	// ArityStatic marks a plain value with no function involved.
	ArityStatic Arity = iota
	// Arity0 functions take no arguments.
	Arity0
	// Arity1 functions take the module's own parameter branch.
	Arity1
	// Arity2 functions take the own branch and the enclosing tree.
	Arity2
)

func (a Arity) String() string {
	switch a {
	case ArityStatic:
		return "static"
	case Arity0:
		return "func()"
	case Arity1:
		return "func(local)"
	case Arity2:
		return "func(local, global)"
	}
	return fmt.Sprintf("Arity(%d)", int(a))
}

type declaration struct {
	arity  Arity
	static []Dependency
	fn0    func() (any, error)
	fn1    func(*params.Tree) (any, error)
	fn2    func(*params.Tree, *params.Tree) (any, error)
}

func newDeclaration(module, field string, v any) (declaration, error) {
	switch fn := v.(type) {
	case func() (any, error):
		return declaration{arity: Arity0, fn0: fn}, nil
	case func(*params.Tree) (any, error):
		return declaration{arity: Arity1, fn1: fn}, nil
	case func(*params.Tree, *params.Tree) (any, error):
		return declaration{arity: Arity2, fn2: fn}, nil
	}
	deps, err := normalizeDeps(module, v)
	if err != nil {
		var ce *ConfigError
		if errors.As(err, &ce) {
			ce.Msg = field + ": " + ce.Msg
		}
		return declaration{}, err
	}
	return declaration{arity: ArityStatic, static: deps}, nil
}

// resolve evaluates the declaration. Errors raised by user functions are
// returned unchanged.
func (d declaration) resolve(module, field string, local, global *params.Tree) ([]Dependency, error) {
	var (
		v   any
		err error
	)
	switch d.arity {
	case ArityStatic:
		return d.static, nil
	case Arity0:
		v, err = d.fn0()
	case Arity1:
		v, err = d.fn1(local)
	case Arity2:
		v, err = d.fn2(local, global)
	}
	if err != nil {
		return nil, err
	}
	deps, err := normalizeDeps(module, v)
	if err != nil {
		return nil, &ConfigError{Module: module, Msg: field + " function returned an invalid value", Err: err}
	}
	return deps, nil
}

type flag struct {
	arity    Arity
	constant bool
	fn0      func() (bool, error)
	fn1      func(*params.Tree) (bool, error)
	fn2      func(*params.Tree, *params.Tree) (bool, error)
}

func newFlag(module, field string, v any) (flag, error) {
	switch fn := v.(type) {
	case nil:
		return flag{}, nil
	case bool:
		return flag{constant: fn}, nil
	case func() bool:
		return flag{arity: Arity0, fn0: func() (bool, error) { return fn(), nil }}, nil
	case func(*params.Tree) bool:
		return flag{arity: Arity1, fn1: func(l *params.Tree) (bool, error) { return fn(l), nil }}, nil
	case func(*params.Tree, *params.Tree) bool:
		return flag{arity: Arity2, fn2: func(l, g *params.Tree) (bool, error) { return fn(l, g), nil }}, nil
	case func() (bool, error):
		return flag{arity: Arity0, fn0: fn}, nil
	case func(*params.Tree) (bool, error):
		return flag{arity: Arity1, fn1: fn}, nil
	case func(*params.Tree, *params.Tree) (bool, error):
		return flag{arity: Arity2, fn2: fn}, nil
	}
	return flag{}, &ConfigError{Module: module, Msg: fmt.Sprintf("%s: expected bool or predicate, got %T", field, v)}
}

func (f flag) eval(local, global *params.Tree) (bool, error) {
	switch f.arity {
	case Arity0:
		return f.fn0()
	case Arity1:
		return f.fn1(local)
	case Arity2:
		return f.fn2(local, global)
	}
	return f.constant, nil
}

type preprocessor struct {
	arity Arity
	fn1   func(*params.Tree) (*params.Tree, error)
	fn2   func(*params.Tree, *params.Tree) (*params.Tree, error)
}

func newPreprocessor(module string, v any) (preprocessor, error) {
	switch fn := v.(type) {
	case nil:
		return preprocessor{}, nil
	case func(*params.Tree) (*params.Tree, error):
		return preprocessor{arity: Arity1, fn1: fn}, nil
	case func(*params.Tree, *params.Tree) (*params.Tree, error):
		return preprocessor{arity: Arity2, fn2: fn}, nil
	}
	return preprocessor{}, &ConfigError{Module: module, Msg: fmt.Sprintf("Preprocess: unsupported signature %T", v)}
}

func (p preprocessor) apply(local, global *params.Tree) (*params.Tree, error) {
	var (
		out *params.Tree
		err error
	)
	switch p.arity {
	case Arity1:
		out, err = p.fn1(local)
	case Arity2:
		out, err = p.fn2(local, global)
	default:
		return local, nil
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		return local, nil
	}
	return out, nil
}
