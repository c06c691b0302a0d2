package resolver

import (
	"context"
	"fmt"
	"sort"

	"github.com/hoytak/lazyrunner/pkg/params"
	"github.com/hoytak/lazyrunner/pkg/pmodule"
)

// depKey identifies a dependency by target name and the hash of the tree
// it is resolved against.
type depKey struct {
	name string
	tree string
}

type edge struct {
	level    pmodule.Level
	loadName string
	tree     *params.Tree
	target   *node
}

type pulledDep struct {
	level    pmodule.Level
	params   any
	result   any
	instance pmodule.Instance
}

type initFrame struct {
	name string
	id   string
}

// node is one module (or plain parameter) evaluated against one parameter
// tree.
type node struct {
	s          *Session
	name       string
	module     *pmodule.Module
	generation int

	params     *params.Tree
	local      any
	onlyParams bool

	parameterKey  string
	fullKey       string
	localKey      string
	dependencyKey string
	key           string

	initialized     bool
	paramDeps       map[depKey]*edge
	resultDeps      map[depKey]*edge
	moduleDeps      map[depKey]*edge
	depTree         *params.Tree
	diskWritable    bool
	resultCacheable bool

	paramRefs    int
	resultRefs   int
	moduleRefs   int
	moduleAccess int

	childrenHaveRefs       bool
	dependentModulesPulled bool

	results      *Container
	instance     pmodule.Instance
	pulled       map[depKey]pulledDep
	extraModules []*node
	containers   map[pmodule.CacheRequest]*Container
}

func (s *Session) newNode(tree *params.Tree, name string, level pmodule.Level) (*node, error) {
	name = pmodule.NormalizeName(name)
	m, ok := s.reg.Lookup(name)
	if !ok {
		if level != pmodule.LevelParameters {
			return nil, &pmodule.UnknownModuleError{Name: name}
		}
		local, _ := tree.Get(name)
		return &node{
			s:            s,
			name:         name,
			generation:   s.generation,
			params:       tree,
			local:        local,
			onlyParams:   true,
			parameterKey: tree.HashOf(name),
			fullKey:      tree.Hash(),
		}, nil
	}

	p, local, err := s.preprocess(tree, m)
	if err != nil {
		return nil, err
	}
	return &node{
		s:            s,
		name:         name,
		module:       m,
		generation:   s.generation,
		params:       p,
		local:        local,
		onlyParams:   level == pmodule.LevelParameters,
		parameterKey: p.HashOf(name),
		fullKey:      p.Hash(),
	}, nil
}

// preprocess returns tree with m's branch replaced by its preprocessed
// form, along with that branch. Results are shared within a request.
func (s *Session) preprocess(tree *params.Tree, m *pmodule.Module) (*params.Tree, *params.Tree, error) {
	name := m.Name()
	k := preprocessKey{tree: tree.Hash(), name: name}
	if p, ok := s.preprocessed[k]; ok {
		b, _ := p.Branch(name)
		return p, b, nil
	}

	raw, present := tree.Get(name)
	var local *params.Tree
	switch v := raw.(type) {
	case *params.Tree:
		local = v
	case nil:
		local = params.New()
		local.Freeze()
	default:
		return nil, nil, &pmodule.ConfigError{
			Module: name,
			Msg:    fmt.Sprintf("parameter %q holds a %T, not a branch", name, raw),
		}
	}

	pre, err := m.Preprocess(local, tree)
	if err != nil {
		return nil, nil, err
	}

	p := tree
	if pre != local || !present {
		p = tree.Copy()
		if err := p.Set(name, pre); err != nil {
			return nil, nil, &pmodule.ConfigError{Module: name, Msg: "storing preprocessed parameters", Err: err}
		}
		p.Freeze()
	}
	s.preprocessed[k] = p
	b, _ := p.Branch(name)
	return p, b, nil
}

func (n *node) localTree() *params.Tree {
	if t, ok := n.local.(*params.Tree); ok {
		return t
	}
	return nil
}

// initialize resolves the dependency declarations, creates and
// deduplicates the child nodes and derives the keys.
func (n *node) initialize(ctx context.Context) error {
	if n.initialized {
		return nil
	}
	s := n.s
	id := n.name + "@" + n.parameterKey
	for i, f := range s.initStack {
		if f.id == id {
			return &CycleError{Path: append(frameNames(s.initStack[i:]), n.name)}
		}
	}
	if len(s.initStack) >= maxInitDepth {
		return &CycleError{Path: append(frameNames(s.initStack), n.name)}
	}
	s.initStack = append(s.initStack, initFrame{name: n.name, id: id})
	defer func() { s.initStack = s.initStack[:len(s.initStack)-1] }()

	if err := n.resolveDependencies(ctx); err != nil {
		return err
	}
	n.computeKeys()
	if err := n.buildDepTree(); err != nil {
		return err
	}

	off, err := n.module.CachingDisabled(n.localTree(), n.depTree)
	if err != nil {
		return err
	}
	n.diskWritable = !off
	if n.diskWritable {
		off, err = n.module.ResultCachingDisabled(n.localTree(), n.depTree)
		if err != nil {
			return err
		}
		n.resultCacheable = !off
	}
	n.initialized = true
	return nil
}

func frameNames(frames []initFrame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.name
	}
	return out
}

func (n *node) resolveDependencies(ctx context.Context) error {
	s := n.s
	n.paramDeps = make(map[depKey]*edge)
	n.resultDeps = make(map[depKey]*edge)
	n.moduleDeps = make(map[depKey]*edge)

	// Higher levels first so that a dependency declared at several levels
	// is pulled at the highest one.
	for _, lvl := range []pmodule.Level{pmodule.LevelModule, pmodule.LevelResults, pmodule.LevelParameters} {
		deps, err := n.module.Dependencies(lvl, n.localTree(), n.params)
		if err != nil {
			return err
		}
		for _, d := range deps {
			name := d.Target()
			if name == n.name {
				continue
			}
			tree, err := d.Parameters(n.params, s.presets)
			if err != nil {
				return err
			}
			treeKey := n.fullKey
			if tree != n.params {
				tree = frozenTree(tree)
				treeKey = tree.Hash()
			}
			k := depKey{name: name, tree: treeKey}
			if _, ok := n.paramDeps[k]; ok {
				continue
			}
			e := &edge{level: lvl, loadName: d.LoadName(), tree: tree}
			n.paramDeps[k] = e
			if lvl >= pmodule.LevelResults {
				n.resultDeps[k] = e
			}
			if lvl == pmodule.LevelModule {
				n.moduleDeps[k] = e
			}
		}
	}

	keys := sortedKeys(n.paramDeps)
	for _, k := range keys {
		e := n.paramDeps[k]
		child, err := s.newNode(e.tree, k.name, e.level)
		if err != nil {
			return err
		}
		e.target = child
	}
	for _, k := range keys {
		e := n.paramDeps[k]
		if e.level == pmodule.LevelParameters {
			continue
		}
		if err := e.target.initialize(ctx); err != nil {
			return err
		}
		e.target = s.register(e.target)
	}
	return nil
}

func sortedKeys(m map[depKey]*edge) []depKey {
	keys := make([]depKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].tree < keys[j].tree
	})
	return keys
}

// computeKeys derives the local, dependency and composite keys. Parameter
// dependencies contribute their parameter key; result and module
// dependencies contribute their full key.
func (n *node) computeKeys() {
	n.localKey = params.Combine("local", params.ItemHash(n.module.Version()), n.parameterKey)

	parts := []string{"deps"}
	for _, k := range sortedKeys(n.paramDeps) {
		e := n.paramDeps[k]
		if e.level == pmodule.LevelParameters {
			parts = append(parts, "p", k.name, e.target.parameterKey)
		} else {
			parts = append(parts, "r", k.name, e.target.key)
		}
	}
	n.dependencyKey = params.Combine(parts...)
	n.key = params.Combine("key", n.localKey, n.dependencyKey)
}

// buildDepTree collects the exposed parameter dependencies under their
// load names, plus the module's own branch under its name.
func (n *node) buildDepTree() error {
	t := params.New()
	for _, k := range sortedKeys(n.paramDeps) {
		e := n.paramDeps[k]
		if e.loadName == "" {
			continue
		}
		v, ok := e.tree.Get(k.name)
		if e.target.module != nil {
			v, ok = e.target.local, true
		}
		if !ok {
			continue
		}
		if err := t.Set(e.loadName, v); err != nil {
			return &pmodule.ConfigError{Module: n.name, Msg: fmt.Sprintf("exposing dependency %q", e.loadName), Err: err}
		}
	}
	if err := t.Set(n.name, n.local); err != nil {
		return &pmodule.ConfigError{Module: n.name, Msg: "exposing own parameters", Err: err}
	}
	t.Freeze()
	n.depTree = t
	return nil
}

func (n *node) dependencyRefs() []DependencyRef {
	keys := sortedKeys(n.paramDeps)
	out := make([]DependencyRef, 0, len(keys))
	for _, k := range keys {
		e := n.paramDeps[k]
		ref := DependencyRef{Name: k.name, Level: e.level, As: e.loadName, Key: e.target.parameterKey}
		if e.level != pmodule.LevelParameters {
			ref.Key = e.target.key
		}
		out = append(out, ref)
	}
	return out
}

func (n *node) info() NodeInfo {
	return NodeInfo{
		Name:            n.name,
		Version:         n.module.Version(),
		ParameterKey:    n.parameterKey,
		LocalKey:        n.localKey,
		DependencyKey:   n.dependencyKey,
		Key:             n.key,
		DiskWritable:    n.diskWritable,
		ResultCacheable: n.resultCacheable,
		Dependencies:    n.dependencyRefs(),
	}
}

func (n *node) event(result any, src Source) ResultEvent {
	return ResultEvent{
		Module:        n.name,
		Version:       n.module.Version(),
		Key:           n.key,
		LocalKey:      n.localKey,
		DependencyKey: n.dependencyKey,
		Parameters:    n.localTree(),
		Result:        result,
		Source:        src,
		Dependencies:  n.dependencyRefs(),
	}
}
