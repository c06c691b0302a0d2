package resolver

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoytak/lazyrunner/pkg/params"
	"github.com/hoytak/lazyrunner/pkg/pmodule"
)

// Reference counting. Every node tracks four counts:
//
//	paramRefs    requesters that need at least its parameters
//	resultRefs   requesters that need its result
//	moduleRefs   requesters that need its live instance
//	moduleAccess holders currently using its live instance
//
// moduleRefs <= resultRefs <= paramRefs must hold at all times. Result,
// module and access references also pin the node's cache scope buckets.

func (n *node) buildReferences() {
	if n.onlyParams || n.childrenHaveRefs {
		return
	}
	for _, e := range n.paramDeps {
		e.target.increaseParameterReference()
	}
	for _, e := range n.resultDeps {
		e.target.increaseResultReference()
	}
	for _, e := range n.moduleDeps {
		e.target.increaseModuleReference()
	}
	n.childrenHaveRefs = true
}

func (n *node) dropUnneededReferences() {
	if !n.childrenHaveRefs {
		return
	}
	for _, e := range n.moduleDeps {
		e.target.decreaseModuleReference()
	}
	for _, e := range n.resultDeps {
		e.target.decreaseResultReference()
	}
	for _, e := range n.paramDeps {
		e.target.decreaseParameterReference()
	}
	n.childrenHaveRefs = false
}

func (n *node) checkOrdering() {
	if n.onlyParams {
		return
	}
	if n.moduleRefs > n.paramRefs || n.resultRefs > n.paramRefs {
		n.invariant("references out of order: parameters=%d results=%d module=%d",
			n.paramRefs, n.resultRefs, n.moduleRefs)
	}
}

func (n *node) increaseParameterReference() {
	n.checkOrdering()
	n.paramRefs++
}

func (n *node) decreaseParameterReference() {
	if n.paramRefs < 1 {
		n.invariant("parameter reference count would go negative")
	}
	n.paramRefs--
	n.checkOrdering()
	if n.paramRefs == 0 {
		n.checkDeletability()
	}
}

func (n *node) increaseResultReference() {
	n.resultRefs++
	n.s.increaseCachingReference(n)
}

func (n *node) decreaseResultReference() {
	if n.resultRefs < 1 {
		n.invariant("result reference count would go negative")
	}
	n.resultRefs--
	n.s.decreaseCachingReference(n)
	if n.moduleRefs > n.resultRefs {
		n.invariant("module references exceed result references")
	}
	if n.resultRefs == 0 {
		if n.instance == nil {
			n.results = nil
		}
		n.dropUnneededReferences()
	}
}

func (n *node) increaseModuleReference() {
	n.moduleRefs++
	n.s.increaseCachingReference(n)
}

func (n *node) decreaseModuleReference() {
	if n.moduleRefs < 1 {
		n.invariant("module reference count would go negative")
	}
	n.moduleRefs--
	n.s.decreaseCachingReference(n)
	if n.moduleRefs == 0 {
		n.checkModuleDeletion()
	}
}

func (n *node) increaseModuleAccess() {
	n.moduleAccess++
	n.s.increaseCachingReference(n)
}

func (n *node) decreaseModuleAccess() {
	if n.moduleAccess < 1 {
		n.invariant("module access count would go negative")
	}
	n.moduleAccess--
	n.s.decreaseCachingReference(n)
	if n.moduleAccess == 0 {
		n.checkModuleDeletion()
		n.checkDeletability()
	}
}

// checkModuleDeletion destroys the instance once nobody holds or needs it.
func (n *node) checkModuleDeletion() {
	if n.moduleRefs != 0 || n.moduleAccess != 0 || !n.dependentModulesPulled {
		return
	}
	if d, ok := n.instance.(pmodule.Destroyer); ok {
		d.Destroy()
	}
	n.instance = nil
	n.containers = nil
	n.dependentModulesPulled = false
	if n.resultRefs == 0 {
		n.results = nil
	}

	for _, e := range n.moduleDeps {
		e.target.decreaseModuleAccess()
	}
	extra := n.extraModules
	n.extraModules = nil
	for _, m := range extra {
		m.decreaseModuleAccess()
	}
	n.pulled = nil
}

// checkDeletability deregisters a node nobody references and releases its
// children. Its dependency edges are kept so the node can be revived by a
// requester that still holds it.
func (n *node) checkDeletability() {
	n.checkOrdering()
	if n.paramRefs != 0 {
		return
	}
	if !n.onlyParams && n.moduleAccess != 0 {
		return
	}
	if n.module != nil {
		n.s.deregister(n)
		n.dropUnneededReferences()
	}
}

func (n *node) pullParameters() any {
	if n.paramRefs < 1 {
		n.invariant("parameters pulled without a reference")
	}
	p := n.local
	n.decreaseParameterReference()
	return p
}

func (n *node) pullUpToResults(ctx context.Context) (any, any, error) {
	if n.resultRefs < 1 {
		n.invariant("results pulled without a reference")
	}
	if n.results == nil {
		if err := n.instantiate(ctx, false); err != nil {
			return nil, nil, err
		}
	}
	r, _ := n.results.Value()
	p := n.local
	n.decreaseResultReference()
	n.decreaseParameterReference()
	return p, r, nil
}

func (n *node) pullUpToModule(ctx context.Context) (any, any, pmodule.Instance, error) {
	if n.instance == nil || n.results == nil {
		if err := n.instantiate(ctx, true); err != nil {
			return nil, nil, nil, err
		}
	}
	r, _ := n.results.Value()
	if err := n.report(r); err != nil {
		return nil, nil, nil, err
	}
	p, inst := n.local, n.instance

	n.increaseModuleAccess()
	n.decreaseModuleReference()
	n.decreaseResultReference()
	n.decreaseParameterReference()
	return p, r, inst, nil
}

// instantiate loads or computes the node's results and, when needed, its
// live instance. On error it releases everything it acquired; the
// requester still holds its own references and must drop them.
func (n *node) instantiate(ctx context.Context, needModule bool) (err error) {
	s := n.s
	pulled := make(map[depKey]pulledDep, len(n.paramDeps))
	accessed := false
	defer func() {
		if err != nil {
			n.unwind(pulled, accessed)
		}
	}()

	if n.results == nil {
		n.results = s.loadResults(n)
		if n.results.Loaded() {
			if err := n.resultsReady(ctx); err != nil {
				return err
			}
			if n.moduleRefs == 0 {
				if needModule {
					n.invariant("module requested without a module reference")
				}
				n.dropUnneededReferences()
				return nil
			}
			if !needModule {
				return nil
			}
		}
	}
	haveResults := n.results.Loaded()

	// A node revived after deregistration must re-acquire its children.
	n.buildReferences()

	results := make(map[string]any, len(n.resultDeps))
	modules := make(map[string]pmodule.Instance, len(n.moduleDeps))

	for _, k := range sortedKeys(n.moduleDeps) {
		e := n.moduleDeps[k]
		p, r, inst, err := e.target.pullUpToModule(ctx)
		if err != nil {
			return err
		}
		pulled[k] = pulledDep{level: pmodule.LevelModule, params: p, result: r, instance: inst}
		if e.loadName != "" {
			results[e.loadName] = r
			modules[e.loadName] = inst
		}
	}
	for _, k := range sortedKeys(n.resultDeps) {
		if _, ok := pulled[k]; ok {
			continue
		}
		e := n.resultDeps[k]
		p, r, err := e.target.pullUpToResults(ctx)
		if err != nil {
			return err
		}
		pulled[k] = pulledDep{level: pmodule.LevelResults, params: p, result: r}
		if e.loadName != "" {
			results[e.loadName] = r
		}
	}
	for _, k := range sortedKeys(n.paramDeps) {
		if _, ok := pulled[k]; ok {
			continue
		}
		pulled[k] = pulledDep{level: pmodule.LevelParameters, params: n.paramDeps[k].target.pullParameters()}
	}
	n.pulled = pulled
	n.childrenHaveRefs = false
	n.containers = make(map[pmodule.CacheRequest]*Container)

	n.increaseModuleAccess()
	accessed = true
	env := pmodule.NewEnv(n, n.name, n.localTree(), n.depTree, results, modules, s.log.With("module", n.name))
	inst, err := n.module.NewInstance(ctx, env)
	if err != nil {
		return err
	}
	n.instance = inst

	if !haveResults {
		r, err := n.run(ctx, inst)
		if err != nil {
			return err
		}
		if err := n.results.Set(r); err != nil {
			n.invariant("storing result: %v", err)
		}
		if err := n.resultsReady(ctx); err != nil {
			return err
		}
	}

	n.dependentModulesPulled = true
	n.decreaseModuleAccess()
	return nil
}

// unwind undoes a failed instantiate. Children that were not pulled give
// back the references this node holds on them, pulled module children
// give back their access, and a partly built instance is destroyed.
func (n *node) unwind(pulled map[depKey]pulledDep, accessed bool) {
	if n.childrenHaveRefs {
		for k, e := range n.moduleDeps {
			if _, ok := pulled[k]; !ok {
				e.target.decreaseModuleReference()
			}
		}
		for k, e := range n.resultDeps {
			if _, ok := pulled[k]; !ok {
				e.target.decreaseResultReference()
			}
		}
		for k, e := range n.paramDeps {
			if _, ok := pulled[k]; !ok {
				e.target.decreaseParameterReference()
			}
		}
		n.childrenHaveRefs = false
	}
	for k, p := range pulled {
		if p.level == pmodule.LevelModule {
			n.moduleDeps[k].target.decreaseModuleAccess()
		}
	}

	if d, ok := n.instance.(pmodule.Destroyer); ok {
		d.Destroy()
	}
	n.instance = nil
	extra := n.extraModules
	n.extraModules = nil
	for _, m := range extra {
		m.decreaseModuleAccess()
	}
	n.results = nil
	n.containers = nil
	n.pulled = nil
	n.dependentModulesPulled = false
	if accessed {
		n.decreaseModuleAccess()
	}
}

// release drops references a requester took on n without pulling it.
func (n *node) release(level pmodule.Level) {
	if level == pmodule.LevelModule {
		n.decreaseModuleReference()
	}
	if level >= pmodule.LevelResults {
		n.decreaseResultReference()
	}
	n.decreaseParameterReference()
}

func (n *node) run(ctx context.Context, inst pmodule.Instance) (any, error) {
	ctx, span := n.s.tracer.Start(ctx, "resolver.run", trace.WithAttributes(
		attribute.String("lazyrunner.module", n.name),
		attribute.String("lazyrunner.key", n.key),
	))
	defer span.End()

	start := time.Now()
	r, err := inst.Run(ctx)
	d := time.Since(start)
	n.s.observers.ModuleRan(ctx, n.name, n.key, d, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "module run failed")
		return nil, err
	}
	n.s.log.Debug("module ran", "module", n.name, "key", n.key, "duration", d)
	return params.Normalize(r), nil
}

func (n *node) resultsReady(ctx context.Context) error {
	r, _ := n.results.Value()
	if err := n.report(r); err != nil {
		return err
	}
	n.s.observers.NodeResolved(ctx, n.event(r, n.results.source))
	return nil
}

// report calls the module's reporting hook once per (name, key) and
// session.
func (n *node) report(r any) error {
	k := nodeKey{n.name, n.key}
	if n.s.reported[k] {
		return nil
	}
	if err := n.module.Report(n.params, n.localTree(), r); err != nil {
		return err
	}
	n.s.reported[k] = true
	return nil
}

// Request implements pmodule.Host for the running instance.
func (n *node) Request(ctx context.Context, level pmodule.Level, dep pmodule.Dependency) (any, error) {
	s := n.s
	name := dep.Target()
	tree, err := dep.Parameters(n.params, s.presets)
	if err != nil {
		return nil, err
	}
	treeKey := n.fullKey
	if tree != n.params {
		tree = frozenTree(tree)
		treeKey = tree.Hash()
	}

	if p, ok := n.pulled[depKey{name: name, tree: treeKey}]; ok {
		switch {
		case level == pmodule.LevelParameters:
			return p.params, nil
		case level == pmodule.LevelResults && p.level >= pmodule.LevelResults:
			return p.result, nil
		case level == pmodule.LevelModule && p.level == pmodule.LevelModule:
			return p.instance, nil
		}
	}

	switch level {
	case pmodule.LevelResults:
		out, err := s.getResults(ctx, tree, []string{name})
		if err != nil {
			return nil, err
		}
		return out[0], nil

	case pmodule.LevelModule:
		child, err := s.newNode(tree, name, pmodule.LevelModule)
		if err != nil {
			return nil, err
		}
		if err := child.initialize(ctx); err != nil {
			return nil, err
		}
		child = s.register(child)
		child.increaseParameterReference()
		child.increaseResultReference()
		child.increaseModuleReference()
		_, _, inst, err := child.pullUpToModule(ctx)
		if err != nil {
			child.release(pmodule.LevelModule)
			return nil, err
		}
		n.extraModules = append(n.extraModules, child)
		return inst, nil

	case pmodule.LevelParameters:
		child, err := s.newNode(tree, name, pmodule.LevelParameters)
		if err != nil {
			return nil, err
		}
		return child.local, nil
	}
	return nil, fmt.Errorf("unknown dependency level %v", level)
}

// Container implements pmodule.Host for the running instance.
func (n *node) Container(req pmodule.CacheRequest) (pmodule.Container, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("module %q: cached objects need a name", n.name)
	}
	if n.containers == nil {
		return nil, fmt.Errorf("module %q: cache used outside of a live instance", n.name)
	}
	if c, ok := n.containers[req]; ok {
		return c, nil
	}
	sc := scope{module: n.name, local: n.localKey, deps: n.dependencyKey}
	if req.IgnoreModule {
		sc.module = ""
	}
	if req.IgnoreLocal {
		sc.local = ""
	}
	if req.IgnoreDependencies {
		sc.deps = ""
	}
	c := newContainer(sc, req.Name, req.Key, req.Persistent, req.DiskWritable && n.diskWritable)
	c = n.s.loadContainer(n.name, c)
	n.containers[req] = c
	return c, nil
}
