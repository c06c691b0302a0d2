// Package resolver computes module results from a parameter tree. It builds
// a node per (module, parameter branch), derives content keys, shares
// identical nodes, and drives memoized evaluation through in-memory and
// on-disk caches with explicit reference counting.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hoytak/lazyrunner/pkg/params"
	"github.com/hoytak/lazyrunner/pkg/pmodule"
)

const tracerName = "github.com/hoytak/lazyrunner/pkg/resolver"

// DiskStore persists cached objects. Keys are slash-separated relative
// paths. A missing object must be reported with an error wrapping
// fs.ErrNotExist.
type DiskStore interface {
	Load(key string) (any, error)
	Save(key string, v any) error
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithDiskStore enables the on-disk cache. A read-only store is consulted
// but never written.
func WithDiskStore(store DiskStore, readOnly bool) Option {
	return func(s *Session) {
		s.disk = store
		s.readOnly = readOnly
	}
}

// WithPresets supplies the table used by Delta and Preset dependencies.
func WithPresets(p pmodule.PresetApplier) Option {
	return func(s *Session) { s.presets = p }
}

// WithObserver adds an observer. It may be given more than once.
func WithObserver(o Observer) Option {
	return func(s *Session) { s.observers = append(s.observers, o) }
}

// WithoutResultMemo disables the session-wide in-memory result cache.
func WithoutResultMemo() Option {
	return func(s *Session) { s.memo = nil }
}

type nodeKey struct {
	name string
	key  string
}

type preprocessKey struct {
	tree string
	name string
}

// Session owns the node registry, the scope buckets and the result memo
// for one module registry. Calls are serialized; module code re-enters
// the session only through its Env.
type Session struct {
	mu sync.Mutex

	reg       *pmodule.Registry
	log       *slog.Logger
	disk      DiskStore
	readOnly  bool
	presets   pmodule.PresetApplier
	observers multiObserver
	tracer    trace.Tracer

	nodes         map[nodeKey]*node
	buckets       map[scope]*bucket
	nonPersistent map[npKey]*Container
	memo          map[string]any
	reported      map[nodeKey]bool
	preprocessed  map[preprocessKey]*params.Tree

	initStack  []initFrame
	depth      int
	generation int
}

// New creates a session and freezes reg.
func New(reg *pmodule.Registry, opts ...Option) *Session {
	reg.Freeze()
	s := &Session{
		reg:      reg,
		log:      slog.Default(),
		memo:     make(map[string]any),
		reported: make(map[nodeKey]bool),
		tracer:   otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(s)
	}
	s.reset()
	return s
}

func (s *Session) reset() {
	s.nodes = make(map[nodeKey]*node)
	s.buckets = make(map[scope]*bucket)
	s.nonPersistent = make(map[npKey]*Container)
	s.preprocessed = make(map[preprocessKey]*params.Tree)
	s.initStack = nil
}

func frozenTree(t *params.Tree) *params.Tree {
	if t == nil {
		t = params.New()
	}
	if t.Frozen() {
		return t
	}
	c := t.Copy()
	c.Freeze()
	return c
}

// GetResults returns the results of the named modules, in order.
func (s *Session) GetResults(ctx context.Context, tree *params.Tree, names ...string) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "resolver.get_results",
		trace.WithAttributes(attribute.StringSlice("lazyrunner.modules", names)))
	defer span.End()

	var out []any
	err := s.request(func() error {
		var err error
		out, err = s.getResults(ctx, frozenTree(tree), names)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "resolution failed")
		return nil, err
	}
	return out, nil
}

// GetResult returns the result of a single module.
func (s *Session) GetResult(ctx context.Context, tree *params.Tree, name string) (any, error) {
	out, err := s.GetResults(ctx, tree, name)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// request runs fn as a top-level request. Nested requests made by module
// code share the outer request's bookkeeping.
func (s *Session) request(fn func() error) (err error) {
	s.depth++
	defer func() {
		s.depth--
		if s.depth > 0 {
			return
		}
		if err != nil {
			s.abort()
			return
		}
		s.sweep()
		s.preprocessed = make(map[preprocessKey]*params.Tree)
	}()
	return fn()
}

// getResults resolves names against tree. On error the references it took
// on nodes not yet pulled are released, so a nested request that fails
// leaves nothing behind.
func (s *Session) getResults(ctx context.Context, tree *params.Tree, names []string) ([]any, error) {
	nodes := make([]*node, 0, len(names))
	fail := func(from int, err error) ([]any, error) {
		for _, n := range nodes[from:] {
			n.release(pmodule.LevelResults)
		}
		return nil, err
	}
	for _, name := range names {
		n, err := s.newNode(tree, name, pmodule.LevelResults)
		if err != nil {
			return fail(0, err)
		}
		if err := n.initialize(ctx); err != nil {
			return fail(0, err)
		}
		n = s.register(n)
		n.increaseParameterReference()
		n.increaseResultReference()
		nodes = append(nodes, n)
	}

	out := make([]any, len(nodes))
	for i, n := range nodes {
		_, r, err := n.pullUpToResults(ctx)
		if err != nil {
			return fail(i, err)
		}
		out[i] = r
	}
	return out, nil
}

// abort drops all in-flight state after a failed request. Memoized results
// of nodes that completed stay valid.
func (s *Session) abort() {
	s.log.Debug("request failed, dropping in-flight nodes", "nodes", len(s.nodes))
	s.generation++
	s.reset()
}

// sweep releases registered nodes nobody references, e.g. children
// created for a node that turned out to be a duplicate.
func (s *Session) sweep() {
	for {
		released := false
		for k, n := range s.nodes {
			if n.paramRefs == 0 && n.moduleAccess == 0 {
				delete(s.nodes, k)
				n.dropUnneededReferences()
				released = true
			}
		}
		if !released {
			return
		}
	}
}

func (s *Session) register(n *node) *node {
	k := nodeKey{n.name, n.key}
	if existing, ok := s.nodes[k]; ok {
		if !n.onlyParams {
			existing.onlyParams = false
		}
		n = existing
	} else {
		s.nodes[k] = n
	}
	n.buildReferences()
	return n
}

func (s *Session) deregister(n *node) {
	k := nodeKey{n.name, n.key}
	if s.nodes[k] == n {
		delete(s.nodes, k)
	}
}

// ModuleHandle keeps a module instance alive until Release.
type ModuleHandle struct {
	Instance pmodule.Instance
	Result   any

	s        *Session
	n        *node
	released bool
}

// GetModule resolves name up to a live module instance.
func (s *Session) GetModule(ctx context.Context, tree *params.Tree, name string) (*ModuleHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := &ModuleHandle{s: s}
	err := s.request(func() error {
		n, err := s.newNode(frozenTree(tree), name, pmodule.LevelModule)
		if err != nil {
			return err
		}
		if err := n.initialize(ctx); err != nil {
			return err
		}
		n = s.register(n)
		n.increaseParameterReference()
		n.increaseResultReference()
		n.increaseModuleReference()
		_, r, inst, err := n.pullUpToModule(ctx)
		if err != nil {
			return err
		}
		h.n, h.Result, h.Instance = n, r, inst
		return nil
	})
	if err != nil {
		return nil, err
	}
	return h, nil
}

// Release drops the handle's hold on the module. It is safe to call twice.
func (h *ModuleHandle) Release() {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	h.n.decreaseModuleAccess()
	h.s.sweep()
}

// DependencyRef describes one edge of a resolved node.
type DependencyRef struct {
	Name  string
	Key   string
	Level pmodule.Level
	As    string
}

// NodeInfo describes a node's identity without computing it.
type NodeInfo struct {
	Name            string
	Version         any
	ParameterKey    string
	LocalKey        string
	DependencyKey   string
	Key             string
	DiskWritable    bool
	ResultCacheable bool
	Dependencies    []DependencyRef
}

// Describe derives the keys of the named modules without running them.
func (s *Session) Describe(ctx context.Context, tree *params.Tree, names ...string) ([]NodeInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []NodeInfo
	err := s.request(func() error {
		t := frozenTree(tree)
		for _, name := range names {
			n, err := s.newNode(t, name, pmodule.LevelResults)
			if err != nil {
				return err
			}
			if err := n.initialize(ctx); err != nil {
				return err
			}
			n = s.register(n)
			out = append(out, n.info())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Stats is a snapshot of the session's caches.
type Stats struct {
	Nodes           int
	Buckets         int
	CachedObjects   int
	NonPersistent   int
	MemoizedResults int
}

// Stats reports the current cache occupancy.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Nodes:           len(s.nodes),
		Buckets:         len(s.buckets),
		NonPersistent:   len(s.nonPersistent),
		MemoizedResults: len(s.memo),
	}
	for _, b := range s.buckets {
		st.CachedObjects += len(b.objects)
	}
	return st
}

// CheckReferences reports every live node or scope bucket that still holds
// a reference. It returns nil when nothing is held.
func (s *Session) CheckReferences() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	keys := make([]nodeKey, 0, len(s.nodes))
	for k := range s.nodes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].name != keys[j].name {
			return keys[i].name < keys[j].name
		}
		return keys[i].key < keys[j].key
	})
	for _, k := range keys {
		n := s.nodes[k]
		errs = append(errs, fmt.Errorf("node %s[%s] still registered: parameters=%d results=%d module=%d access=%d",
			n.name, n.key, n.paramRefs, n.resultRefs, n.moduleRefs, n.moduleAccess))
	}
	for sc, b := range s.buckets {
		errs = append(errs, fmt.Errorf("cache scope %s holds %d references and %d objects", sc, b.refs, len(b.objects)))
	}
	return errors.Join(errs...)
}

// ClearMemo drops all memoized results.
func (s *Session) ClearMemo() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.memo != nil {
		s.memo = make(map[string]any)
	}
}
