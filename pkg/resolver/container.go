package resolver

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"
)

// resultsName is the object name of a node's result container.
const resultsName = "__results__"

// ErrAlreadySet is returned when a cached object is saved twice.
var ErrAlreadySet = errors.New("cached object already set")

// scope identifies a cache bucket. Empty fields are unspecified, so a
// bucket with all fields empty is shared by every module.
type scope struct {
	module string
	local  string
	deps   string
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

func (sc scope) String() string {
	return orNull(sc.module) + "/" + orNull(sc.local) + "/" + orNull(sc.deps)
}

// scopes lists every bucket a node contributes references to.
func (n *node) scopes() []scope {
	out := make([]scope, 0, 8)
	for _, m := range [2]string{n.name, ""} {
		for _, l := range [2]string{n.localKey, ""} {
			for _, d := range [2]string{n.dependencyKey, ""} {
				out = append(out, scope{m, l, d})
			}
		}
	}
	return out
}

type bucket struct {
	refs    int
	objects map[string]*Container
}

type npKey struct {
	module string
	name   string
}

// Container is a write-once slot for a cached object.
type Container struct {
	scope        scope
	name         string
	specific     string
	persistent   bool
	diskWritable bool

	loaded bool
	value  any
	source Source
	hooks  []func(any)
}

func newContainer(sc scope, name, specific string, persistent, diskWritable bool) *Container {
	return &Container{
		scope:        sc,
		name:         name,
		specific:     specific,
		persistent:   persistent,
		diskWritable: diskWritable && persistent,
	}
}

// Loaded reports whether the container holds a value.
func (c *Container) Loaded() bool { return c.loaded }

// Value returns the value and whether it is loaded.
func (c *Container) Value() (any, bool) { return c.value, c.loaded }

// Set stores v and fires the registered hooks.
func (c *Container) Set(v any) error {
	if c.loaded {
		return fmt.Errorf("%s: %w", c.Key(), ErrAlreadySet)
	}
	c.value, c.loaded, c.source = v, true, SourceRun
	hooks := c.hooks
	c.hooks = nil
	for _, h := range hooks {
		h(v)
	}
	return nil
}

// Key is the object's identity string.
func (c *Container) Key() string {
	return strings.Join([]string{
		orNull(c.scope.module), c.name, orNull(c.scope.local), orNull(c.scope.deps), orNull(c.specific),
	}, "-")
}

// Path is the object's location relative to the cache root.
func (c *Container) Path() string {
	return path.Join(orNull(c.scope.module), c.name,
		orNull(c.scope.local)+"-"+orNull(c.scope.deps)+"-"+orNull(c.specific))
}

func (c *Container) objectKey() string { return c.name + "/" + c.specific }

func (c *Container) onSet(fn func(any)) { c.hooks = append(c.hooks, fn) }

func (s *Session) increaseCachingReference(n *node) {
	for _, sc := range n.scopes() {
		b, ok := s.buckets[sc]
		if !ok {
			b = &bucket{objects: make(map[string]*Container)}
			s.buckets[sc] = b
		}
		b.refs++
	}
}

func (s *Session) decreaseCachingReference(n *node) {
	for _, sc := range n.scopes() {
		b, ok := s.buckets[sc]
		if !ok {
			if n.generation != s.generation {
				continue
			}
			n.invariant("cache scope %s released without a reference", sc)
		}
		b.refs--
		switch {
		case b.refs < 0:
			n.invariant("cache scope %s reference count is negative", sc)
		case b.refs == 0:
			s.dropBucket(sc, b)
		}
	}
}

func (s *Session) dropBucket(sc scope, b *bucket) {
	for _, c := range b.objects {
		if c.persistent {
			continue
		}
		k := npKey{c.scope.module, c.name}
		if s.nonPersistent[k] == c {
			delete(s.nonPersistent, k)
		}
	}
	delete(s.buckets, sc)
}

// loadContainer returns the shared container for c's identity, consulting
// the in-memory bucket and then the disk store. Objects are held in memory
// only while their scope bucket is referenced.
func (s *Session) loadContainer(module string, c *Container) *Container {
	b, ok := s.buckets[c.scope]
	if ok {
		if existing, hit := b.objects[c.objectKey()]; hit {
			s.observers.CacheLookup(module, c.name, SourceMemory)
			return existing
		}
	}

	s.loadFromDisk(module, c)
	if !c.persistent {
		c.onSet(func(any) { s.replaceNonPersistent(c) })
	}
	if ok {
		b.objects[c.objectKey()] = c
	}
	return c
}

func (s *Session) replaceNonPersistent(c *Container) {
	k := npKey{c.scope.module, c.name}
	if prev, ok := s.nonPersistent[k]; ok && prev != c {
		if b, ok := s.buckets[prev.scope]; ok && b.objects[prev.objectKey()] == prev {
			delete(b.objects, prev.objectKey())
		}
	}
	s.nonPersistent[k] = c
}

func (s *Session) loadFromDisk(module string, c *Container) {
	if s.disk == nil || !c.diskWritable {
		s.observers.CacheLookup(module, c.name, SourceMiss)
		return
	}
	v, err := s.disk.Load(c.Path())
	switch {
	case err == nil:
		c.value, c.loaded, c.source = v, true, SourceDisk
		s.observers.CacheLookup(module, c.name, SourceDisk)
		s.log.Debug("loaded cached object from disk", "module", module, "object", c.Key())
		return
	case errors.Is(err, fs.ErrNotExist):
		s.log.Debug("cached object not on disk", "module", module, "object", c.Key())
	default:
		s.log.Error("failed to load cached object, recomputing", "module", module, "object", c.Key(), "error", err)
	}
	s.observers.CacheLookup(module, c.name, SourceMiss)
	if !s.readOnly {
		c.onSet(func(v any) { s.saveToDisk(module, c, v) })
	}
}

func (s *Session) saveToDisk(module string, c *Container, v any) {
	if v == nil {
		return
	}
	if err := s.disk.Save(c.Path(), v); err != nil {
		s.log.Error("failed to write cached object", "module", module, "object", c.Key(), "error", err)
		s.observers.DiskWriteFailed(module, c.name, err)
		return
	}
	s.log.Debug("wrote cached object", "module", module, "object", c.Key())
}

// loadResults finds the result container of n in the memo or on disk.
// Results are held by their node rather than a scope bucket.
func (s *Session) loadResults(n *node) *Container {
	c := newContainer(scope{n.name, n.localKey, n.dependencyKey}, resultsName, "", true, n.resultCacheable)
	memoize := s.memo != nil && n.diskWritable
	memoKey := n.name + "/" + n.key
	if memoize {
		if v, ok := s.memo[memoKey]; ok {
			c.value, c.loaded, c.source = v, true, SourceMemory
			s.observers.CacheLookup(n.name, resultsName, SourceMemory)
			return c
		}
	}
	s.loadFromDisk(n.name, c)
	if memoize {
		if v, ok := c.Value(); ok {
			s.memo[memoKey] = v
		} else {
			c.onSet(func(v any) {
				if v != nil {
					s.memo[memoKey] = v
				}
			})
		}
	}
	return c
}
