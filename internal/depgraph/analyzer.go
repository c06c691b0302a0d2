package depgraph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hoytak/lazyrunner/pkg/pmodule"
	"github.com/hoytak/lazyrunner/pkg/resolver"
)

// Recorder collects resolution events into a graph. It implements
// resolver.Observer. Each (module, key) is recorded once, with the source
// of its first resolution.
type Recorder struct {
	resolver.NopObserver

	mu     sync.Mutex
	events []resolver.ResultEvent
	seen   map[string]bool
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{seen: make(map[string]bool)} }

func (r *Recorder) NodeResolved(_ context.Context, ev resolver.ResultEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := NodeID(NodeModule, ev.Module, ev.Key)
	if r.seen[id] {
		return
	}
	r.seen[id] = true
	r.events = append(r.events, ev)
}

// Events returns the recorded events in resolution order.
func (r *Recorder) Events() []resolver.ResultEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]resolver.ResultEvent(nil), r.events...)
}

// Graph builds the graph of everything recorded so far.
func (r *Recorder) Graph() *Graph {
	return Build(r.Events())
}

// Build creates a graph from resolution events. Dependencies that were not
// themselves resolved (parameter dependencies, or modules resolved outside
// the recording) appear as nodes without a source.
func Build(events []resolver.ResultEvent) *Graph {
	b := newBuilder()
	for _, ev := range events {
		b.module(ev.Module, ev.Key, ev.Version, ev.Source.String(), map[string]string{
			"local_key":      ev.LocalKey,
			"dependency_key": ev.DependencyKey,
		})
	}
	for _, ev := range events {
		b.deps(ev.Module, ev.Key, ev.Dependencies)
	}
	return b.finish()
}

// FromInfos creates a graph from described nodes without running them.
func FromInfos(infos []resolver.NodeInfo) *Graph {
	b := newBuilder()
	for _, in := range infos {
		b.module(in.Name, in.Key, in.Version, "", map[string]string{
			"local_key":      in.LocalKey,
			"dependency_key": in.DependencyKey,
			"parameter_key":  in.ParameterKey,
		})
	}
	for _, in := range infos {
		b.deps(in.Name, in.Key, in.Dependencies)
	}
	return b.finish()
}

type builder struct {
	g     *Graph
	index map[string]int
	edges map[Edge]bool
}

func newBuilder() *builder {
	return &builder{g: &Graph{}, index: make(map[string]int), edges: make(map[Edge]bool)}
}

// NodeID is the graph identifier of a module or parameter node.
func NodeID(kind NodeKind, name, key string) string {
	if kind == NodeParameters {
		return "param:" + name + "@" + key
	}
	return name + "@" + key
}

func (b *builder) module(name, key string, version any, source string, meta map[string]string) {
	id := NodeID(NodeModule, name, key)
	if i, ok := b.index[id]; ok {
		if b.g.Nodes[i].Source == "" {
			b.g.Nodes[i].Source = source
			b.g.Nodes[i].Metadata = meta
		}
		return
	}
	b.add(Node{ID: id, Name: name, Kind: NodeModule, Key: key, Version: versionString(version), Source: source, Metadata: meta})
}

func (b *builder) add(n Node) {
	b.index[n.ID] = len(b.g.Nodes)
	b.g.Nodes = append(b.g.Nodes, n)
}

func (b *builder) deps(name, key string, refs []resolver.DependencyRef) {
	from := NodeID(NodeModule, name, key)
	for _, d := range refs {
		kind := NodeModule
		ek := EdgeResults
		switch d.Level {
		case pmodule.LevelParameters:
			kind, ek = NodeParameters, EdgeParameters
		case pmodule.LevelModule:
			ek = EdgeModule
		}
		to := NodeID(kind, d.Name, d.Key)
		if _, ok := b.index[to]; !ok {
			b.add(Node{ID: to, Name: d.Name, Kind: kind, Key: d.Key})
		}
		e := Edge{From: from, To: to, Kind: ek, Label: d.As}
		if !b.edges[e] {
			b.edges[e] = true
			b.g.Edges = append(b.g.Edges, e)
		}
	}
}

func (b *builder) finish() *Graph {
	return Assemble(b.g.Nodes, b.g.Edges)
}

// Assemble builds a graph from stored nodes and edges, ordering both and
// computing statistics.
func Assemble(nodes []Node, edges []Edge) *Graph {
	g := &Graph{Nodes: nodes, Edges: edges}
	sort.Slice(g.Nodes, func(i, j int) bool { return g.Nodes[i].ID < g.Nodes[j].ID })
	sort.Slice(g.Edges, func(i, j int) bool {
		ei, ej := g.Edges[i], g.Edges[j]
		if ei.From != ej.From {
			return ei.From < ej.From
		}
		return ei.To < ej.To
	})
	g.computeStats()
	return g
}

func versionString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// computeStats computes graph metrics
func (g *Graph) computeStats() {
	g.Stats = GraphStats{
		TotalNodes: len(g.Nodes),
		TotalEdges: len(g.Edges),
		Sources:    make(map[string]int),
	}

	fanOut := make(map[string]int)
	fanIn := make(map[string]int)

	for _, n := range g.Nodes {
		switch n.Kind {
		case NodeModule:
			g.Stats.ModuleCount++
		case NodeParameters:
			g.Stats.ParameterCount++
		}
		if n.Source != "" {
			g.Stats.Sources[n.Source]++
		}
	}

	for _, e := range g.Edges {
		fanOut[e.From]++
		fanIn[e.To]++
	}

	for _, n := range g.Nodes {
		if fanOut[n.ID] > g.Stats.MaxFanOut {
			g.Stats.MaxFanOut = fanOut[n.ID]
		}
		if fanIn[n.ID] > g.Stats.MaxFanIn {
			g.Stats.MaxFanIn = fanIn[n.ID]
			g.Stats.HotspotNode = n.ID
		}
	}

	g.Stats.ConnectedComponents = g.countComponents()
	g.Stats.CyclicDeps = g.detectCycles()
	if len(g.Stats.CyclicDeps) == 0 {
		g.Stats.Depth = g.depth()
	}
}

// countComponents counts connected components via union-find
func (g *Graph) countComponents() int {
	parent := make(map[string]string)
	var find func(string) string
	find = func(x string) string {
		if parent[x] == "" {
			parent[x] = x
		}
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		fa, fb := find(a), find(b)
		if fa != fb {
			parent[fa] = fb
		}
	}

	for _, n := range g.Nodes {
		find(n.ID)
	}
	for _, e := range g.Edges {
		union(e.From, e.To)
	}

	roots := make(map[string]bool)
	for _, n := range g.Nodes {
		roots[find(n.ID)] = true
	}
	return len(roots)
}

func (g *Graph) adjacency() map[string][]string {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
	}
	return adj
}

// detectCycles finds cycles with a DFS over the edges. The resolver rejects
// cyclic requests, so a cycle here means the graph was merged from
// inconsistent recordings.
func (g *Graph) detectCycles() [][]string {
	adj := g.adjacency()

	var cycles [][]string
	visited := make(map[string]int) // 0=unvisited, 1=in-progress, 2=done
	path := make([]string, 0)

	var dfs func(node string)
	dfs = func(node string) {
		if visited[node] == 2 {
			return
		}
		if visited[node] == 1 {
			cycle := make([]string, 0)
			for i := len(path) - 1; i >= 0; i-- {
				cycle = append(cycle, path[i])
				if path[i] == node {
					break
				}
			}
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			cycles = append(cycles, cycle)
			return
		}
		visited[node] = 1
		path = append(path, node)
		for _, next := range adj[node] {
			dfs(next)
		}
		path = path[:len(path)-1]
		visited[node] = 2
	}

	for _, n := range g.Nodes {
		if visited[n.ID] == 0 {
			dfs(n.ID)
		}
	}
	return cycles
}

// depth is the number of edges on the longest path. The graph must be
// acyclic.
func (g *Graph) depth() int {
	adj := g.adjacency()
	memo := make(map[string]int)
	var longest func(string) int
	longest = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		best := 0
		for _, next := range adj[id] {
			if d := longest(next) + 1; d > best {
				best = d
			}
		}
		memo[id] = best
		return best
	}

	deepest := 0
	for _, n := range g.Nodes {
		if d := longest(n.ID); d > deepest {
			deepest = d
		}
	}
	return deepest
}
