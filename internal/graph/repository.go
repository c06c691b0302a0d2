// Package graph persists resolution graphs so that runs can be inspected
// and queried after the process exits.
package graph

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hoytak/lazyrunner/internal/depgraph"
)

// Repository provides graph storage for resolution graphs.
type Repository interface {
	// StoreGraph persists the graph of one run.
	StoreGraph(ctx context.Context, runID string, g *depgraph.Graph) error
	// LoadGraph retrieves the graph recorded for a run.
	LoadGraph(ctx context.Context, runID string) (*depgraph.Graph, error)
	// QueryDependents returns the IDs of results that depend on nodeID in
	// any stored run.
	QueryDependents(ctx context.Context, nodeID string) ([]string, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// MemoryRepository keeps graphs in process memory.
type MemoryRepository struct {
	mu   sync.Mutex
	runs map[string]*depgraph.Graph
}

func NewMemory() *MemoryRepository {
	return &MemoryRepository{runs: make(map[string]*depgraph.Graph)}
}

func (m *MemoryRepository) StoreGraph(_ context.Context, runID string, g *depgraph.Graph) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *g
	cp.Nodes = append([]depgraph.Node(nil), g.Nodes...)
	cp.Edges = append([]depgraph.Edge(nil), g.Edges...)
	m.runs[runID] = &cp
	return nil
}

func (m *MemoryRepository) LoadGraph(_ context.Context, runID string) (*depgraph.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: not found", runID)
	}
	return g, nil
}

func (m *MemoryRepository) QueryDependents(_ context.Context, nodeID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for _, g := range m.runs {
		for _, e := range g.Edges {
			if e.To == nodeID {
				seen[e.From] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryRepository) Close(context.Context) error { return nil }

var _ Repository = (*MemoryRepository)(nil)
