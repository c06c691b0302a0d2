// Package catalog indexes resolved results by their parameters so that runs
// with similar parameter trees can be found later.
package catalog

import (
	"context"
	"math"
	"sort"
	"sync"
)

// Entry is one resolved result in the catalog.
type Entry struct {
	ID       string
	Module   string
	Key      string
	RunID    string
	Vector   []float32
	Metadata map[string]string
}

// Match is a single hit from a similarity search.
type Match struct {
	ID       string
	Score    float32
	Module   string
	Key      string
	RunID    string
	Metadata map[string]string
}

// Repository provides vector storage and similarity search.
type Repository interface {
	// Upsert inserts or updates entries.
	Upsert(ctx context.Context, entries []Entry) error
	// Search finds the topK entries most similar to vec. A non-empty module
	// restricts the search to that module's results.
	Search(ctx context.Context, vec []float32, topK int, module string) ([]Match, error)
	// Close releases resources.
	Close() error
}

// MemoryRepository is an in-process Repository ranking by cosine similarity.
type MemoryRepository struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemory() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]Entry)}
}

func (m *MemoryRepository) Upsert(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.entries[e.ID] = e
	}
	return nil
}

func (m *MemoryRepository) Search(_ context.Context, vec []float32, topK int, module string) ([]Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Match
	for _, e := range m.entries {
		if module != "" && e.Module != module {
			continue
		}
		out = append(out, Match{
			ID:       e.ID,
			Score:    cosine(vec, e.Vector),
			Module:   e.Module,
			Key:      e.Key,
			RunID:    e.RunID,
			Metadata: e.Metadata,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (m *MemoryRepository) Close() error { return nil }

// Len returns the number of stored entries.
func (m *MemoryRepository) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

var _ Repository = (*MemoryRepository)(nil)
