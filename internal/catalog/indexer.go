package catalog

import (
	"context"
	"fmt"
	"sync"

	"github.com/hoytak/lazyrunner/pkg/params"
	"github.com/hoytak/lazyrunner/pkg/resolver"
)

// Indexer collects resolved results and upserts them into a repository.
// It implements resolver.Observer; entries are buffered until Flush.
type Indexer struct {
	resolver.NopObserver

	embedder *Embedder
	repo     Repository
	runID    string

	mu      sync.Mutex
	pending []Entry
}

// NewIndexer creates an indexer tagging entries with runID.
func NewIndexer(embedder *Embedder, repo Repository, runID string) *Indexer {
	return &Indexer{embedder: embedder, repo: repo, runID: runID}
}

func (x *Indexer) NodeResolved(_ context.Context, ev resolver.ResultEvent) {
	meta := Flatten(ev.Parameters)
	meta["source"] = ev.Source.String()
	if ev.Version != nil {
		meta["version"] = fmt.Sprint(ev.Version)
	}
	e := Entry{
		ID:       PointID(ev.Module, ev.Key),
		Module:   ev.Module,
		Key:      ev.Key,
		RunID:    x.runID,
		Vector:   x.embedder.Embed(ev.Parameters),
		Metadata: meta,
	}
	x.mu.Lock()
	x.pending = append(x.pending, e)
	x.mu.Unlock()
}

// Pending returns the number of buffered entries.
func (x *Indexer) Pending() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.pending)
}

// Flush upserts all buffered entries. On error the entries stay buffered.
func (x *Indexer) Flush(ctx context.Context) (int, error) {
	x.mu.Lock()
	batch := x.pending
	x.mu.Unlock()
	if len(batch) == 0 {
		return 0, nil
	}
	if err := x.repo.Upsert(ctx, batch); err != nil {
		return 0, fmt.Errorf("catalog upsert: %w", err)
	}
	x.mu.Lock()
	x.pending = x.pending[len(batch):]
	x.mu.Unlock()
	return len(batch), nil
}

// Similar searches for results whose parameters resemble t.
func Similar(ctx context.Context, embedder *Embedder, repo Repository, t *params.Tree, topK int, module string) ([]Match, error) {
	matches, err := repo.Search(ctx, embedder.Embed(t), topK, module)
	if err != nil {
		return nil, fmt.Errorf("catalog search: %w", err)
	}
	return matches, nil
}
