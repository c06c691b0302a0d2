package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hoytak/lazyrunner/internal/catalog"
	"github.com/hoytak/lazyrunner/internal/depgraph"
	"github.com/hoytak/lazyrunner/internal/graph"
	"github.com/hoytak/lazyrunner/internal/logging"
	"github.com/hoytak/lazyrunner/internal/metrics"
	"github.com/hoytak/lazyrunner/internal/observability"
	"github.com/hoytak/lazyrunner/pkg/params"
	"github.com/hoytak/lazyrunner/pkg/resolver"
)

// RunRequest is one resolution request issued by a binary.
type RunRequest struct {
	RunID   string
	Modules []string
	Tree    *params.Tree

	// Optional sinks. Graph and Catalog are written after a successful run.
	Audit    *observability.AuditLogger
	Graph    graph.Repository
	Catalog  catalog.Repository
	Embedder *catalog.Embedder
}

// RunReport is what a finished request leaves behind.
type RunReport struct {
	RunID      string
	Results    []any
	Metrics    *metrics.RunMetrics
	Resolution *depgraph.Graph
	Indexed    int
}

// Run resolves the requested modules in a fresh session and exports the
// resolution graph and catalog entries to the configured sinks. Export
// failures are logged and do not fail the run.
func (rt *Runtime) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	log := rt.Logger.With("run_id", req.RunID)
	ctx = logging.WithLogger(ctx, log)
	ctx, span := observability.StartCommandSpan(ctx, "run", req.Modules)
	defer span.End()

	report := &RunReport{RunID: req.RunID, Metrics: metrics.New(req.RunID, req.Modules)}
	recorder := depgraph.NewRecorder()
	observers := []resolver.Observer{report.Metrics, recorder}
	if req.Audit != nil {
		observers = append(observers, req.Audit)
		req.Audit.LogRequestStart(req.RunID, req.Modules)
	}
	var indexer *catalog.Indexer
	if req.Catalog != nil && req.Embedder != nil {
		indexer = catalog.NewIndexer(req.Embedder, req.Catalog, req.RunID)
		observers = append(observers, indexer)
	}

	rt.Metrics.ActiveRequests.Inc()
	start := time.Now()
	results, err := rt.Session(observers...).GetResults(ctx, req.Tree, req.Modules...)
	rt.Metrics.ActiveRequests.Dec()

	report.Metrics.Finish(err)
	if req.Audit != nil {
		req.Audit.LogRequestEnd(req.RunID, time.Since(start), err)
	}
	if rt.Store != nil {
		if st, serr := rt.Store.Stats(); serr == nil {
			report.Metrics.SetDiskUsage(st.Entries, st.Bytes)
		}
	}
	report.Resolution = recorder.Graph()
	if err != nil {
		observability.RecordError(span, err)
		return report, err
	}
	report.Results = results
	log.Info("run finished", "modules", req.Modules, "duration", time.Since(start))

	if req.Graph != nil {
		if err := exportGraph(ctx, req.Graph, req.RunID, report.Resolution); err != nil {
			log.Warn("graph export failed", "error", err)
		}
	}
	if indexer != nil {
		n, err := exportCatalog(ctx, indexer)
		if err != nil {
			log.Warn("catalog export failed", "error", err)
		}
		report.Indexed = n
	}
	return report, nil
}

func exportGraph(ctx context.Context, repo graph.Repository, runID string, g *depgraph.Graph) error {
	ctx, span := observability.StartExportSpan(ctx, "graph", len(g.Nodes))
	defer span.End()
	if err := repo.StoreGraph(ctx, runID, g); err != nil {
		observability.RecordError(span, err)
		return err
	}
	return nil
}

func exportCatalog(ctx context.Context, x *catalog.Indexer) (int, error) {
	ctx, span := observability.StartExportSpan(ctx, "catalog", x.Pending())
	defer span.End()
	n, err := x.Flush(ctx)
	if err != nil {
		observability.RecordError(span, err)
		return 0, err
	}
	return n, nil
}

// Describe derives the keys of modules without running them.
func (rt *Runtime) Describe(ctx context.Context, tree *params.Tree, modules ...string) ([]resolver.NodeInfo, error) {
	infos, err := rt.Session().Describe(ctx, tree, modules...)
	if err != nil {
		return nil, fmt.Errorf("describe %v: %w", modules, err)
	}
	return infos, nil
}
