package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hoytak/lazyrunner/internal/catalog"
	catalogqdrant "github.com/hoytak/lazyrunner/internal/catalog/qdrant"
	"github.com/hoytak/lazyrunner/internal/config"
	"github.com/hoytak/lazyrunner/internal/diskcache"
	"github.com/hoytak/lazyrunner/internal/graph"
	graphneo4j "github.com/hoytak/lazyrunner/internal/graph/neo4j"
	"github.com/hoytak/lazyrunner/internal/logging"
	"github.com/hoytak/lazyrunner/internal/observability"
	"github.com/hoytak/lazyrunner/pkg/resolver"
)

// Version is reported by the binaries and stamped on traces.
var Version = "0.1.0"

// Runtime holds the process-wide resources shared by resolution sessions.
type Runtime struct {
	Config  *config.Config
	Logger  *slog.Logger
	Project *Project
	Store   *diskcache.Store
	Metrics *observability.ResolverMetrics
	Tracing *observability.TracerProvider
}

// NewRuntime builds the logger, opens the disk cache (unless disabled) and
// starts tracing. Logs go to logOut.
func NewRuntime(ctx context.Context, cfg *config.Config, project *Project, logOut io.Writer) (*Runtime, error) {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, logOut)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Project: project,
		Metrics: observability.NewResolverMetrics(),
	}

	if !cfg.Cache.Disabled {
		rt.Store, err = diskcache.Open(cfg.Cache.Directory,
			diskcache.WithCompressionLevel(cfg.Cache.CompressionLevel),
			diskcache.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("open cache: %w", err)
		}
	}

	tcfg := observability.DefaultTracingConfig()
	tcfg.ServiceName = cfg.Tracing.ServiceName
	tcfg.ServiceVersion = Version
	tcfg.OTLPEndpoint = cfg.Tracing.Endpoint
	tcfg.SampleRate = cfg.Tracing.SampleRate
	rt.Tracing, err = observability.InitTracing(ctx, tcfg)
	if err != nil {
		rt.closeStore()
		return nil, err
	}
	return rt, nil
}

// Session creates a resolver session over the shared caches. The runtime's
// metrics and module spans observe every session; extra observers are
// added after them.
func (rt *Runtime) Session(extra ...resolver.Observer) *resolver.Session {
	opts := []resolver.Option{
		resolver.WithLogger(rt.Logger),
		resolver.WithObserver(rt.Metrics),
		resolver.WithObserver(observability.ModuleSpans{}),
	}
	if rt.Project.Presets != nil {
		opts = append(opts, resolver.WithPresets(rt.Project.Presets))
	}
	if rt.Store != nil {
		opts = append(opts, resolver.WithDiskStore(rt.Store, rt.Config.Cache.ReadOnly))
	}
	if rt.Config.Cache.Disabled {
		opts = append(opts, resolver.WithoutResultMemo())
	}
	for _, o := range extra {
		opts = append(opts, resolver.WithObserver(o))
	}
	return resolver.New(rt.Project.Registry, opts...)
}

// GraphRepository connects to Neo4j. It returns nil when no URI is
// configured.
func (rt *Runtime) GraphRepository(ctx context.Context) (graph.Repository, error) {
	g := rt.Config.Graph
	if g.URI == "" {
		return nil, nil
	}
	repo, err := graphneo4j.NewNeo4j(ctx, g.URI, g.Username, g.Password)
	if err != nil {
		return nil, err
	}
	return repo, nil
}

// Catalog connects to Qdrant and ensures the collection exists. It returns
// a nil repository when no host is configured.
func (rt *Runtime) Catalog(ctx context.Context) (catalog.Repository, *catalog.Embedder, error) {
	c := rt.Config.Catalog
	embedder, err := catalog.NewEmbedder(c.Dimensions)
	if err != nil {
		return nil, nil, err
	}
	if c.Host == "" {
		return nil, embedder, nil
	}
	repo, err := catalogqdrant.NewQdrant(ctx, c.Host, c.Port, c.Collection)
	if err != nil {
		return nil, nil, err
	}
	if err := repo.EnsureCollection(ctx, c.Dimensions); err != nil {
		repo.Close()
		return nil, nil, err
	}
	return repo, embedder, nil
}

func (rt *Runtime) closeStore() error {
	if rt.Store == nil {
		return nil
	}
	return rt.Store.Close()
}

// Close flushes traces and releases the cache.
func (rt *Runtime) Close(ctx context.Context) error {
	var errs []error
	if rt.Tracing != nil {
		if err := rt.Tracing.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
	}
	if err := rt.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
