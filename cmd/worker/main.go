package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	temporalclient "go.temporal.io/sdk/client"

	"github.com/hoytak/lazyrunner/internal/app"
	"github.com/hoytak/lazyrunner/internal/config"
	"github.com/hoytak/lazyrunner/internal/demo"
	"github.com/hoytak/lazyrunner/internal/observability"
	"github.com/hoytak/lazyrunner/internal/server"
	temporalmod "github.com/hoytak/lazyrunner/internal/temporal"
	"github.com/hoytak/lazyrunner/pkg/resolver"
)

func main() {
	configPath := ""
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	project, err := demo.New()
	if err != nil {
		log.Fatalf("project: %v", err)
	}

	ctx := context.Background()
	rt, err := app.NewRuntime(ctx, cfg, project, os.Stderr)
	if err != nil {
		log.Fatalf("runtime: %v", err)
	}

	var observers []resolver.Observer
	var audit *observability.AuditLogger
	if cfg.Worker.AuditPath != "" {
		audit, err = observability.NewAuditLogger(&observability.AuditConfig{
			Enabled:    true,
			OutputPath: cfg.Worker.AuditPath,
		})
		if err != nil {
			log.Fatalf("audit: %v", err)
		}
		observers = append(observers, audit)
	}

	// One session serves every activity so the result memo outlives a
	// single request.
	temporalmod.SetDependencies(&temporalmod.Dependencies{
		Session: rt.Session(observers...),
		Logger:  rt.Logger,
	})

	c, err := temporalclient.Dial(temporalclient.Options{
		HostPort:  cfg.Temporal.Host,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		log.Fatalf("temporal client: %v", err)
	}

	w, err := temporalmod.StartWorker(c, cfg.Temporal.TaskQueue)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}

	endpoints := server.NewEndpoints(app.Version, rt.Logger)
	endpoints.Register("temporal", server.TemporalCheck(func(ctx context.Context) error {
		_, err := c.CheckHealth(ctx, &temporalclient.CheckHealthRequest{})
		return err
	}))
	if rt.Store != nil {
		endpoints.Register("cache", server.CacheDirCheck(rt.Store.Root(), cfg.Cache.ReadOnly))
	}
	if cfg.Graph.URI != "" {
		endpoints.Register("graph", server.OptionalCheck("neo4j", func(ctx context.Context) error {
			repo, err := rt.GraphRepository(ctx)
			if err != nil {
				return err
			}
			return repo.Close(ctx)
		}))
	}
	if cfg.Catalog.Host != "" {
		endpoints.Register("catalog", server.OptionalCheck("qdrant", func(ctx context.Context) error {
			repo, _, err := rt.Catalog(ctx)
			if err != nil {
				return err
			}
			return repo.Close()
		}))
	}
	endpoints.Mount("/metrics", rt.Metrics.Handler())

	lc := server.NewLifecycle(endpoints, 0, rt.Logger)
	lc.Add(server.WorkerHook(w.Stop))
	lc.Add(server.StoreHook("temporal-client", func(context.Context) error {
		c.Close()
		return nil
	}))
	if rt.Store != nil {
		lc.Add(server.StoreHook("cache", func(context.Context) error {
			return rt.Store.Close()
		}))
	}
	lc.Add(server.TracingHook(rt.Tracing.Shutdown))
	if audit != nil {
		lc.Add(server.AuditHook(audit.Close))
	}

	fmt.Printf("Worker started on task queue: %s\n", cfg.Temporal.TaskQueue)
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := lc.Serve(ctx, cfg.Worker.HealthAddr); err != nil {
		log.Printf("shutdown: %v", err)
	}
	fmt.Println("Worker stopped")
}
