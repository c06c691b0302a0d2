package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Hook order. Lower runs first.
const (
	OrderWorker  = 20
	OrderStores  = 70
	OrderTracing = 80
	OrderAudit   = 95
)

// Hook is one step of the shutdown sequence.
type Hook struct {
	Name  string
	Order int
	Fn    func(ctx context.Context) error
}

// Lifecycle serves the endpoints until its context ends and then runs the
// registered hooks in order.
type Lifecycle struct {
	Endpoints *Endpoints

	log     *slog.Logger
	timeout time.Duration

	mu    sync.Mutex
	hooks []Hook
}

// NewLifecycle returns a lifecycle whose hooks share a timeout of
// timeout (30s when zero).
func NewLifecycle(endpoints *Endpoints, timeout time.Duration, log *slog.Logger) *Lifecycle {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Lifecycle{Endpoints: endpoints, log: log, timeout: timeout}
}

// Add registers a hook. Hooks of equal order run in registration order.
func (l *Lifecycle) Add(h Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, h)
	sort.SliceStable(l.hooks, func(i, j int) bool { return l.hooks[i].Order < l.hooks[j].Order })
}

// Serve listens on addr (":8081" when empty), reports ready, and blocks
// until ctx is done. It then reports not ready, stops the listener and runs
// the hooks. Hook errors are joined; a failing hook does not stop the rest.
func (l *Lifecycle) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = ":8081"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return l.serve(ctx, ln)
}

func (l *Lifecycle) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      l.Endpoints.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	l.log.Info("endpoints listening", "addr", ln.Addr().String())
	l.Endpoints.SetReady(true)

	var errs []error
	select {
	case <-ctx.Done():
		l.log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			errs = append(errs, fmt.Errorf("endpoints: %w", err))
		}
	}
	l.Endpoints.SetReady(false)

	sctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		errs = append(errs, fmt.Errorf("endpoints shutdown: %w", err))
	}
	if err := l.runHooks(sctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (l *Lifecycle) runHooks(ctx context.Context) error {
	l.mu.Lock()
	hooks := append([]Hook(nil), l.hooks...)
	l.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h.Fn(ctx); err != nil {
			l.log.Error("shutdown hook failed", "hook", h.Name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.Name, err))
			continue
		}
		l.log.Debug("shutdown hook done", "hook", h.Name)
	}
	return errors.Join(errs...)
}

// WorkerHook stops the Temporal worker; in-flight activities drain first.
func WorkerHook(stop func()) Hook {
	return Hook{Name: "temporal-worker", Order: OrderWorker, Fn: func(context.Context) error {
		stop()
		return nil
	}}
}

// StoreHook closes a store (disk cache, graph, catalog, client) after the
// worker has drained.
func StoreHook(name string, close func(ctx context.Context) error) Hook {
	return Hook{Name: name, Order: OrderStores, Fn: close}
}

// TracingHook flushes pending spans.
func TracingHook(shutdown func(ctx context.Context) error) Hook {
	return Hook{Name: "tracing", Order: OrderTracing, Fn: shutdown}
}

// AuditHook closes the audit log last, so shutdown events are still
// written.
func AuditHook(close func() error) Hook {
	return Hook{Name: "audit-log", Order: OrderAudit, Fn: func(context.Context) error {
		return close()
	}}
}
