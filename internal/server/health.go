// Package server provides the worker's HTTP endpoints (health probes and
// metrics) and its shutdown sequence.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the state of one probe or of the whole worker.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFailing  Status = "failing"
)

// worse reports whether a is more severe than b.
func worse(a, b Status) bool {
	rank := map[Status]int{StatusOK: 0, StatusDegraded: 1, StatusFailing: 2}
	return rank[a] > rank[b]
}

// Probe is the outcome of one named check.
type Probe struct {
	Name    string            `json:"name"`
	Status  Status            `json:"status"`
	Message string            `json:"message,omitempty"`
	Details map[string]string `json:"details,omitempty"`
}

// Report is the body of every probe endpoint.
type Report struct {
	Status  Status    `json:"status"`
	Time    time.Time `json:"time"`
	Version string    `json:"version,omitempty"`
	Probes  []Probe   `json:"probes,omitempty"`
}

// Check evaluates one dependency of the worker.
type Check func(ctx context.Context) Probe

// Endpoints serves /healthz, /readyz and /livez plus any mounted handlers.
type Endpoints struct {
	version string
	log     *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	checks map[string]Check
	mounts map[string]http.Handler

	ready atomic.Bool
}

// NewEndpoints returns endpoints that report not ready until SetReady.
func NewEndpoints(version string, log *slog.Logger) *Endpoints {
	if log == nil {
		log = slog.Default()
	}
	return &Endpoints{
		version: version,
		log:     log,
		timeout: 5 * time.Second,
		checks:  make(map[string]Check),
		mounts:  make(map[string]http.Handler),
	}
}

// Register adds or replaces the check called name.
func (e *Endpoints) Register(name string, c Check) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.checks[name] = c
}

// Mount serves h at path.
func (e *Endpoints) Mount(path string, h http.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mounts[path] = h
}

func (e *Endpoints) SetReady(ready bool) { e.ready.Store(ready) }

// Handler builds the mux. Handlers mounted later are not picked up.
func (e *Endpoints) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", e.serveHealth)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		e.serveFlag(w, e.ready.Load())
	})
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		e.serveFlag(w, true)
	})

	e.mu.RLock()
	for path, h := range e.mounts {
		mux.Handle(path, h)
	}
	e.mu.RUnlock()
	return mux
}

// Evaluate runs every check concurrently and folds them into one report,
// with probes ordered by name. The worst probe decides the status.
func (e *Endpoints) Evaluate(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.mu.RLock()
	names := make([]string, 0, len(e.checks))
	for name := range e.checks {
		names = append(names, name)
	}
	checks := make([]Check, len(names))
	sort.Strings(names)
	for i, name := range names {
		checks[i] = e.checks[name]
	}
	e.mu.RUnlock()

	probes := make([]Probe, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func(i int, c Check) {
			defer wg.Done()
			p := c(ctx)
			p.Name = names[i]
			probes[i] = p
		}(i, c)
	}
	wg.Wait()

	r := Report{Status: StatusOK, Time: time.Now().UTC(), Version: e.version, Probes: probes}
	for _, p := range probes {
		if worse(p.Status, r.Status) {
			r.Status = p.Status
		}
	}
	return r
}

func (e *Endpoints) serveHealth(w http.ResponseWriter, r *http.Request) {
	report := e.Evaluate(r.Context())
	code := http.StatusOK
	if report.Status == StatusFailing {
		code = http.StatusServiceUnavailable
	}
	e.write(w, code, report)
}

func (e *Endpoints) serveFlag(w http.ResponseWriter, ok bool) {
	report := Report{Status: StatusOK, Time: time.Now().UTC(), Version: e.version}
	code := http.StatusOK
	if !ok {
		report.Status, code = StatusFailing, http.StatusServiceUnavailable
	}
	e.write(w, code, report)
}

func (e *Endpoints) write(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		e.log.Debug("write probe response", "error", err)
	}
}

// TemporalCheck fails the worker when the Temporal frontend is unreachable.
func TemporalCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Probe {
		if err := ping(ctx); err != nil {
			return Probe{Status: StatusFailing, Message: "temporal: " + err.Error()}
		}
		return Probe{Status: StatusOK}
	}
}

// OptionalCheck reports a failing optional service (graph store, result
// catalog) as degraded. Resolution works without it.
func OptionalCheck(service string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Probe {
		p := Probe{Status: StatusOK, Details: map[string]string{"service": service}}
		if err := ping(ctx); err != nil {
			p.Status = StatusDegraded
			p.Message = service + ": " + err.Error()
		}
		return p
	}
}

// CacheDirCheck verifies that the disk cache directory accepts writes. A
// read-only cache is not probed.
func CacheDirCheck(dir string, readOnly bool) Check {
	return func(context.Context) Probe {
		p := Probe{Status: StatusOK, Details: map[string]string{"path": dir}}
		if readOnly {
			p.Details["mode"] = "read-only"
			return p
		}
		f, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			p.Status = StatusDegraded
			p.Message = "cache not writable: " + err.Error()
			return p
		}
		f.Close()
		os.Remove(f.Name())
		return p
	}
}
