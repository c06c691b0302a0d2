package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hoytak/lazyrunner/pkg/resolver"
)

type metricKind string

const (
	kindCounter   metricKind = "counter"
	kindGauge     metricKind = "gauge"
	kindHistogram metricKind = "histogram"
)

// family is every series sharing a metric name.
type family struct {
	name, help string
	kind       metricKind
	series     map[string]any // label string -> *Counter, *Gauge or *Histogram
}

// MetricsRegistry holds metric families and renders them in the Prometheus
// text format.
type MetricsRegistry struct {
	mu       sync.Mutex
	families map[string]*family
}

func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{families: make(map[string]*family)}
}

// series returns the series of name with labels, creating it with create
// when absent. Reusing a name with a different kind panics.
func (r *MetricsRegistry) series(name, help string, k metricKind, labels map[string]string, create func() any) any {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		r.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metric %s registered as %s, requested as %s", name, f.kind, k))
	}
	id := labelString(labels)
	m, ok := f.series[id]
	if !ok {
		m = create()
		f.series[id] = m
	}
	return m
}

// NewCounter returns the counter of name with labels. Asking twice returns
// the same counter.
func (r *MetricsRegistry) NewCounter(name, help string, labels map[string]string) *Counter {
	return r.series(name, help, kindCounter, labels, func() any { return &Counter{} }).(*Counter)
}

func (r *MetricsRegistry) NewGauge(name, help string, labels map[string]string) *Gauge {
	return r.series(name, help, kindGauge, labels, func() any { return &Gauge{} }).(*Gauge)
}

// NewHistogram returns a histogram with the given upper bounds
// (DefaultBuckets when nil).
func (r *MetricsRegistry) NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	if buckets == nil {
		buckets = DefaultBuckets()
	}
	return r.series(name, help, kindHistogram, labels, func() any {
		return &Histogram{labels: copyLabels(labels), bounds: buckets, counts: make([]uint64, len(buckets))}
	}).(*Histogram)
}

// DefaultBuckets suits module run durations in seconds.
func DefaultBuckets() []float64 {
	return []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
}

type scalar struct {
	mu sync.Mutex
	v  float64
}

func (s *scalar) add(d float64) {
	s.mu.Lock()
	s.v += d
	s.mu.Unlock()
}

func (s *scalar) Value() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

// Counter only goes up; negative increments are ignored.
type Counter struct{ scalar }

func (c *Counter) Inc() { c.add(1) }

func (c *Counter) Add(v float64) {
	if v > 0 {
		c.add(v)
	}
}

type Gauge struct{ scalar }

func (g *Gauge) Set(v float64) {
	g.mu.Lock()
	g.v = v
	g.mu.Unlock()
}

func (g *Gauge) Inc()          { g.add(1) }
func (g *Gauge) Dec()          { g.add(-1) }
func (g *Gauge) Add(v float64) { g.add(v) }

// Histogram counts observations per bucket. counts holds per-bucket (not
// cumulative) counts; exposition accumulates them.
type Histogram struct {
	labels map[string]string
	bounds []float64

	mu     sync.Mutex
	counts []uint64
	sum    float64
	n      uint64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.n++
	if i := sort.SearchFloat64s(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.n
}

func (h *Histogram) write(w io.Writer, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var acc uint64
	for i, b := range h.bounds {
		acc += h.counts[i]
		fmt.Fprintf(w, "%s_bucket%s %d\n", name, labelString(withLabel(h.labels, "le", formatFloat(b))), acc)
	}
	fmt.Fprintf(w, "%s_bucket%s %d\n", name, labelString(withLabel(h.labels, "le", "+Inf")), h.n)
	fmt.Fprintf(w, "%s_sum%s %s\n", name, labelString(h.labels), formatFloat(h.sum))
	fmt.Fprintf(w, "%s_count%s %d\n", name, labelString(h.labels), h.n)
}

// Handler serves the registry in the Prometheus text format.
func (r *MetricsRegistry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		r.WritePrometheus(w)
	})
}

// WritePrometheus writes every family, ordered by name, with its series
// ordered by labels.
func (r *MetricsRegistry) WritePrometheus(w io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, name := range sortedKeys(r.families) {
		f := r.families[name]
		fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", f.name, f.help, f.name, f.kind)
		for _, id := range sortedKeys(f.series) {
			switch m := f.series[id].(type) {
			case *Counter:
				fmt.Fprintf(w, "%s%s %s\n", f.name, id, formatFloat(m.Value()))
			case *Gauge:
				fmt.Fprintf(w, "%s%s %s\n", f.name, id, formatFloat(m.Value()))
			case *Histogram:
				m.write(w, f.name)
			}
		}
	}
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// labelString renders labels as {k="v",...} sorted by key, or "" when
// there are none.
func labelString(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, k+`="`+labelEscaper.Replace(labels[k])+`"`)
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func withLabel(labels map[string]string, k, v string) map[string]string {
	out := copyLabels(labels)
	out[k] = v
	return out
}

func copyLabels(labels map[string]string) map[string]string {
	out := make(map[string]string, len(labels)+1)
	for k, v := range labels {
		out[k] = v
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ResolverMetrics counts resolver activity. It implements resolver.Observer
// and can be shared by every session of a process.
type ResolverMetrics struct {
	Registry *MetricsRegistry

	RunsTotal         *Counter
	RunErrorsTotal    *Counter
	RunDuration       *Histogram
	DiskWriteFailures *Counter
	ActiveRequests    *Gauge
}

// NewResolverMetrics creates the resolver metrics in a fresh registry.
func NewResolverMetrics() *ResolverMetrics {
	r := NewMetricsRegistry()
	return &ResolverMetrics{
		Registry:          r,
		RunsTotal:         r.NewCounter("lazyrunner_module_runs_total", "Module run() invocations", nil),
		RunErrorsTotal:    r.NewCounter("lazyrunner_module_run_errors_total", "Module run() invocations that failed", nil),
		RunDuration:       r.NewHistogram("lazyrunner_module_run_duration_seconds", "Module run() duration", nil, nil),
		DiskWriteFailures: r.NewCounter("lazyrunner_disk_write_failures_total", "Cache writes that failed", nil),
		ActiveRequests:    r.NewGauge("lazyrunner_active_requests", "Resolution requests in flight", nil),
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *ResolverMetrics) Handler() http.Handler {
	return m.Registry.Handler()
}

// Results returns the counter of results delivered from src.
func (m *ResolverMetrics) Results(src resolver.Source) *Counter {
	return m.Registry.NewCounter("lazyrunner_results_total", "Module results by origin",
		map[string]string{"source": src.String()})
}

// Lookups returns the counter of cache object lookups with outcome src.
func (m *ResolverMetrics) Lookups(src resolver.Source) *Counter {
	return m.Registry.NewCounter("lazyrunner_cache_lookups_total", "Cache object lookups by outcome",
		map[string]string{"source": src.String()})
}

func (m *ResolverMetrics) NodeResolved(_ context.Context, ev resolver.ResultEvent) {
	m.Results(ev.Source).Inc()
}

func (m *ResolverMetrics) ModuleRan(_ context.Context, _, _ string, d time.Duration, err error) {
	m.RunsTotal.Inc()
	m.RunDuration.Observe(d.Seconds())
	if err != nil {
		m.RunErrorsTotal.Inc()
	}
}

func (m *ResolverMetrics) CacheLookup(_, _ string, src resolver.Source) {
	m.Lookups(src).Inc()
}

func (m *ResolverMetrics) DiskWriteFailed(string, string, error) {
	m.DiskWriteFailures.Inc()
}

var _ resolver.Observer = (*ResolverMetrics)(nil)
