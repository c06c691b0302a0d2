package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/hoytak/lazyrunner/pkg/resolver"
)

// RunMetrics collects statistics for one lazyrunner invocation. It
// implements resolver.Observer.
type RunMetrics struct {
	mu sync.Mutex

	RunID      string          `json:"run_id"`
	Modules    []string        `json:"modules"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Duration   time.Duration   `json:"duration_ms,omitempty"`
	Results    []ResultMetrics `json:"results"`
	Runs       []RunTiming     `json:"runs"`
	Cache      CacheMetrics    `json:"cache"`
	Errors     []string        `json:"errors,omitempty"`
}

// ResultMetrics is one module result delivered during the run.
type ResultMetrics struct {
	Module string `json:"module"`
	Key    string `json:"key"`
	Source string `json:"source"`
}

// RunTiming is one invocation of a module's run().
type RunTiming struct {
	Module   string        `json:"module"`
	Key      string        `json:"key"`
	Duration time.Duration `json:"duration_ms"`
	Failed   bool          `json:"failed,omitempty"`
}

type CacheMetrics struct {
	MemoryHits        int   `json:"memory_hits"`
	DiskHits          int   `json:"disk_hits"`
	Misses            int   `json:"misses"`
	DiskWriteFailures int   `json:"disk_write_failures"`
	DiskEntries       int   `json:"disk_entries"`
	DiskBytes         int64 `json:"disk_bytes"`
}

// New starts tracking a run.
func New(runID string, modules []string) *RunMetrics {
	return &RunMetrics{RunID: runID, Modules: modules, StartedAt: time.Now()}
}

func (m *RunMetrics) NodeResolved(_ context.Context, ev resolver.ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Results = append(m.Results, ResultMetrics{Module: ev.Module, Key: ev.Key, Source: ev.Source.String()})
	m.count(ev.Source)
}

func (m *RunMetrics) ModuleRan(_ context.Context, module, key string, d time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Runs = append(m.Runs, RunTiming{Module: module, Key: key, Duration: d, Failed: err != nil})
}

func (m *RunMetrics) CacheLookup(_, _ string, src resolver.Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count(src)
}

func (m *RunMetrics) DiskWriteFailed(string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cache.DiskWriteFailures++
}

func (m *RunMetrics) count(src resolver.Source) {
	switch src {
	case resolver.SourceMemory:
		m.Cache.MemoryHits++
	case resolver.SourceDisk:
		m.Cache.DiskHits++
	case resolver.SourceMiss, resolver.SourceRun:
		m.Cache.Misses++
	}
}

// SetDiskUsage records the size of the disk cache after the run.
func (m *RunMetrics) SetDiskUsage(entries int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Cache.DiskEntries = entries
	m.Cache.DiskBytes = bytes
}

// Finish marks the run as complete.
func (m *RunMetrics) Finish(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.FinishedAt = time.Now()
	m.Duration = m.FinishedAt.Sub(m.StartedAt)
	if err != nil {
		m.Errors = append(m.Errors, err.Error())
	}
}

// PrintSummary writes a human-readable summary.
func (m *RunMetrics) PrintSummary(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fmt.Fprintf(w, "\n╔══════════════════════════════════════╗\n")
	fmt.Fprintf(w, "║          LAZYRUNNER RUN REPORT       ║\n")
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ Run:         %-23s║\n", truncate(m.RunID, 23))
	fmt.Fprintf(w, "║ Duration:    %-23s║\n", m.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
	fmt.Fprintf(w, "║ CACHE\n")
	fmt.Fprintf(w, "║   Memory hits: %d\n", m.Cache.MemoryHits)
	fmt.Fprintf(w, "║   Disk hits:   %d\n", m.Cache.DiskHits)
	fmt.Fprintf(w, "║   Misses:      %d\n", m.Cache.Misses)
	if m.Cache.DiskWriteFailures > 0 {
		fmt.Fprintf(w, "║   Failed writes: %d\n", m.Cache.DiskWriteFailures)
	}
	if m.Cache.DiskEntries > 0 {
		fmt.Fprintf(w, "║   On disk:     %d entries, %s\n", m.Cache.DiskEntries, FormatBytes(m.Cache.DiskBytes))
	}
	if len(m.Runs) > 0 {
		fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
		fmt.Fprintf(w, "║ RUNS\n")
		for _, r := range m.Runs {
			status := "OK"
			if r.Failed {
				status = "FAILED"
			}
			fmt.Fprintf(w, "║   %-14s %8s  [%s] %s\n", r.Module, r.Duration.Round(time.Millisecond), r.Key, status)
		}
	}
	if len(m.Errors) > 0 {
		fmt.Fprintf(w, "╠══════════════════════════════════════╣\n")
		fmt.Fprintf(w, "║ ERRORS\n")
		for _, e := range m.Errors {
			fmt.Fprintf(w, "║   • %s\n", e)
		}
	}
	fmt.Fprintf(w, "╚══════════════════════════════════════╝\n")
}

// JSON returns the metrics as formatted JSON.
func (m *RunMetrics) JSON() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return json.MarshalIndent(m, "", "  ")
}

// FormatBytes renders a byte count with a binary unit.
func FormatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ resolver.Observer = (*RunMetrics)(nil)
