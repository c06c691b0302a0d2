package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, h http.Handler, path string) (int, Report) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var r Report
	if rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &r))
	}
	return rec.Code, r
}

func ok(context.Context) error { return nil }

func TestReadiness(t *testing.T) {
	e := NewEndpoints("v1", nil)
	h := e.Handler()

	code, r := get(t, h, "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, StatusFailing, r.Status)

	e.SetReady(true)
	code, r = get(t, h, "/readyz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v1", r.Version)

	code, _ = get(t, h, "/livez")
	assert.Equal(t, http.StatusOK, code)
}

func TestHealthFoldsProbes(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	tests := []struct {
		name   string
		checks map[string]Check
		status Status
		code   int
	}{
		{"no checks", nil, StatusOK, http.StatusOK},
		{
			"optional service down",
			map[string]Check{"temporal": TemporalCheck(ok), "graph": OptionalCheck("neo4j", down)},
			StatusDegraded, http.StatusOK,
		},
		{
			"temporal down",
			map[string]Check{"temporal": TemporalCheck(down), "graph": OptionalCheck("neo4j", down)},
			StatusFailing, http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEndpoints("v1", nil)
			for name, c := range tt.checks {
				e.Register(name, c)
			}
			code, r := get(t, e.Handler(), "/healthz")
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.status, r.Status)
			assert.Len(t, r.Probes, len(tt.checks))
		})
	}
}

func TestProbesAreOrderedByName(t *testing.T) {
	e := NewEndpoints("", nil)
	e.Register("zeta", TemporalCheck(ok))
	e.Register("alpha", OptionalCheck("qdrant", ok))
	r := e.Evaluate(context.Background())
	require.Len(t, r.Probes, 2)
	assert.Equal(t, "alpha", r.Probes[0].Name)
	assert.Equal(t, "qdrant", r.Probes[0].Details["service"])
	assert.Equal(t, "zeta", r.Probes[1].Name)
}

func TestMount(t *testing.T) {
	e := NewEndpoints("", nil)
	e.Mount("/metrics", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("lazyrunner_runs_total 3\n"))
	}))
	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "lazyrunner_runs_total 3")
}

func TestCacheDirCheck(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	p := CacheDirCheck(dir, false)(ctx)
	assert.Equal(t, StatusOK, p.Status)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	missing := filepath.Join(dir, "missing")
	assert.Equal(t, StatusDegraded, CacheDirCheck(missing, false)(ctx).Status)

	p = CacheDirCheck(missing, true)(ctx)
	assert.Equal(t, StatusOK, p.Status)
	assert.Equal(t, "read-only", p.Details["mode"])
}
