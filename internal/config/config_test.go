package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasWarning(warnings []string, substr string) bool {
	for _, w := range warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ".lazyrunner/cache", cfg.Cache.Directory)
	assert.Equal(t, 3, cfg.Cache.CompressionLevel)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "lazyrunner", cfg.Temporal.TaskQueue)
	assert.Equal(t, 6334, cfg.Catalog.Port)
	assert.Equal(t, 64, cfg.Catalog.Dimensions)
	assert.Empty(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lazyrunner.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  directory: /tmp/lr
  read_only: true
log:
  level: debug
  format: json
catalog:
  qdrant_host: qdrant.local
`), 0o644))
	t.Setenv("LAZYRUNNER_LOG_LEVEL", "warn")
	t.Setenv("LAZYRUNNER_TEMPORAL_TASK_QUEUE", "batch")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/lr", cfg.Cache.Directory)
	assert.True(t, cfg.Cache.ReadOnly)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "batch", cfg.Temporal.TaskQueue)
	assert.Equal(t, "qdrant.local", cfg.Catalog.Host)
	assert.Equal(t, 3, cfg.Cache.CompressionLevel)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"compression", func(c *Config) { c.Cache.CompressionLevel = 40 }, "compression_level"},
		{"read only disabled", func(c *Config) { c.Cache.Disabled, c.Cache.ReadOnly = true, true }, "read_only"},
		{"no directory", func(c *Config) { c.Cache.Directory = "" }, "directory"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log format"},
		{"sample rate", func(c *Config) { c.Tracing.SampleRate = 1.5 }, "sample_rate"},
		{"dimensions", func(c *Config) { c.Catalog.Host, c.Catalog.Dimensions = "q", 0 }, "dimensions"},
		{"neo4j password", func(c *Config) { c.Graph.URI = "bolt://x" }, "neo4j_password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.True(t, hasWarning(cfg.Validate(), tt.want), "expected a warning containing %q", tt.want)
		})
	}
}
