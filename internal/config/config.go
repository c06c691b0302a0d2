package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Cache    CacheConfig    `mapstructure:"cache"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Graph    GraphConfig    `mapstructure:"graph"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Temporal TemporalConfig `mapstructure:"temporal"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// CacheConfig controls the on-disk result cache.
type CacheConfig struct {
	Directory        string `mapstructure:"directory"`
	ReadOnly         bool   `mapstructure:"read_only"`
	Disabled         bool   `mapstructure:"disabled"`
	CompressionLevel int    `mapstructure:"compression_level"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

type GraphConfig struct {
	URI      string `mapstructure:"neo4j_uri"`
	Username string `mapstructure:"neo4j_user"`
	Password string `mapstructure:"neo4j_password"`
}

type CatalogConfig struct {
	Host       string `mapstructure:"qdrant_host"`
	Port       int    `mapstructure:"qdrant_port"`
	Collection string `mapstructure:"collection"`
	Dimensions int    `mapstructure:"dimensions"`
}

type TemporalConfig struct {
	Host      string `mapstructure:"host"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

type WorkerConfig struct {
	HealthAddr string `mapstructure:"health_addr"`
	AuditPath  string `mapstructure:"audit_path"`
}

var defaults = map[string]any{
	"cache.directory":         ".lazyrunner/cache",
	"cache.read_only":         false,
	"cache.disabled":          false,
	"cache.compression_level": 3,
	"log.level":               "info",
	"log.format":              "text",
	"tracing.endpoint":        "",
	"tracing.service_name":    "lazyrunner",
	"tracing.sample_rate":     1.0,
	"graph.neo4j_uri":         "",
	"graph.neo4j_user":        "neo4j",
	"graph.neo4j_password":    "",
	"catalog.qdrant_host":     "",
	"catalog.qdrant_port":     6334,
	"catalog.collection":      "lazyrunner_results",
	"catalog.dimensions":      64,
	"temporal.host":           "localhost:7233",
	"temporal.namespace":      "default",
	"temporal.task_queue":     "lazyrunner",
	"worker.health_addr":      ":8081",
	"worker.audit_path":       "",
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() *Config {
	cfg, err := load("")
	if err != nil {
		panic(err)
	}
	return cfg
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if c.Cache.CompressionLevel < 1 || c.Cache.CompressionLevel > 22 {
		warnings = append(warnings, fmt.Sprintf("cache compression_level %d is outside [1, 22]; the zstd default is used", c.Cache.CompressionLevel))
	}
	if c.Cache.Disabled && c.Cache.ReadOnly {
		warnings = append(warnings, "cache read_only has no effect while the cache is disabled")
	}
	if !c.Cache.Disabled && c.Cache.Directory == "" {
		warnings = append(warnings, "cache directory is empty; results are kept in memory only")
	}

	switch c.Log.Format {
	case "", "text", "json", "pretty":
	default:
		warnings = append(warnings, fmt.Sprintf("log format '%s' is unknown; falling back to text", c.Log.Format))
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	if c.Catalog.Host != "" && c.Catalog.Dimensions <= 0 {
		warnings = append(warnings, fmt.Sprintf("catalog dimensions %d must be positive", c.Catalog.Dimensions))
	}

	if c.Graph.URI != "" && c.Graph.Password == "" {
		warnings = append(warnings, "graph neo4j_uri is configured but neo4j_password is empty")
	}

	return warnings
}

// Load reads configuration from an optional file and the environment.
// Environment variables use the LAZYRUNNER_ prefix, e.g.
// LAZYRUNNER_CACHE_DIRECTORY.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, err
	}

	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return cfg, nil
}

func load(path string) (*Config, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix("LAZYRUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return &cfg, nil
}
