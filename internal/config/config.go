// Package config loads gateway configuration from config.yaml with
// LOGOS_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	RateLimit RateLimitConfig `koanf:"rate_limit"`
	Discovery DiscoveryConfig `koanf:"discovery"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Classify  ClassifyConfig  `koanf:"classify"`
	Embedding EmbeddingConfig `koanf:"embedding"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// RequestTimeout is a duration string like "120s".
	RequestTimeout string `koanf:"request_timeout"`
}

type StorageConfig struct {
	Type   string       `koanf:"type"` // sqlite, memory
	SQLite SQLiteConfig `koanf:"sqlite"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RateLimitConfig struct {
	// Window is the sliding window width, a duration string like "60s".
	Window string `koanf:"window"`
}

type DiscoveryConfig struct {
	// ProbeInterval is how often registered providers are re-probed.
	ProbeInterval string `koanf:"probe_interval"`
	// StaleAfter is how long a provider may stay continuously unhealthy
	// before eviction.
	StaleAfter string `koanf:"stale_after"`
	// Timeout bounds one discovery attempt.
	Timeout string `koanf:"timeout"`
}

type SchedulerConfig struct {
	// DefaultMaxParallel applies to models that do not set max_parallel.
	DefaultMaxParallel int `koanf:"default_max_parallel"`
}

type ClassifyConfig struct {
	MinSimilarity         float64 `koanf:"min_similarity"`
	DisablePolicyFilter   bool    `koanf:"disable_policy_filter"`
	DisableContextFilter  bool    `koanf:"disable_context_filter"`
	DisableSemanticFilter bool    `koanf:"disable_semantic_filter"`
}

type EmbeddingConfig struct {
	// BaseURL of an OpenAI-compatible embeddings endpoint. Empty disables
	// the semantic stage.
	BaseURL   string `koanf:"base_url"`
	APIKey    string `koanf:"api_key"`
	Model     string `koanf:"model"`
	CacheSize int    `koanf:"cache_size"`
}

type TelemetryConfig struct {
	TracingEnabled bool `koanf:"tracing_enabled"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the config file at path ("" means config.yaml), overlays
// LOGOS_-prefixed environment variables, and applies defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.yaml"
	}

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	// Environment variables override file config: LOGOS_SERVER__PORT=9090
	if err := k.Load(env.Provider("LOGOS_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "LOGOS_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	cfg.Embedding.APIKey = substituteEnvVars(cfg.Embedding.APIKey)

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.RequestTimeout == "" {
		c.Server.RequestTimeout = "120s"
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "memory"
	}
	if c.Storage.SQLite.Path == "" {
		c.Storage.SQLite.Path = "logos.db"
	}
	if c.RateLimit.Window == "" {
		c.RateLimit.Window = "60s"
	}
	if c.Discovery.ProbeInterval == "" {
		c.Discovery.ProbeInterval = "30s"
	}
	if c.Discovery.StaleAfter == "" {
		c.Discovery.StaleAfter = "10m"
	}
	if c.Discovery.Timeout == "" {
		c.Discovery.Timeout = "5s"
	}
	if c.Scheduler.DefaultMaxParallel == 0 {
		c.Scheduler.DefaultMaxParallel = 4
	}
	if c.Classify.MinSimilarity == 0 {
		c.Classify.MinSimilarity = 0.35
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = "text-embedding-3-small"
	}
	if c.Embedding.CacheSize == 0 {
		c.Embedding.CacheSize = 512
	}
}

// Duration parses a duration string field, falling back to def when the
// field is empty or malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
