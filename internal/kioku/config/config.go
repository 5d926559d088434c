// Package config loads kioku's configuration: defaults, then an optional
// YAML file, then KIOKU_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kioku/common/redact"
	"github.com/bdobrica/Kioku/internal/kioku/aging"
	"github.com/bdobrica/Kioku/internal/kioku/assembler"
	"github.com/bdobrica/Kioku/internal/kioku/semantic"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "KIOKU_"

// Embedding providers.
const (
	ProviderNone   = "none"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database" envPrefix:"DATABASE_"`
	Log       LogConfig       `yaml:"log" envPrefix:"LOG_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Embedding EmbeddingConfig `yaml:"embedding" envPrefix:"EMBEDDING_"`
	Index     IndexConfig     `yaml:"index" envPrefix:"INDEX_"`
	Context   ContextConfig   `yaml:"context" envPrefix:"CONTEXT_"`
	Aging     AgingConfig     `yaml:"aging" envPrefix:"AGING_"`
	Tracing   TracingConfig   `yaml:"tracing" envPrefix:"TRACING_"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// HTTPConfig configures the health/status listener. An empty Addr disables
// it.
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

type EmbeddingConfig struct {
	Provider      string        `yaml:"provider" env:"PROVIDER"`
	BaseURL       string        `yaml:"base_url" env:"BASE_URL"`
	Model         string        `yaml:"model" env:"MODEL"`
	APIKey        string        `yaml:"api_key" env:"API_KEY"`
	Timeout       time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"RATE_PER_SECOND"`
	Burst         int           `yaml:"burst" env:"BURST"`
}

type IndexConfig struct {
	EventWindow      int           `yaml:"event_window" env:"EVENT_WINDOW"`
	PatternThreshold float64       `yaml:"pattern_threshold" env:"PATTERN_THRESHOLD"`
	Concurrency      int           `yaml:"concurrency" env:"CONCURRENCY"`
	DrainInterval    time.Duration `yaml:"drain_interval" env:"DRAIN_INTERVAL"`
	// RebuildOnStart runs a full rebuild at startup when the persisted
	// index was never initialized.
	RebuildOnStart bool `yaml:"rebuild_on_start" env:"REBUILD_ON_START"`
}

type ContextConfig struct {
	RecentLimit int     `yaml:"recent_limit" env:"RECENT_LIMIT"`
	MatchLimit  int     `yaml:"match_limit" env:"MATCH_LIMIT"`
	MatchFloor  float64 `yaml:"match_floor" env:"MATCH_FLOOR"`
}

// AgingConfig controls the background "time" actor. Rules are file-only;
// their magnitudes can still be tuned at runtime through settings.
type AgingConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Actor    string        `yaml:"actor" env:"ACTOR"`
	Rules    []aging.Rule  `yaml:"rules"`
}

// TracingConfig enables OTLP/HTTP span export when Endpoint is set.
type TracingConfig struct {
	Endpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "kioku.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Embedding: EmbeddingConfig{
			Provider: ProviderNone,
			Timeout:  semantic.DefaultEmbedTimeout,
			Burst:    1,
		},
		Index: IndexConfig{
			EventWindow:      semantic.DefaultEventWindow,
			PatternThreshold: semantic.DefaultPatternThreshold,
			Concurrency:      semantic.DefaultConcurrency,
			DrainInterval:    semantic.DefaultDrainInterval,
			RebuildOnStart:   true,
		},
		Context: ContextConfig{
			RecentLimit: assembler.DefaultRecentLimit,
			MatchLimit:  assembler.DefaultMatchLimit,
		},
		Aging: AgingConfig{
			Interval: time.Minute,
			Rules:    aging.DefaultRules(),
		},
	}
}

// Load returns Default overlaid with the YAML file at path and then the
// environment. An empty path, or a path that does not exist, skips the
// file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("config: database.path is required")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	switch c.Embedding.Provider {
	case ProviderNone, ProviderOllama:
	case ProviderOpenAI:
		if c.Embedding.APIKey == "" {
			return errors.New("config: embedding.api_key is required for the openai provider")
		}
	default:
		return fmt.Errorf("config: unknown embedding.provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Timeout <= 0 {
		return errors.New("config: embedding.timeout must be positive")
	}
	if c.Embedding.RatePerSecond < 0 {
		return errors.New("config: embedding.rate_per_second must not be negative")
	}
	if c.Index.EventWindow <= 0 {
		return errors.New("config: index.event_window must be positive")
	}
	if c.Index.PatternThreshold < 0 || c.Index.PatternThreshold > 1 {
		return fmt.Errorf("config: index.pattern_threshold %v must be within [0,1]", c.Index.PatternThreshold)
	}
	if c.Index.Concurrency <= 0 {
		return errors.New("config: index.concurrency must be positive")
	}
	if c.Index.DrainInterval <= 0 {
		return errors.New("config: index.drain_interval must be positive")
	}
	if c.Context.RecentLimit <= 0 || c.Context.MatchLimit <= 0 {
		return errors.New("config: context limits must be positive")
	}
	if c.Aging.Enabled {
		if c.Aging.Interval <= 0 {
			return errors.New("config: aging.interval must be positive")
		}
		for _, r := range c.Aging.Rules {
			if err := r.Validate(); err != nil {
				return fmt.Errorf("config: aging rule: %w", err)
			}
		}
	}
	return nil
}

// SemanticConfig translates the index section into semantic.Config.
func (c *Config) SemanticConfig() semantic.Config {
	return semantic.Config{
		EventWindow:      c.Index.EventWindow,
		PatternThreshold: c.Index.PatternThreshold,
		Concurrency:      c.Index.Concurrency,
		EmbedTimeout:     c.Embedding.Timeout,
	}
}

// Redacted returns the configuration as a generic map with secrets
// replaced, suitable for logging or printing.
func (c *Config) Redacted() (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("config: marshal: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return redact.Map(m), nil
}
