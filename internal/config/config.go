// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Crawl    CrawlConfig    `mapstructure:"crawl"`
	Match    MatchConfig    `mapstructure:"match"`
	Database DatabaseConfig `mapstructure:"database"`
	Geocode  GeocodeConfig  `mapstructure:"geocode"`
	Describe DescribeConfig `mapstructure:"describe"`
	Export   ExportConfig   `mapstructure:"export"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sources  []SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlConfig governs worker fan-out and source politeness.
type CrawlConfig struct {
	Concurrency        int     `mapstructure:"concurrency"`
	UserAgent          string  `mapstructure:"user_agent"`
	DefaultRPS         float64 `mapstructure:"default_rps"`
	DefaultBurst       int     `mapstructure:"default_burst"`
	PollIntervalMs     int     `mapstructure:"poll_interval_ms"`
	MaxFailures        int     `mapstructure:"max_failures"`
	BackoffBaseSeconds int     `mapstructure:"backoff_base_seconds"`
	BackoffMaxSeconds  int     `mapstructure:"backoff_max_seconds"`
	RobotsTTLHours     int     `mapstructure:"robots_ttl_hours"`
}

// MatchConfig holds the scoring weights and decision thresholds.
type MatchConfig struct {
	NameWeight      float64 `mapstructure:"name_weight"`
	ProximityWeight float64 `mapstructure:"proximity_weight"`
	CategoryWeight  float64 `mapstructure:"category_weight"`
	MergeThreshold  float64 `mapstructure:"merge_threshold"`
	ReviewThreshold float64 `mapstructure:"review_threshold"`
}

// DatabaseConfig selects and tunes the entity store backend.
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MinOpenConns int    `mapstructure:"min_open_conns"`
}

// GeocodeConfig controls address resolution.
type GeocodeConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	TableFile      string `mapstructure:"table_file"`
}

// DescribeConfig selects the description generator.
type DescribeConfig struct {
	Provider  string `mapstructure:"provider"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
}

// ExportConfig sets the snapshot output location.
type ExportConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// SourceConfig registers one upstream data source.
type SourceConfig struct {
	ID                 string `mapstructure:"id"`
	Domain             string `mapstructure:"domain"`
	Kind               string `mapstructure:"kind"`
	MinIntervalSeconds int    `mapstructure:"min_interval_seconds"`
	File               string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PLACEMERGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.timeout_seconds", 30)
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.user_agent", "placemerge-bot/1.0 (+https://github.com/placemerge/placemerge)")
	v.SetDefault("crawl.default_rps", 1)
	v.SetDefault("crawl.default_burst", 1)
	v.SetDefault("crawl.poll_interval_ms", 1000)
	v.SetDefault("crawl.max_failures", 5)
	v.SetDefault("crawl.backoff_base_seconds", 30)
	v.SetDefault("crawl.backoff_max_seconds", 3600)
	v.SetDefault("crawl.robots_ttl_hours", 24)
	v.SetDefault("match.name_weight", 0.5)
	v.SetDefault("match.proximity_weight", 0.35)
	v.SetDefault("match.category_weight", 0.15)
	v.SetDefault("match.merge_threshold", 0.80)
	v.SetDefault("match.review_threshold", 0.55)
	v.SetDefault("database.driver", "memory")
	v.SetDefault("database.max_open_conns", 8)
	v.SetDefault("database.min_open_conns", 1)
	v.SetDefault("geocode.timeout_seconds", 5)
	v.SetDefault("describe.provider", "template")
	v.SetDefault("describe.max_tokens", 300)
	v.SetDefault("export.path", "placemerge-export.json")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be memory or postgres, got %q", c.Database.Driver)
	}
	switch c.Describe.Provider {
	case "none", "template":
	case "anthropic":
		if c.Describe.APIKey == "" {
			return fmt.Errorf("describe.api_key must be set for the anthropic provider")
		}
	default:
		return fmt.Errorf("describe.provider must be none, template, or anthropic, got %q", c.Describe.Provider)
	}
	if c.Match.MergeThreshold < c.Match.ReviewThreshold {
		return fmt.Errorf("match.merge_threshold must be >= match.review_threshold")
	}
	weights := c.Match.NameWeight + c.Match.ProximityWeight + c.Match.CategoryWeight
	if weights <= 0 {
		return fmt.Errorf("match weights must sum to a positive value")
	}
	for i, src := range c.Sources {
		if src.ID == "" {
			return fmt.Errorf("sources[%d].id must be set", i)
		}
		if src.Domain == "" {
			return fmt.Errorf("sources[%d].domain must be set", i)
		}
	}
	return nil
}

// PollInterval returns the worker poll interval as a duration.
func (c CrawlConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// BackoffBase returns the retry backoff base as a duration.
func (c CrawlConfig) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

// BackoffMax returns the retry backoff ceiling as a duration.
func (c CrawlConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

// RobotsTTL returns the robots cache lifetime as a duration.
func (c CrawlConfig) RobotsTTL() time.Duration {
	return time.Duration(c.RobotsTTLHours) * time.Hour
}

// Timeout returns the geocode deadline as a duration.
func (c GeocodeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// MinInterval returns the per-source recrawl interval as a duration.
func (c SourceConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}
