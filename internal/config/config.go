package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Sources  SourcesConfig  `yaml:"sources"`
	Fetch    FetchConfig    `yaml:"fetch"`
}

// DatabaseConfig selects the datastore. Path is used by sqlite, DSN by
// postgres.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// Source returns the connection string for the configured driver.
func (d DatabaseConfig) Source() string {
	if d.Driver == "postgres" {
		return d.DSN
	}
	return d.Path
}

// ScheduleConfig configures the monitor loop.
type ScheduleConfig struct {
	CheckInterval string `yaml:"check_interval"`
}

// ParseCheckInterval returns the check interval as time.Duration.
func (s ScheduleConfig) ParseCheckInterval() time.Duration {
	return parseDuration(s.CheckInterval, time.Minute)
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logging. Format is "console" or "json".
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// HTTPConfig holds outbound proxy settings shared by all adapters.
type HTTPConfig struct {
	HTTPProxy  string `yaml:"http_proxy"`
	HTTPSProxy string `yaml:"https_proxy"`
}

// Proxy returns the proxy to use, preferring the HTTPS one.
func (h HTTPConfig) Proxy() string {
	if h.HTTPSProxy != "" {
		return h.HTTPSProxy
	}
	return h.HTTPProxy
}

// SourcesConfig holds configuration for all platform adapters.
type SourcesConfig struct {
	Reddit     RedditConfig     `yaml:"reddit"`
	HackerNews HackerNewsConfig `yaml:"hackernews"`
}

// RedditConfig for the Reddit adapter. Durations are Go duration strings.
type RedditConfig struct {
	Enabled          bool   `yaml:"enabled"`
	ClientID         string `yaml:"client_id"`
	ClientSecret     string `yaml:"client_secret"`
	UserAgent        string `yaml:"user_agent"`
	RequestDelay     string `yaml:"request_delay"`
	Timeout          string `yaml:"timeout"`
	MaxRetries       int    `yaml:"max_retries"`
	ConnectBackoff   string `yaml:"connect_backoff"`
	RateLimitBackoff string `yaml:"rate_limit_backoff"`
}

func (r RedditConfig) ParseRequestDelay() time.Duration {
	return parseDuration(r.RequestDelay, 2*time.Second)
}

// RetryLimit returns MaxRetries, or -1 when retries are turned off.
func (r RedditConfig) RetryLimit() int {
	if r.MaxRetries <= 0 {
		return -1
	}
	return r.MaxRetries
}

func (r RedditConfig) ParseTimeout() time.Duration {
	return parseDuration(r.Timeout, 30*time.Second)
}

func (r RedditConfig) ParseConnectBackoff() time.Duration {
	return parseDuration(r.ConnectBackoff, time.Second)
}

func (r RedditConfig) ParseRateLimitBackoff() time.Duration {
	return parseDuration(r.RateLimitBackoff, 2*time.Second)
}

// HackerNewsConfig for the Hacker News adapter.
type HackerNewsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Timeout     string `yaml:"timeout"`
	Concurrency int    `yaml:"concurrency"`
}

func (h HackerNewsConfig) ParseTimeout() time.Duration {
	return parseDuration(h.Timeout, 20*time.Second)
}

// FetchConfig holds defaults for fetches that do not set their own bounds.
type FetchConfig struct {
	Limit        int `yaml:"limit"`
	CommentLimit int `yaml:"comment_limit"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", Path: "./tracehub.db"},
		Schedule: ScheduleConfig{CheckInterval: "1m"},
		Server:   ServerConfig{Port: 8080},
		Log:      LogConfig{Level: "info", Format: "console"},
		Sources: SourcesConfig{
			Reddit: RedditConfig{
				Enabled:          true,
				UserAgent:        "tracehub/1.0",
				RequestDelay:     "2s",
				Timeout:          "30s",
				MaxRetries:       2,
				ConnectBackoff:   "1s",
				RateLimitBackoff: "2s",
			},
			HackerNews: HackerNewsConfig{
				Enabled:     true,
				Timeout:     "20s",
				Concurrency: 10,
			},
		},
		Fetch: FetchConfig{Limit: 25, CommentLimit: 20},
	}
}

// Load reads a .env file when present, then the YAML config at path, then
// applies env var overrides.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail late.
func (c *Config) Validate() error {
	c.Database.Driver = strings.ToLower(strings.TrimSpace(c.Database.Driver))
	switch c.Database.Driver {
	case "", "sqlite":
		c.Database.Driver = "sqlite"
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn (or DATABASE_URL) is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	return nil
}

// applyEnvOverrides overrides config values with environment variables.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRACEHUB_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("TRACEHUB_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
		if os.Getenv("TRACEHUB_DB_DRIVER") == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	if v := os.Getenv("TRACEHUB_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REDDIT_CLIENT_ID"); v != "" {
		cfg.Sources.Reddit.ClientID = v
	}
	if v := os.Getenv("REDDIT_CLIENT_SECRET"); v != "" {
		cfg.Sources.Reddit.ClientSecret = v
	}
	if v := os.Getenv("REDDIT_USER_AGENT"); v != "" {
		cfg.Sources.Reddit.UserAgent = v
	}
	if v := os.Getenv("HTTP_PROXY"); v != "" {
		cfg.HTTP.HTTPProxy = v
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.HTTP.HTTPSProxy = v
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil || d < 0 {
		return def
	}
	return d
}
