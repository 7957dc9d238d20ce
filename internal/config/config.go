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
	Logging  LoggingConfig  `mapstructure:"logging"`
	DB       DBConfig       `mapstructure:"db"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Scan     ScanConfig     `mapstructure:"scan"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Prefetch PrefetchConfig `mapstructure:"prefetch"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// CatalogConfig holds catalog API credentials and retry behavior.
type CatalogConfig struct {
	BaseURL           string `mapstructure:"base_url"`
	TokenURL          string `mapstructure:"token_url"`
	ClientID          string `mapstructure:"client_id"`
	ClientSecret      string `mapstructure:"client_secret"`
	TimeoutSeconds    int    `mapstructure:"timeout_seconds"`
	MaxAttempts       int    `mapstructure:"max_attempts"`
	RetryAfterCapSecs int    `mapstructure:"retry_after_cap_seconds"`
	BackoffInitialMs  int    `mapstructure:"backoff_initial_ms"`
}

// ScanConfig governs outbound pacing and the search matrix shape.
type ScanConfig struct {
	RPS           float64 `mapstructure:"rps"`
	CallBudget    int     `mapstructure:"call_budget"`
	BudgetSleepMs int     `mapstructure:"budget_sleep_ms"`
	TopN          int     `mapstructure:"top_n"`
	FetchLimit    int     `mapstructure:"fetch_limit"`
}

// StreamConfig tunes the scan event stream.
type StreamConfig struct {
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds"`
}

// WatchdogConfig tunes the stuck-scan sweeper.
type WatchdogConfig struct {
	IntervalSeconds int `mapstructure:"interval_seconds"`
	StuckMinutes    int `mapstructure:"stuck_minutes"`
}

// PrefetchConfig tunes the metadata prefetch pool.
type PrefetchConfig struct {
	Workers int `mapstructure:"workers"`
	DelayMs int `mapstructure:"delay_ms"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKWATCH")
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
	v.SetDefault("logging.development", true)
	v.SetDefault("db.dsn", "")
	// Credentials default to empty so AutomaticEnv can still see the keys;
	// Viper only consults the environment for keys it already knows about.
	v.SetDefault("catalog.base_url", "")
	v.SetDefault("catalog.token_url", "")
	v.SetDefault("catalog.client_id", "")
	v.SetDefault("catalog.client_secret", "")
	v.SetDefault("catalog.timeout_seconds", 15)
	v.SetDefault("catalog.max_attempts", 6)
	v.SetDefault("catalog.retry_after_cap_seconds", 30)
	v.SetDefault("catalog.backoff_initial_ms", 500)
	v.SetDefault("scan.rps", 3.0)
	v.SetDefault("scan.call_budget", 0)
	v.SetDefault("scan.budget_sleep_ms", 1500)
	v.SetDefault("scan.top_n", 20)
	v.SetDefault("scan.fetch_limit", 35)
	v.SetDefault("stream.idle_timeout_seconds", 900)
	v.SetDefault("watchdog.interval_seconds", 60)
	v.SetDefault("watchdog.stuck_minutes", 10)
	v.SetDefault("prefetch.workers", 3)
	v.SetDefault("prefetch.delay_ms", 150)
}

// Validate enforces required values and clamps operational knobs into their
// supported ranges instead of rejecting them.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Catalog.TimeoutSeconds <= 0 {
		return fmt.Errorf("catalog.timeout_seconds must be > 0")
	}
	if c.Catalog.MaxAttempts <= 0 {
		return fmt.Errorf("catalog.max_attempts must be > 0")
	}
	if c.Scan.RPS < 0 {
		return fmt.Errorf("scan.rps must be >= 0")
	}
	if c.Scan.TopN <= 0 {
		return fmt.Errorf("scan.top_n must be > 0")
	}
	if c.Scan.FetchLimit < c.Scan.TopN {
		return fmt.Errorf("scan.fetch_limit must be >= scan.top_n")
	}

	if c.Stream.IdleTimeoutSeconds < 60 {
		c.Stream.IdleTimeoutSeconds = 60
	}
	if c.Watchdog.IntervalSeconds < 30 {
		c.Watchdog.IntervalSeconds = 30
	}
	if c.Watchdog.IntervalSeconds > 300 {
		c.Watchdog.IntervalSeconds = 300
	}
	if c.Watchdog.StuckMinutes < 1 {
		c.Watchdog.StuckMinutes = 1
	}
	if c.Watchdog.StuckMinutes > 180 {
		c.Watchdog.StuckMinutes = 180
	}
	if c.Prefetch.Workers <= 0 {
		c.Prefetch.Workers = 3
	}
	return nil
}

// CatalogTimeout converts the catalog timeout knob into a duration.
func (c *Config) CatalogTimeout() time.Duration {
	return time.Duration(c.Catalog.TimeoutSeconds) * time.Second
}

// StreamIdleTimeout converts the stream idle knob into a duration.
func (c *Config) StreamIdleTimeout() time.Duration {
	return time.Duration(c.Stream.IdleTimeoutSeconds) * time.Second
}

// WatchdogInterval converts the sweep cadence knob into a duration.
func (c *Config) WatchdogInterval() time.Duration {
	return time.Duration(c.Watchdog.IntervalSeconds) * time.Second
}

// WatchdogStuck converts the staleness knob into a duration.
func (c *Config) WatchdogStuck() time.Duration {
	return time.Duration(c.Watchdog.StuckMinutes) * time.Minute
}
