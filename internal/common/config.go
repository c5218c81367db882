// Package common provides shared utilities for Fundwatch
package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for Fundwatch
type Config struct {
	Environment string        `toml:"environment"`
	Storage     StorageConfig `toml:"storage"`
	Clients     ClientsConfig `toml:"clients"`
	Sync        SyncConfig    `toml:"sync"`
	Logging     LoggingConfig `toml:"logging"`
}

// StorageConfig holds SurrealDB connection configuration.
type StorageConfig struct {
	Address   string `toml:"address"`
	Namespace string `toml:"namespace"`
	Database  string `toml:"database"`
	Username  string `toml:"username"`
	Password  string `toml:"password"`
}

// ClientsConfig holds API client configurations
type ClientsConfig struct {
	Eastmoney EastmoneyConfig `toml:"eastmoney"`
	Calendar  CalendarConfig  `toml:"calendar"`
}

// EastmoneyConfig holds the fund history API configuration
type EastmoneyConfig struct {
	BaseURL   string `toml:"base_url"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *EastmoneyConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// CalendarConfig holds the trading-day classification API configuration
type CalendarConfig struct {
	BaseURL    string `toml:"base_url"`
	Timeout    string `toml:"timeout"`
	MaxRetries int    `toml:"max_retries"`
	RetryDelay string `toml:"retry_delay"`
}

// GetTimeout parses and returns the timeout duration
func (c *CalendarConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetRetryDelay parses and returns the base backoff delay between retries.
func (c *CalendarConfig) GetRetryDelay() time.Duration {
	d, err := time.ParseDuration(c.RetryDelay)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// SyncConfig holds NAV synchronization and scheduler configuration.
//
// WindowStart/WindowEnd bound the intraday loop ("09:40" .. "14:55" local
// exchange time); TickInterval is the grid spacing between intraday passes.
type SyncConfig struct {
	Timezone         string `toml:"timezone"`
	WindowStart      string `toml:"window_start"`
	WindowEnd        string `toml:"window_end"`
	TickInterval     string `toml:"tick_interval"`
	DefaultFetchDays int    `toml:"default_fetch_days"`
	MaxFetchDays     int    `toml:"max_fetch_days"`
	FetchBufferDays  int    `toml:"fetch_buffer_days"`
}

// GetTickInterval parses and returns the intraday tick interval.
func (c *SyncConfig) GetTickInterval() time.Duration {
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return 180 * time.Second
	}
	return d
}

// GetLocation resolves the configured exchange timezone.
func (c *SyncConfig) GetLocation() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// GetWindow parses the intraday window bounds as minutes-of-day.
// Falls back to 09:40..14:55 on malformed values.
func (c *SyncConfig) GetWindow() (startMin, endMin int) {
	startMin = parseMinuteOfDay(c.WindowStart, 9*60+40)
	endMin = parseMinuteOfDay(c.WindowEnd, 14*60+55)
	if endMin <= startMin {
		startMin, endMin = 9*60+40, 14*60+55
	}
	return startMin, endMin
}

func parseMinuteOfDay(s string, fallback int) int {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return fallback
	}
	return t.Hour()*60 + t.Minute()
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `toml:"level"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Address:   "ws://localhost:8000/rpc",
			Namespace: "fundwatch",
			Database:  "fundwatch",
			Username:  "root",
			Password:  "root",
		},
		Clients: ClientsConfig{
			Eastmoney: EastmoneyConfig{
				BaseURL:   "https://push2his.eastmoney.com",
				RateLimit: 5,
				Timeout:   "30s",
			},
			Calendar: CalendarConfig{
				BaseURL:    "https://timor.tech/api/holiday",
				Timeout:    "10s",
				MaxRetries: 3,
				RetryDelay: "2s",
			},
		},
		Sync: SyncConfig{
			Timezone:         "Asia/Shanghai",
			WindowStart:      "09:40",
			WindowEnd:        "14:55",
			TickInterval:     "180s",
			DefaultFetchDays: 120,
			MaxFetchDays:     365,
			FetchBufferDays:  5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("FUNDWATCH_ENV"); env != "" {
		config.Environment = env
	}

	if level := os.Getenv("FUNDWATCH_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if addr := os.Getenv("FUNDWATCH_STORAGE_ADDRESS"); addr != "" {
		config.Storage.Address = addr
	}
	if ns := os.Getenv("FUNDWATCH_STORAGE_NAMESPACE"); ns != "" {
		config.Storage.Namespace = ns
	}
	if db := os.Getenv("FUNDWATCH_STORAGE_DATABASE"); db != "" {
		config.Storage.Database = db
	}
	if user := os.Getenv("FUNDWATCH_STORAGE_USERNAME"); user != "" {
		config.Storage.Username = user
	}
	if pass := os.Getenv("FUNDWATCH_STORAGE_PASSWORD"); pass != "" {
		config.Storage.Password = pass
	}

	if tz := os.Getenv("FUNDWATCH_SYNC_TIMEZONE"); tz != "" {
		config.Sync.Timezone = tz
	}
	if days := os.Getenv("FUNDWATCH_SYNC_DEFAULT_FETCH_DAYS"); days != "" {
		if n, err := strconv.Atoi(days); err == nil && n > 0 {
			config.Sync.DefaultFetchDays = n
		}
	}
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}
