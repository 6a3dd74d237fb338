package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so both YAML and TOML files can use strings
// such as "5s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := string(text)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the runtime configuration of marketd.
type Config struct {
	Listen     string           `yaml:"listen" toml:"listen"`
	Env        string           `yaml:"env" toml:"env"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Transport  TransportConfig  `yaml:"transport" toml:"transport"`
	Inbox      InboxConfig      `yaml:"inbox" toml:"inbox"`
	Dispatch   DispatchConfig   `yaml:"dispatch" toml:"dispatch"`
	Governance GovernanceConfig `yaml:"governance" toml:"governance"`
	Wallet     WalletConfig     `yaml:"wallet" toml:"wallet"`
	Log        LogConfig        `yaml:"log" toml:"log"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" toml:"telemetry"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit" toml:"rate_limit"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	Driver           string `yaml:"driver" toml:"driver"`
	DSN              string `yaml:"dsn" toml:"dsn"`
	ListingCacheSize int    `yaml:"listing_cache_size" toml:"listing_cache_size"`
}

// TransportConfig points at the secure-messaging daemon. Loopback replaces
// the daemon with an in-process transport.
type TransportConfig struct {
	Endpoint      string   `yaml:"endpoint" toml:"endpoint"`
	User          string   `yaml:"user" toml:"user"`
	Password      string   `yaml:"password" toml:"password"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int      `yaml:"burst" toml:"burst"`
	DaysRetention int      `yaml:"days_retention" toml:"days_retention"`
	MaxElapsed    Duration `yaml:"max_elapsed" toml:"max_elapsed"`
	Loopback      bool     `yaml:"loopback" toml:"loopback"`
}

type InboxConfig struct {
	PollInterval Duration `yaml:"poll_interval" toml:"poll_interval"`
	BatchSize    int      `yaml:"batch_size" toml:"batch_size"`
	FetchLimit   int      `yaml:"fetch_limit" toml:"fetch_limit"`
}

type DispatchConfig struct {
	BatchSize       int `yaml:"batch_size" toml:"batch_size"`
	MaxWaitAttempts int `yaml:"max_wait_attempts" toml:"max_wait_attempts"`
}

// GovernanceConfig holds removal thresholds in basis points of total weight.
type GovernanceConfig struct {
	ItemRemovalThresholdBps   uint32 `yaml:"item_removal_threshold_bps" toml:"item_removal_threshold_bps"`
	MarketRemovalThresholdBps uint32 `yaml:"market_removal_threshold_bps" toml:"market_removal_threshold_bps"`
}

// WalletConfig lists the locally owned addresses and known balances.
type WalletConfig struct {
	Addresses []string          `yaml:"addresses" toml:"addresses"`
	Balances  map[string]uint64 `yaml:"balances" toml:"balances"`
}

type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

type TelemetryConfig struct {
	Endpoint    string            `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool              `yaml:"insecure" toml:"insecure"`
	Headers     map[string]string `yaml:"headers" toml:"headers"`
	Metrics     bool              `yaml:"metrics" toml:"metrics"`
	Traces      bool              `yaml:"traces" toml:"traces"`
	SampleRatio float64           `yaml:"sample_ratio" toml:"sample_ratio"`
}

// RateLimitConfig bounds operator API requests per client. Zero disables it.
type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}
