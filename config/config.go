// Package config loads the marketd configuration file.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"p2pmarket/observability/otel"
)

const (
	DefaultListen        = ":7090"
	DefaultPollInterval  = 5 * time.Second
	DefaultInboxBatch    = 10
	DefaultFetchLimit    = 100
	DefaultDispatchBatch = 50
	DefaultMaxWait       = 20
	DefaultThresholdBps  = 5000
	DefaultListingCache  = 1024
)

// Environment variables that override file values.
const (
	EnvDriver            = "MARKETD_DB_DRIVER"
	EnvDSN               = "MARKETD_DB_DSN"
	EnvTransportPassword = "MARKETD_TRANSPORT_PASSWORD"
	EnvEnvironment       = "MARKETD_ENV"
	EnvOTLPEndpoint      = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvOTLPHeaders       = "OTEL_EXPORTER_OTLP_HEADERS"
)

// Load reads the file at path as TOML when it ends in .toml and as YAML
// otherwise, applies environment overrides and defaults, then validates.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("decode config: unknown key %s", undecoded[0])
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvDriver)); v != "" {
		cfg.Database.Driver = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDSN)); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv(EnvTransportPassword); v != "" {
		cfg.Transport.Password = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvEnvironment)); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		cfg.Telemetry.Endpoint = v
	}
	if v := os.Getenv(EnvOTLPHeaders); v != "" {
		if cfg.Telemetry.Headers == nil {
			cfg.Telemetry.Headers = map[string]string{}
		}
		for k, val := range otel.ParseHeaders(v) {
			cfg.Telemetry.Headers[k] = val
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = DefaultListen
	}
	if cfg.Env == "" {
		cfg.Env = "dev"
	}
	cfg.Database.Driver = strings.ToLower(strings.TrimSpace(cfg.Database.Driver))
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN == "" {
		cfg.Database.DSN = "marketd.db"
	}
	if cfg.Database.ListingCacheSize == 0 {
		cfg.Database.ListingCacheSize = DefaultListingCache
	}
	if cfg.Inbox.PollInterval.Duration == 0 {
		cfg.Inbox.PollInterval.Duration = DefaultPollInterval
	}
	if cfg.Inbox.BatchSize == 0 {
		cfg.Inbox.BatchSize = DefaultInboxBatch
	}
	if cfg.Inbox.FetchLimit == 0 {
		cfg.Inbox.FetchLimit = DefaultFetchLimit
	}
	if cfg.Dispatch.BatchSize == 0 {
		cfg.Dispatch.BatchSize = DefaultDispatchBatch
	}
	if cfg.Dispatch.MaxWaitAttempts == 0 {
		cfg.Dispatch.MaxWaitAttempts = DefaultMaxWait
	}
	if cfg.Governance.ItemRemovalThresholdBps == 0 {
		cfg.Governance.ItemRemovalThresholdBps = DefaultThresholdBps
	}
	if cfg.Governance.MarketRemovalThresholdBps == 0 {
		cfg.Governance.MarketRemovalThresholdBps = DefaultThresholdBps
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Wallet.Balances == nil {
		cfg.Wallet.Balances = map[string]uint64{}
	}
}
