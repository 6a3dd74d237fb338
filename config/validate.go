package config

import (
	"fmt"
	"log/slog"
	"strings"

	"p2pmarket/services/marketd/wallet"
)

const maxBps = 10_000

// Validate reports the first configuration error.
func Validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres":
		if strings.TrimSpace(cfg.Database.DSN) == "" {
			return fmt.Errorf("database: dsn must be configured for postgres")
		}
	case "sqlite":
	default:
		return fmt.Errorf("database: unsupported driver %q", cfg.Database.Driver)
	}
	if !cfg.Transport.Loopback && strings.TrimSpace(cfg.Transport.Endpoint) == "" {
		return fmt.Errorf("transport: endpoint must be configured unless loopback is set")
	}
	if cfg.Transport.RatePerSecond < 0 || cfg.Transport.Burst < 0 || cfg.Transport.DaysRetention < 0 {
		return fmt.Errorf("transport: limits must not be negative")
	}
	if cfg.Inbox.PollInterval.Duration < 0 {
		return fmt.Errorf("inbox: poll_interval must be positive")
	}
	if cfg.Inbox.BatchSize < 0 || cfg.Inbox.FetchLimit < 0 {
		return fmt.Errorf("inbox: batch_size and fetch_limit must be positive")
	}
	if cfg.Inbox.FetchLimit < cfg.Inbox.BatchSize {
		return fmt.Errorf("inbox: fetch_limit %d below batch_size %d", cfg.Inbox.FetchLimit, cfg.Inbox.BatchSize)
	}
	if cfg.Dispatch.BatchSize < 0 || cfg.Dispatch.MaxWaitAttempts < 0 {
		return fmt.Errorf("dispatch: batch_size and max_wait_attempts must be positive")
	}
	if cfg.Governance.ItemRemovalThresholdBps > maxBps {
		return fmt.Errorf("governance: item_removal_threshold_bps above %d", maxBps)
	}
	if cfg.Governance.MarketRemovalThresholdBps > maxBps {
		return fmt.Errorf("governance: market_removal_threshold_bps above %d", maxBps)
	}
	for _, addr := range cfg.Wallet.Addresses {
		if !wallet.ValidAddress(addr) {
			return fmt.Errorf("wallet: invalid address %q", addr)
		}
	}
	for addr := range cfg.Wallet.Balances {
		if !wallet.ValidAddress(addr) {
			return fmt.Errorf("wallet: invalid balance address %q", addr)
		}
	}
	if _, err := ParseLevel(cfg.Log.Level); err != nil {
		return err
	}
	if cfg.Telemetry.SampleRatio < 0 {
		return fmt.Errorf("telemetry: sample_ratio must not be negative")
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must not be negative")
	}
	return nil
}

// ParseLevel maps a configured log level name onto slog.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log: invalid level %q", name)
	}
	return level, nil
}
