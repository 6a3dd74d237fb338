package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"p2pmarket/crypto"
)

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func testAddress(t *testing.T) string {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	return key.PubKey().Address().String()
}

func TestLoadYAML(t *testing.T) {
	addr := testAddress(t)
	path := writeFile(t, "marketd.yaml", `
listen: "127.0.0.1:9000"
env: staging
database:
  driver: postgres
  dsn: postgres://market@localhost/market
transport:
  endpoint: http://127.0.0.1:51935
  user: rpc
  rate_per_second: 20
  burst: 5
  max_elapsed: 3s
inbox:
  poll_interval: 2s
  batch_size: 5
dispatch:
  max_wait_attempts: 4
governance:
  item_removal_threshold_bps: 6000
wallet:
  addresses: ["`+addr+`"]
  balances:
    "`+addr+`": 1200
log:
  level: debug
  file: /var/log/marketd.log
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, 3*time.Second, cfg.Transport.MaxElapsed.Duration)
	require.Equal(t, 2*time.Second, cfg.Inbox.PollInterval.Duration)
	require.Equal(t, 5, cfg.Inbox.BatchSize)
	require.Equal(t, DefaultFetchLimit, cfg.Inbox.FetchLimit)
	require.Equal(t, DefaultDispatchBatch, cfg.Dispatch.BatchSize)
	require.Equal(t, 4, cfg.Dispatch.MaxWaitAttempts)
	require.EqualValues(t, 6000, cfg.Governance.ItemRemovalThresholdBps)
	require.EqualValues(t, DefaultThresholdBps, cfg.Governance.MarketRemovalThresholdBps)
	require.EqualValues(t, 1200, cfg.Wallet.Balances[addr])
	require.Equal(t, "/var/log/marketd.log", cfg.Log.File)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "marketd.toml", `
env = "prod"

[transport]
loopback = true

[inbox]
poll_interval = "750ms"

[telemetry]
endpoint = "collector:4318"
traces = true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Transport.Loopback)
	require.Equal(t, 750*time.Millisecond, cfg.Inbox.PollInterval.Duration)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, "marketd.db", cfg.Database.DSN)
	require.Equal(t, DefaultInboxBatch, cfg.Inbox.BatchSize)
	require.Equal(t, DefaultListen, cfg.Listen)
	require.True(t, cfg.Telemetry.Traces)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeFile(t, "bad.yaml", "transport:\n  loopback: true\npoll: 5s\n"))
	require.Error(t, err)
	_, err = Load(writeFile(t, "bad.toml", "bogus = 1\n[transport]\nloopback = true\n"))
	require.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDriver, "postgres")
	t.Setenv(EnvDSN, "postgres://override")
	t.Setenv(EnvTransportPassword, "s3cret")
	t.Setenv(EnvEnvironment, "ci")
	t.Setenv(EnvOTLPHeaders, "x-api-key=abc")

	cfg, err := Load(writeFile(t, "marketd.yaml", "database:\n  driver: sqlite\ntransport:\n  endpoint: http://smsg\n"))
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Database.Driver)
	require.Equal(t, "postgres://override", cfg.Database.DSN)
	require.Equal(t, "s3cret", cfg.Transport.Password)
	require.Equal(t, "ci", cfg.Env)
	require.Equal(t, "abc", cfg.Telemetry.Headers["x-api-key"])
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Config{Transport: TransportConfig{Loopback: true}}
		applyDefaults(&cfg)
		return cfg
	}
	require.NoError(t, Validate(base()))

	cases := map[string]func(*Config){
		"driver":       func(c *Config) { c.Database.Driver = "mysql" },
		"postgres dsn": func(c *Config) { c.Database.Driver = "postgres"; c.Database.DSN = "" },
		"endpoint":     func(c *Config) { c.Transport.Loopback = false },
		"fetch limit":  func(c *Config) { c.Inbox.FetchLimit = 5 },
		"threshold":    func(c *Config) { c.Governance.MarketRemovalThresholdBps = 10_001 },
		"wallet":       func(c *Config) { c.Wallet.Addresses = []string{"two words"} },
		"balance":      func(c *Config) { c.Wallet.Balances = map[string]uint64{"": 5} },
		"log level":    func(c *Config) { c.Log.Level = "chatty" },
		"negative":     func(c *Config) { c.Dispatch.MaxWaitAttempts = -1 },
		"rate limit":   func(c *Config) { c.RateLimit.Burst = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(&cfg)
			require.Error(t, Validate(cfg))
		})
	}
}

func TestValidateAcceptsDaemonAddresses(t *testing.T) {
	cfg := Config{
		Transport: TransportConfig{Endpoint: "http://127.0.0.1:51935"},
		Wallet: WalletConfig{
			Addresses: []string{"pX7D7hSdJTJMC9cU9bmMHY6WAzNmuHhPWX"},
			Balances:  map[string]uint64{"pX7D7hSdJTJMC9cU9bmMHY6WAzNmuHhPWX": 10, testAddress(t): 3},
		},
	}
	applyDefaults(&cfg)
	require.NoError(t, Validate(cfg))
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	require.Error(t, d.UnmarshalText([]byte("soon")))
	require.NoError(t, d.UnmarshalText(nil))
	require.Zero(t, d.Duration)
}
