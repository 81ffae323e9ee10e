package config

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		"SBA_IFACE", "SBA_INTERVAL", "SBA_AUTO_MODE", "SBA_HIGH_THRESHOLD", "SBA_LOW_THRESHOLD",
		"SBA_HISTORY_SIZE", "SBA_BACKEND", "SBA_DRY_RUN", "SBA_RESET_ON_EXIT", "SBA_SAMPLER", "SBA_SYNTHETIC_IPS",
		"SBA_LOCAL_NETWORKS", "SBA_HTTP_ADDR", "SBA_RETENTION", "SBA_RECONCILE_CRON",
		"SBA_RETENTION_CRON", "SBA_DISCOVERY_CRON", "LOG_LEVEL",
		"DB_DRIVER", "DB_PATH", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "MQTT_BROKER", "MQTT_CLIENT_ID", "MQTT_TOPIC",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sba.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "eth0", cfg.Interface)
	assert.Equal(t, 2*time.Second, cfg.Interval)
	assert.True(t, cfg.AutoMode)
	assert.Equal(t, domain.Thresholds{High: 20000, Low: 500000}, cfg.Thresholds)
	assert.Equal(t, uint64(20000), cfg.Bandwidth.RateKbps(domain.TierNormal))
	assert.Equal(t, 10, cfg.HistorySize)
	assert.Equal(t, 3, cfg.VoteSize)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Empty(t, cfg.DiscoveryCron)
	assert.Empty(t, cfg.Redis.Addr)
	assert.False(t, cfg.ResetOnExit)
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
interface: wlan0
interval: 5s
thresholds:
  high_threshold: 1000
  low_threshold: 90000
bandwidth_kbps:
  1: 50000
local_networks: ["10.1.0.0/16"]
database:
  driver: postgres
  dbname: sba
mqtt:
  broker: tcp://broker:1883
`)
	t.Setenv("SBA_IFACE", "br0")
	t.Setenv("SBA_LOW_THRESHOLD", "120000")
	t.Setenv("SBA_AUTO_MODE", "false")
	t.Setenv("SBA_SYNTHETIC_IPS", "10.1.0.2, 10.1.0.3,")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SBA_RESET_ON_EXIT", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "br0", cfg.Interface, "environment wins over the file")
	assert.Equal(t, 5*time.Second, cfg.Interval)
	assert.Equal(t, domain.Thresholds{High: 1000, Low: 120000}, cfg.Thresholds)
	assert.False(t, cfg.AutoMode)
	assert.Equal(t, uint64(50000), cfg.Bandwidth.RateKbps(domain.TierHigh))
	assert.Equal(t, uint64(5000), cfg.Bandwidth.RateKbps(domain.TierLow), "unlisted tiers keep their defaults")
	assert.Equal(t, []string{"10.1.0.2", "10.1.0.3"}, cfg.SyntheticIPs)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "sba", cfg.Database.DBName)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "tcp://broker:1883", cfg.MQTT.Broker)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.True(t, cfg.ResetOnExit)

	nets, err := cfg.Networks()
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("10.1.0.0/16")}, nets)
}

func TestLoadReportsBadEnvironment(t *testing.T) {
	clearEnv(t)
	t.Setenv("SBA_INTERVAL", "soon")
	t.Setenv("SBA_HIGH_THRESHOLD", "-5")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorContains(t, err, "SBA_INTERVAL")
	assert.ErrorContains(t, err, "SBA_HIGH_THRESHOLD")
}

func TestLoadMissingOrBrokenFile(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	_, err = Load(writeConfig(t, "interval: [not, a, duration"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"inverted thresholds", func(c *Config) { c.Thresholds = domain.Thresholds{High: 500, Low: 500} }, "high threshold must be lower"},
		{"zero interval", func(c *Config) { c.Interval = 0 }, "interval must be positive"},
		{"tiny history", func(c *Config) { c.HistorySize = 1 }, "history_size"},
		{"no votes", func(c *Config) { c.VoteSize = 0 }, "vote_size"},
		{"unknown tier rate", func(c *Config) { c.Bandwidth[domain.Tier(9)] = 1 }, "bandwidth_kbps"},
		{"bad network", func(c *Config) { c.LocalNetworks = []string{"192.168.0.0/40"} }, "invalid local network"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported database driver"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tc.want)
		})
	}
}

func TestNetworksMasksHostBits(t *testing.T) {
	cfg := Config{LocalNetworks: []string{" 192.168.1.7/24 "}}
	nets, err := cfg.Networks()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.0/24", nets[0].String())
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", Config{LogLevel: "debug"}.SlogLevel().String())
	assert.Equal(t, "WARN", Config{LogLevel: "WARNING"}.SlogLevel().String())
	assert.Equal(t, "ERROR", Config{LogLevel: "error"}.SlogLevel().String())
	assert.Equal(t, "INFO", Config{LogLevel: "verbose"}.SlogLevel().String())
}

func TestConnectDatabaseSQLiteMemory(t *testing.T) {
	db, err := ConnectDatabase(context.Background(), DatabaseConfig{Driver: "sqlite", Path: ":memory:"}, nil)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 1, db.Stats().MaxOpenConnections)
}
