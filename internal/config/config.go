package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshryn/bandwidth-allocator/internal/core/domain"
)

// Config is the process configuration: built-in defaults, overlaid by an
// optional YAML file, overlaid by environment variables.
type Config struct {
	Interface  string                `yaml:"interface"`
	Interval   time.Duration         `yaml:"interval"`
	AutoMode   bool                  `yaml:"auto_mode"`
	Thresholds domain.Thresholds     `yaml:"thresholds"`
	Bandwidth  domain.BandwidthTable `yaml:"bandwidth_kbps"`

	HistorySize       int           `yaml:"history_size"`
	VoteSize          int           `yaml:"vote_size"`
	MinAnomalyHistory int           `yaml:"min_anomaly_history"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	LocalNetworks     []string      `yaml:"local_networks"`

	Backend      string   `yaml:"backend"` // auto, linux, windows, dry-run, simulated
	DryRun       bool     `yaml:"dry_run"`
	ResetOnExit  bool     `yaml:"reset_on_exit"`
	Sampler      string   `yaml:"sampler"` // auto, live, synthetic
	SyntheticIPs []string `yaml:"synthetic_ips"`

	HTTPAddr string `yaml:"http_addr"`
	LogLevel string `yaml:"log_level"`

	Retention     time.Duration `yaml:"retention"`
	ReconcileCron string        `yaml:"reconcile_cron"`
	RetentionCron string        `yaml:"retention_cron"`
	DiscoveryCron string        `yaml:"discovery_cron"` // empty disables periodic discovery

	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// RedisConfig enables the anomaly log when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// MQTTConfig enables tier-change publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Interface:         "eth0",
		Interval:          2 * time.Second,
		AutoMode:          true,
		Thresholds:        domain.Thresholds{High: 20000, Low: 500000},
		Bandwidth:         domain.DefaultBandwidthTable(),
		HistorySize:       10,
		VoteSize:          3,
		MinAnomalyHistory: 5,
		StopTimeout:       2 * time.Second,
		LocalNetworks:     []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"},
		Backend:           "auto",
		Sampler:           "auto",
		HTTPAddr:          ":8080",
		LogLevel:          "info",
		Retention:         24 * time.Hour,
		ReconcileCron:     "@every 1m",
		RetentionCron:     "@hourly",
		Database:          defaultDatabaseConfig(),
		Redis:             RedisConfig{TTL: 24 * time.Hour},
		MQTT:              MQTTConfig{ClientID: "sba", Topic: "sba"},
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error

	c.Interface = getEnv("SBA_IFACE", c.Interface)
	c.Interval = getEnvDuration("SBA_INTERVAL", c.Interval, &errs)
	c.AutoMode = getEnvBool("SBA_AUTO_MODE", c.AutoMode, &errs)
	c.Thresholds.High = getEnvUint("SBA_HIGH_THRESHOLD", c.Thresholds.High, &errs)
	c.Thresholds.Low = getEnvUint("SBA_LOW_THRESHOLD", c.Thresholds.Low, &errs)
	c.HistorySize = getEnvInt("SBA_HISTORY_SIZE", c.HistorySize, &errs)
	c.Backend = getEnv("SBA_BACKEND", c.Backend)
	c.DryRun = getEnvBool("SBA_DRY_RUN", c.DryRun, &errs)
	c.ResetOnExit = getEnvBool("SBA_RESET_ON_EXIT", c.ResetOnExit, &errs)
	c.Sampler = getEnv("SBA_SAMPLER", c.Sampler)
	if v := getEnv("SBA_SYNTHETIC_IPS", ""); v != "" {
		c.SyntheticIPs = splitList(v)
	}
	if v := getEnv("SBA_LOCAL_NETWORKS", ""); v != "" {
		c.LocalNetworks = splitList(v)
	}
	c.HTTPAddr = getEnv("SBA_HTTP_ADDR", c.HTTPAddr)
	c.Retention = getEnvDuration("SBA_RETENTION", c.Retention, &errs)
	c.ReconcileCron = getEnv("SBA_RECONCILE_CRON", c.ReconcileCron)
	c.RetentionCron = getEnv("SBA_RETENTION_CRON", c.RetentionCron)
	c.DiscoveryCron = getEnv("SBA_DISCOVERY_CRON", c.DiscoveryCron)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	c.Database.Driver = getEnv("DB_DRIVER", c.Database.Driver)
	c.Database.Path = getEnv("DB_PATH", c.Database.Path)
	c.Database.Host = getEnv("DB_HOST", c.Database.Host)
	c.Database.Port = getEnv("DB_PORT", c.Database.Port)
	c.Database.User = getEnv("DB_USER", c.Database.User)
	c.Database.Password = getEnv("DB_PASSWORD", c.Database.Password)
	c.Database.DBName = getEnv("DB_NAME", c.Database.DBName)
	c.Database.SSLMode = getEnv("DB_SSLMODE", c.Database.SSLMode)

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB, &errs)

	c.MQTT.Broker = getEnv("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.ClientID = getEnv("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Topic = getEnv("MQTT_TOPIC", c.MQTT.Topic)

	return errors.Join(errs...)
}

// Validate reports structural problems. Invalid thresholds are reported but
// callers may still start with auto mode refused.
func (c Config) Validate() error {
	var errs []error
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.HistorySize < 2 {
		errs = append(errs, fmt.Errorf("history_size must be at least 2, got %d", c.HistorySize))
	}
	if c.VoteSize < 1 {
		errs = append(errs, fmt.Errorf("vote_size must be at least 1, got %d", c.VoteSize))
	}
	for tier := range c.Bandwidth {
		if !tier.Valid() {
			errs = append(errs, fmt.Errorf("bandwidth_kbps: %w: got %d", domain.ErrInvalidTier, int(tier)))
		}
	}
	if _, err := c.Networks(); err != nil {
		errs = append(errs, err)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", c.Database.Driver))
	}
	return errors.Join(errs...)
}

// Networks parses LocalNetworks.
func (c Config) Networks() ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(c.LocalNetworks))
	for _, raw := range c.LocalNetworks {
		p, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid local network %q: %w", raw, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return prefixes, nil
}

// SlogLevel maps LogLevel to a slog level, defaulting to Info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvUint(key string, defaultValue uint64, errs *[]error) uint64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return defaultValue
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
