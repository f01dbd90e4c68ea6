package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// Config is the top-level configuration for heatlogd.
type Config struct {
	ListenAddr string           `mapstructure:"listen_addr"`
	LogFormat  string           `mapstructure:"log_format"`
	LogLevel   string           `mapstructure:"log_level"`
	Cloud      CloudConfig      `mapstructure:"cloud"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Collection CollectionConfig `mapstructure:"collection"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	InfluxDB   InfluxDBConfig   `mapstructure:"influxdb"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
}

// CloudConfig holds the vendor account and request settings.
type CloudConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	DeviceCode        string        `mapstructure:"device_code"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Timezone          string        `mapstructure:"timezone"`
	HistoryMaxHours   int           `mapstructure:"history_max_hours"`
}

// StorageConfig defines the database backend.
type StorageConfig struct {
	Driver   string         `mapstructure:"driver"` // "sqlite" or "postgres"
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgresConfig holds PostgreSQL-specific configuration.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// CollectionConfig defines polling and backfill behavior.
type CollectionConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	FetchTimeout      time.Duration `mapstructure:"fetch_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	BackfillOnStartup bool          `mapstructure:"backfill_on_startup"`
	BackfillMaxHours  int           `mapstructure:"backfill_max_hours"`
	MaxGap            time.Duration `mapstructure:"max_gap"`
}

// NormalizerConfig holds the thresholds used to derive COP and flags.
type NormalizerConfig struct {
	AuxHeatMargin         float64         `mapstructure:"aux_heat_margin"`
	MinCOPPowerKW         float64         `mapstructure:"min_cop_power_kw"`
	CompressorPowerKW     float64         `mapstructure:"compressor_power_kw"`
	CompressorFrequencyHz float64         `mapstructure:"compressor_frequency_hz"`
	Curve                 telemetry.Curve `mapstructure:"curve"`
}

// InfluxDBConfig enables the InfluxDB mirror.
type InfluxDBConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`
}

// MQTTConfig enables the MQTT state publisher.
type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      int    `mapstructure:"qos"`
}

// Load reads configuration from flag path, env vars, then default file paths.
// Precedence: flag → $HEATLOGD_CONFIG env → ~/.config/heatlogd/config.yaml → /etc/heatlogd/config.yaml
// A set DATABASE_URL selects the postgres driver with that DSN.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Defaults
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_format", "json")
	v.SetDefault("log_level", "info")
	v.SetDefault("cloud.base_url", "https://cloud.linked-go.com:449/crmservice/api")
	v.SetDefault("cloud.username", "")
	v.SetDefault("cloud.password", "")
	v.SetDefault("cloud.device_code", "")
	v.SetDefault("cloud.timeout", "10s")
	v.SetDefault("cloud.requests_per_minute", 30)
	v.SetDefault("cloud.timezone", "Europe/Stockholm")
	v.SetDefault("cloud.history_max_hours", 720)
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "heatlogd.db")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("collection.interval", "10m")
	v.SetDefault("collection.fetch_timeout", "30s")
	v.SetDefault("collection.write_timeout", "10s")
	v.SetDefault("collection.backfill_on_startup", true)
	v.SetDefault("collection.backfill_max_hours", 72)
	v.SetDefault("collection.max_gap", "90m")
	v.SetDefault("normalizer.aux_heat_margin", 3.0)
	v.SetDefault("normalizer.min_cop_power_kw", 0.1)
	v.SetDefault("normalizer.compressor_power_kw", 0.2)
	v.SetDefault("normalizer.compressor_frequency_hz", 10.0)
	v.SetDefault("influxdb.enabled", false)
	v.SetDefault("influxdb.url", "")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.bucket", "")
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic", "")
	v.SetDefault("mqtt.qos", 1)

	// Env var support: HEATLOGD_CLOUD_PASSWORD overrides cloud.password.
	// Every key needs a default for Unmarshal to see its env var.
	v.SetEnvPrefix("HEATLOGD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else if envPath := os.Getenv("HEATLOGD_CONFIG"); envPath != "" {
		v.SetConfigFile(envPath)
	} else {
		// Try ~/.config/heatlogd/config.yaml first
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "heatlogd"))
		}
		// Fall back to /etc/heatlogd/config.yaml
		v.AddConfigPath("/etc/heatlogd")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		// Warn if config file is world-readable; it holds the vendor password.
		if cfgPath := v.ConfigFileUsed(); cfgPath != "" {
			if info, err := os.Stat(cfgPath); err == nil {
				perm := info.Mode().Perm()
				if perm&0004 != 0 {
					slog.Warn("config file is world-readable", "path", cfgPath, "permissions", fmt.Sprintf("%04o", perm))
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.Postgres.DSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Validate checks that the configuration is complete and correct.
func (c *Config) Validate() error {
	if c.Cloud.Username == "" || c.Cloud.Password == "" {
		return fmt.Errorf("cloud.username and cloud.password are required")
	}
	if c.Cloud.DeviceCode == "" {
		return fmt.Errorf("cloud.device_code is required")
	}
	if c.Cloud.Timeout <= 0 {
		return fmt.Errorf("cloud.timeout must be positive, got %s", c.Cloud.Timeout)
	}
	if c.Cloud.RequestsPerMinute < 0 {
		return fmt.Errorf("cloud.requests_per_minute must not be negative")
	}
	if c.Cloud.HistoryMaxHours < 1 {
		return fmt.Errorf("cloud.history_max_hours must be at least 1, got %d", c.Cloud.HistoryMaxHours)
	}
	if _, err := time.LoadLocation(c.Cloud.Timezone); err != nil {
		return fmt.Errorf("cloud.timezone %q: %w", c.Cloud.Timezone, err)
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("storage.sqlite.path is required for sqlite driver")
		}
		dir := filepath.Dir(c.Storage.SQLite.Path)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return fmt.Errorf("creating storage directory %q: %w", dir, err)
			}
		}
	case "postgres":
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for postgres driver")
		}
	default:
		return fmt.Errorf("storage.driver must be 'sqlite' or 'postgres', got %q", c.Storage.Driver)
	}

	col := c.Collection
	if col.Interval <= 0 || col.FetchTimeout <= 0 || col.WriteTimeout <= 0 {
		return fmt.Errorf("collection interval and timeouts must be positive")
	}
	if col.FetchTimeout >= col.Interval {
		return fmt.Errorf("collection.fetch_timeout (%s) must be shorter than collection.interval (%s)", col.FetchTimeout, col.Interval)
	}
	if col.BackfillMaxHours < 0 {
		return fmt.Errorf("collection.backfill_max_hours must not be negative")
	}
	if col.MaxGap < 0 {
		return fmt.Errorf("collection.max_gap must not be negative")
	}

	if n := c.Normalizer; n.MinCOPPowerKW < 0 || n.AuxHeatMargin < 0 {
		return fmt.Errorf("normalizer thresholds must not be negative")
	}
	if len(c.Normalizer.Curve) > 0 {
		if err := c.Normalizer.Curve.Validate(); err != nil {
			return fmt.Errorf("normalizer.curve: %w", err)
		}
	}

	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "") {
		return fmt.Errorf("influxdb.url, influxdb.org and influxdb.bucket are required when influxdb is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}

	// Validate listen_addr.
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q is not a valid address: %w", c.ListenAddr, err)
	}

	return nil
}

// DSN returns the appropriate DSN for the configured storage driver.
func (c *Config) DSN() string {
	switch c.Storage.Driver {
	case "sqlite":
		return c.Storage.SQLite.Path
	case "postgres":
		return c.Storage.Postgres.DSN
	default:
		return ""
	}
}

// Location returns the device timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Cloud.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NormalizerSettings builds the normalizer configuration.
func (c *Config) NormalizerSettings() telemetry.NormalizerConfig {
	nc := telemetry.DefaultNormalizerConfig()
	nc.Location = c.Location()
	nc.AuxHeatMargin = c.Normalizer.AuxHeatMargin
	nc.MinCOPPowerKW = c.Normalizer.MinCOPPowerKW
	nc.CompressorPowerKW = c.Normalizer.CompressorPowerKW
	nc.CompressorFrequencyHz = c.Normalizer.CompressorFrequencyHz
	if len(c.Normalizer.Curve) > 0 {
		nc.Curve = c.Normalizer.Curve
	}
	return nc
}

// MQTTTopic returns the configured topic prefix, defaulting to one per device.
func (c *Config) MQTTTopic() string {
	if c.MQTT.Topic != "" {
		return c.MQTT.Topic
	}
	return "heatlogd/" + strings.ToLower(c.Cloud.DeviceCode)
}
