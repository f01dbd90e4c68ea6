package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// validConfig returns a config that passes Validate; tests break one field.
func validConfig() Config {
	return Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Cloud: CloudConfig{
			Username:        "user@example.com",
			Password:        "secret",
			DeviceCode:      "A09A520276BA",
			Timeout:         10 * time.Second,
			Timezone:        "Europe/Stockholm",
			HistoryMaxHours: 720,
		},
		Storage: StorageConfig{Driver: "sqlite", SQLite: SQLiteConfig{Path: "test.db"}},
		Collection: CollectionConfig{
			Interval:     10 * time.Minute,
			FetchTimeout: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
			MaxGap:       90 * time.Minute,
		},
		Normalizer: NormalizerConfig{AuxHeatMargin: 3, MinCOPPowerKW: 0.1},
		MQTT:       MQTTConfig{QoS: 1},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid sqlite config", func(*Config) {}, false},
		{"valid postgres config", func(c *Config) {
			c.Storage = StorageConfig{Driver: "postgres", Postgres: PostgresConfig{DSN: "postgres://localhost/db"}}
		}, false},
		{"missing username", func(c *Config) { c.Cloud.Username = "" }, true},
		{"missing password", func(c *Config) { c.Cloud.Password = "" }, true},
		{"missing device code", func(c *Config) { c.Cloud.DeviceCode = "" }, true},
		{"zero cloud timeout", func(c *Config) { c.Cloud.Timeout = 0 }, true},
		{"unknown timezone", func(c *Config) { c.Cloud.Timezone = "Mars/Olympus" }, true},
		{"zero history hours", func(c *Config) { c.Cloud.HistoryMaxHours = 0 }, true},
		{"invalid driver", func(c *Config) { c.Storage.Driver = "mysql" }, true},
		{"sqlite missing path", func(c *Config) { c.Storage.SQLite.Path = "" }, true},
		{"postgres missing dsn", func(c *Config) { c.Storage = StorageConfig{Driver: "postgres"} }, true},
		{"zero interval", func(c *Config) { c.Collection.Interval = 0 }, true},
		{"fetch timeout not below interval", func(c *Config) { c.Collection.FetchTimeout = 10 * time.Minute }, true},
		{"negative max gap", func(c *Config) { c.Collection.MaxGap = -time.Minute }, true},
		{"negative cop floor", func(c *Config) { c.Normalizer.MinCOPPowerKW = -1 }, true},
		{"rising curve", func(c *Config) {
			c.Normalizer.Curve = telemetry.Curve{{Outdoor: -10, Supply: 30}, {Outdoor: 10, Supply: 40}}
		}, true},
		{"valid curve", func(c *Config) {
			c.Normalizer.Curve = telemetry.Curve{{Outdoor: -10, Supply: 40}, {Outdoor: 10, Supply: 30}}
		}, false},
		{"influx without bucket", func(c *Config) {
			c.InfluxDB = InfluxDBConfig{Enabled: true, URL: "http://localhost:8086", Org: "home"}
		}, true},
		{"mqtt without broker", func(c *Config) { c.MQTT.Enabled = true }, true},
		{"mqtt bad qos", func(c *Config) { c.MQTT.QoS = 3 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, true},
		{"bad listen addr", func(c *Config) { c.ListenAddr = "8080" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(&cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_ValidateSQLiteDirCheck(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "nested", "test.db")
	if err := cfg.Validate(); err != nil {
		t.Errorf("valid dir should not error: %v", err)
	}
	if _, err := os.Stat(filepath.Dir(cfg.Storage.SQLite.Path)); err != nil {
		t.Errorf("storage directory not created: %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing config file")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestLoad_ValidFile(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfgPath := writeConfig(t, `
listen_addr: ":9090"
log_format: text

cloud:
  username: user@example.com
  password: secret
  device_code: A09A520276BA
  timezone: UTC

collection:
  interval: 5m

normalizer:
  curve:
    - {outdoor: -20, supply: 50}
    - {outdoor: 20, supply: 28}

storage:
  driver: sqlite
  sqlite:
    path: test.db
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.Cloud.DeviceCode != "A09A520276BA" {
		t.Errorf("device_code = %q", cfg.Cloud.DeviceCode)
	}
	if cfg.Collection.Interval != 5*time.Minute {
		t.Errorf("interval = %s, want 5m", cfg.Collection.Interval)
	}
	if cfg.Collection.FetchTimeout != 30*time.Second {
		t.Errorf("fetch_timeout default = %s, want 30s", cfg.Collection.FetchTimeout)
	}
	if cfg.Collection.MaxGap != 90*time.Minute {
		t.Errorf("max_gap default = %s, want 90m", cfg.Collection.MaxGap)
	}
	if !cfg.Collection.BackfillOnStartup || cfg.Collection.BackfillMaxHours != 72 {
		t.Errorf("backfill defaults = %v/%d", cfg.Collection.BackfillOnStartup, cfg.Collection.BackfillMaxHours)
	}
	if len(cfg.Normalizer.Curve) != 2 || cfg.Normalizer.Curve[0].Supply != 50 {
		t.Errorf("curve = %+v", cfg.Normalizer.Curve)
	}

	nc := cfg.NormalizerSettings()
	if nc.Location != time.UTC {
		t.Errorf("location = %v, want UTC", nc.Location)
	}
	if nc.AuxHeatMargin != 3.0 || nc.CompressorPowerKW != 0.2 {
		t.Errorf("normalizer defaults = %+v", nc)
	}
	if got := nc.Curve.Eval(0); got != 39 {
		t.Errorf("curve.Eval(0) = %v, want 39", got)
	}
}

func TestLoad_EnvOverridesPassword(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	cfgPath := writeConfig(t, `
cloud:
  username: user@example.com
  password: placeholder
  device_code: A09A520276BA
`)
	t.Setenv("HEATLOGD_CLOUD_PASSWORD", "secret-from-env")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Cloud.Password != "secret-from-env" {
		t.Errorf("password = %q, want %q", cfg.Cloud.Password, "secret-from-env")
	}
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	cfgPath := writeConfig(t, `
cloud:
  username: user@example.com
  password: secret
  device_code: A09A520276BA
storage:
  driver: sqlite
`)
	t.Setenv("DATABASE_URL", "postgres://heat@db/heatlogd")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Driver != "postgres" || cfg.DSN() != "postgres://heat@db/heatlogd" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestConfig_DSN(t *testing.T) {
	t.Run("sqlite", func(t *testing.T) {
		cfg := Config{Storage: StorageConfig{Driver: "sqlite", SQLite: SQLiteConfig{Path: "/tmp/test.db"}}}
		if dsn := cfg.DSN(); dsn != "/tmp/test.db" {
			t.Errorf("DSN() = %q, want %q", dsn, "/tmp/test.db")
		}
	})

	t.Run("postgres", func(t *testing.T) {
		cfg := Config{Storage: StorageConfig{Driver: "postgres", Postgres: PostgresConfig{DSN: "postgres://localhost/db"}}}
		if dsn := cfg.DSN(); dsn != "postgres://localhost/db" {
			t.Errorf("DSN() = %q, want %q", dsn, "postgres://localhost/db")
		}
	})
}

func TestConfig_MQTTTopic(t *testing.T) {
	cfg := validConfig()
	if got := cfg.MQTTTopic(); got != "heatlogd/a09a520276ba" {
		t.Errorf("default topic = %q", got)
	}
	cfg.MQTT.Topic = "home/heatpump"
	if got := cfg.MQTTTopic(); got != "home/heatpump" {
		t.Errorf("topic = %q", got)
	}
}
