package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/chadmayfield/heatlogd/internal/api"
	"github.com/chadmayfield/heatlogd/internal/cloud"
	"github.com/chadmayfield/heatlogd/internal/collector"
	"github.com/chadmayfield/heatlogd/internal/config"
	"github.com/chadmayfield/heatlogd/internal/metrics"
	"github.com/chadmayfield/heatlogd/internal/query"
	"github.com/chadmayfield/heatlogd/internal/sink"
	"github.com/chadmayfield/heatlogd/internal/store"
	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

var (
	listenAddr    string
	storageDriver string
	corsOrigin    string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the heatlogd daemon (default command)",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides config)")
	serveCmd.Flags().StringVar(&storageDriver, "storage-driver", "", "storage driver (overrides config)")
	serveCmd.Flags().StringVar(&corsOrigin, "cors-origin", "", "allowed CORS origin for the API and live stream")
	rootCmd.AddCommand(serveCmd)

	// Make serve the default command.
	rootCmd.RunE = runServe
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Apply flag overrides.
	if listenAddr != "" || storageDriver != "" {
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}
		if storageDriver != "" {
			cfg.Storage.Driver = storageDriver
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating flags: %w", err)
		}
	}

	logger := slog.Default()
	logger.Info("starting heatlogd",
		"version", Version,
		"listen_addr", cfg.ListenAddr,
		"storage_driver", cfg.Storage.Driver,
		"device_code", cfg.Cloud.DeviceCode,
		"interval", cfg.Collection.Interval,
	)

	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer s.Close() //nolint:errcheck

	logger.Info("database ready", "driver", cfg.Storage.Driver)

	client, err := newCloudClient(cfg, logger)
	if err != nil {
		return err
	}
	normalizer := telemetry.NewNormalizer(cfg.NormalizerSettings())
	m := metrics.New()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Sinks receive each stored sample. The live hub is always on.
	var origins []string
	if corsOrigin != "" {
		origins = append(origins, hostPattern(corsOrigin))
	}
	hub := sink.NewHub(logger, origins...)
	sinks := []collector.Sink{hub}

	var influx *sink.Influx
	if cfg.InfluxDB.Enabled {
		influx, err = sink.NewInflux(ctx, sink.InfluxConfig{
			URL:    cfg.InfluxDB.URL,
			Token:  cfg.InfluxDB.Token,
			Org:    cfg.InfluxDB.Org,
			Bucket: cfg.InfluxDB.Bucket,
			Device: cfg.Cloud.DeviceCode,
		}, logger)
		if err != nil {
			return err
		}
		sinks = append(sinks, influx)
		logger.Info("influxdb mirror enabled", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	var mqtt *sink.MQTT
	if cfg.MQTT.Enabled {
		mqtt, err = sink.NewMQTT(sink.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTTTopic(),
			QoS:      byte(cfg.MQTT.QoS),
		}, logger)
		if err != nil {
			if influx != nil {
				_ = influx.Close()
			}
			return err
		}
		sinks = append(sinks, mqtt)
		logger.Info("mqtt publisher enabled", "broker", cfg.MQTT.Broker, "topic", cfg.MQTTTopic())
	}

	opts := collector.Options{
		Interval:     cfg.Collection.Interval,
		FetchTimeout: cfg.Collection.FetchTimeout,
		WriteTimeout: cfg.Collection.WriteTimeout,
		Sinks:        sinks,
		Metrics:      m,
	}
	ingest := client.Ingest()
	sched := collector.NewScheduler(ingest, normalizer, s, logger, opts)

	var bf gapFiller
	if cfg.Collection.BackfillOnStartup {
		bf = collector.NewBackfiller(ingest, normalizer, s, sched.Gate(), logger, opts)
	}

	svc := query.NewService(client, normalizer, s, m, logger, query.Config{
		HistoryMaxHours: cfg.Cloud.HistoryMaxHours,
		Location:        cfg.Location(),
	})

	srv := api.NewServer(svc, logger, api.Options{
		Scheduler:  sched,
		Live:       hub,
		Metrics:    m,
		CORSOrigin: corsOrigin,
	})
	srv.SetVersion(Version)
	srv.SetStorageDriver(cfg.Storage.Driver)

	logger.Info("heatlogd ready", "addr", cfg.ListenAddr)

	// Start ingestion and server using errgroup.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runIngestion(gctx, bf, sched, cfg.Collection.BackfillMaxHours, logger)
	})
	g.Go(func() error { return srv.ListenAndServe(gctx, cfg.ListenAddr) })

	waitErr := g.Wait()
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		logger.Error("heatlogd exited with error", "error", waitErr)
	}

	// Always run graceful cleanup, even on error.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	hub.Close()
	_ = srv.Shutdown(shutdownCtx)
	if influx != nil {
		_ = influx.Close()
	}
	if mqtt != nil {
		_ = mqtt.Close()
	}
	_ = s.Close()

	logger.Info("heatlogd shutdown complete")
	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}

type gapFiller interface {
	DetectAndFill(ctx context.Context, maxHours int) (int, error)
}

type starter interface {
	Start(ctx context.Context) error
}

// runIngestion fills the startup gap, if bf is set, and then runs the
// scheduler. It runs alongside the HTTP server so a slow vendor never
// delays the API; a failed backfill still lets polling start.
func runIngestion(ctx context.Context, bf gapFiller, sched starter, maxHours int, logger *slog.Logger) error {
	if bf != nil {
		if _, err := bf.DetectAndFill(ctx, maxHours); err != nil {
			logger.Error("startup backfill failed", "error", err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return sched.Start(ctx)
}

// loadConfig loads the configuration and installs the logger it asks for.
// Flags win over the file.
func loadConfig() (*config.Config, error) {
	setupLogging(logFormat, logLevel)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	setupLogging(cfg.LogFormat, cfg.LogLevel)
	return cfg, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	opts := []store.Option{store.WithMaxGap(cfg.Collection.MaxGap)}
	switch cfg.Storage.Driver {
	case "sqlite":
		return store.NewSQLiteStore(cfg.DSN(), opts...)
	case "postgres":
		slog.Debug("connecting to postgres", "dsn", redactDSN(cfg.DSN()))
		return store.NewPostgresStore(cfg.DSN(), opts...)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", cfg.Storage.Driver)
	}
}

func newCloudClient(cfg *config.Config, logger *slog.Logger) (*cloud.Client, error) {
	return cloud.New(cloud.Config{
		BaseURL:           cfg.Cloud.BaseURL,
		Username:          cfg.Cloud.Username,
		Password:          cfg.Cloud.Password,
		DeviceCode:        cfg.Cloud.DeviceCode,
		Timeout:           cfg.Cloud.Timeout,
		RequestsPerMinute: cfg.Cloud.RequestsPerMinute,
		Location:          cfg.Location(),
	}, logger)
}

func setupLogging(format, level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// redactDSN masks the password in a PostgreSQL DSN for safe display.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return dsn
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// hostPattern turns an origin such as https://dash.example.com into the
// host pattern the websocket origin check expects.
func hostPattern(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}
