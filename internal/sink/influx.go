package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// ErrInfluxUnavailable is returned when the server does not answer a ping.
var ErrInfluxUnavailable = errors.New("influxdb unavailable")

const (
	defaultMeasurement   = "heatpump"
	defaultBatchSize     = 50
	defaultFlushInterval = 10 * time.Second
	influxPingTimeout    = 5 * time.Second
)

// InfluxConfig configures the InfluxDB mirror.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string
	// Device is added as a tag on every point.
	Device        string
	BatchSize     uint
	FlushInterval time.Duration
}

// Influx mirrors samples into an InfluxDB v2 bucket. Writes are batched and
// non-blocking; asynchronous write errors are logged.
type Influx struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPI
	measurement string
	device      string
	logger      *slog.Logger
}

// NewInflux connects to InfluxDB and verifies it with a ping.
func NewInflux(ctx context.Context, cfg InfluxConfig, logger *slog.Logger) (*Influx, error) {
	if cfg.URL == "" || cfg.Bucket == "" || cfg.Org == "" {
		return nil, fmt.Errorf("influxdb url, org and bucket are required")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = defaultMeasurement
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(cfg.BatchSize).
			SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())))

	pingCtx, cancel := context.WithTimeout(ctx, influxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(pingCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrInfluxUnavailable, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("%w: server not healthy", ErrInfluxUnavailable)
	}

	i := &Influx{
		client:      client,
		writeAPI:    client.WriteAPI(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
		device:      cfg.Device,
		logger:      logger,
	}
	go i.drainErrors(i.writeAPI.Errors())

	logger.Info("influxdb mirror enabled", "url", cfg.URL, "bucket", cfg.Bucket)
	return i, nil
}

func (i *Influx) drainErrors(errs <-chan error) {
	for err := range errs {
		i.logger.Warn("influxdb write failed", "error", err)
	}
}

// Name implements collector.Sink.
func (i *Influx) Name() string { return "influxdb" }

// Publish queues s for the next batch.
func (i *Influx) Publish(_ context.Context, s telemetry.Sample) error {
	i.writeAPI.WritePoint(samplePoint(i.measurement, i.device, s))
	return nil
}

// Close flushes pending points and closes the client.
func (i *Influx) Close() error {
	i.writeAPI.Flush()
	i.client.Close()
	return nil
}

// samplePoint maps a sample to one point. Absent readings are left out
// rather than written as zero.
func samplePoint(measurement, device string, s telemetry.Sample) *write.Point {
	tags := map[string]string{"source": string(s.Source)}
	if device != "" {
		tags["device"] = device
	}
	if s.Mode != nil {
		tags["mode"] = *s.Mode
	}

	fields := map[string]any{
		"compressor_active": s.Flags.CompressorActive,
		"aux_heat_active":   s.Flags.AuxHeatActive,
	}
	for _, p := range telemetry.Probes {
		if v, ok := s.Temperature(p); ok {
			fields["t_"+string(p)] = v
		}
	}
	optional := map[string]*float64{
		"power_kw":                s.PowerKW,
		"compressor_frequency_hz": s.CompressorFrequencyHz,
		"flow_lpm":                s.FlowLPM,
		"thermal_output_kw":       s.ThermalOutputKW,
		"cop":                     s.COP,
	}
	for k, v := range optional {
		if v != nil {
			fields[k] = *v
		}
	}

	return write.NewPoint(measurement, tags, fields, s.Timestamp)
}
