// Package query answers read requests from the live cloud reading, the
// cloud's recent history, and the local store.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chadmayfield/heatlogd/internal/cloud"
	"github.com/chadmayfield/heatlogd/internal/metrics"
	"github.com/chadmayfield/heatlogd/internal/store"
	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

var (
	// ErrUnavailable means a cloud-only operation could not reach the vendor.
	ErrUnavailable = errors.New("service unavailable")
	// ErrNoData means neither the cloud nor the store had anything to serve.
	ErrNoData = errors.New("no data available")
	// ErrInvalidArgument is returned for requests that can never succeed.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Default look-back windows, in hours.
const (
	DefaultHistoryHours      = 24
	DefaultLocalHistoryHours = 168
	DefaultEnergyHours       = 168
	DefaultHistoryMaxHours   = 720
	MaxLocalHours            = 24 * 366
)

// Cloud is the part of the vendor client the service reads from.
type Cloud interface {
	FetchStatus(ctx context.Context) (telemetry.Snapshot, error)
	FetchHistory(ctx context.Context, from, to time.Time) ([]telemetry.Snapshot, error)
	SendControl(ctx context.Context, code, value string) error
}

// Config tunes the service.
type Config struct {
	// HistoryMaxHours caps cloud history requests.
	HistoryMaxHours int
	// Location decides where "today" starts in energy reports.
	Location *time.Location
}

// Service implements the read operations. It never blocks on the
// ingestion scheduler.
type Service struct {
	cloud      Cloud
	normalizer *telemetry.Normalizer
	store      store.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	cfg        Config
	now        func() time.Time
}

// NewService creates a Service. metrics may be nil.
func NewService(c Cloud, n *telemetry.Normalizer, s store.Store, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.HistoryMaxHours <= 0 {
		cfg.HistoryMaxHours = DefaultHistoryMaxHours
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cloud:      c,
		normalizer: n,
		store:      s,
		metrics:    m,
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// Status is the current reading. IsLive is false when the cloud could not
// be read and the newest stored sample is served instead.
type Status struct {
	Sample      telemetry.Sample `json:"sample"`
	IsLive      bool             `json:"is_live"`
	StaleReason string           `json:"stale_reason,omitempty"`
	AgeSeconds  float64          `json:"age_seconds"`
}

// CurrentStatus reads the device directly. On failure it falls back to the
// newest stored sample and marks the result stale. A store read error is
// returned as is.
func (s *Service) CurrentStatus(ctx context.Context) (*Status, error) {
	smp, liveErr := s.live(ctx)
	if liveErr == nil {
		return &Status{Sample: smp, IsLive: true, AgeSeconds: s.age(smp.Timestamp)}, nil
	}

	s.logger.Warn("live status unavailable, serving stored sample", "error", liveErr)
	s.metrics.StatusFallback()

	latest, err := s.store.Latest(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading latest sample: %w", err)
	}
	if latest == nil {
		return nil, fmt.Errorf("%w: live read failed (%v) and nothing is stored", ErrNoData, liveErr)
	}
	return &Status{
		Sample:      *latest,
		IsLive:      false,
		StaleReason: liveErr.Error(),
		AgeSeconds:  s.age(latest.Timestamp),
	}, nil
}

func (s *Service) live(ctx context.Context) (telemetry.Sample, error) {
	snap, err := s.cloud.FetchStatus(ctx)
	if err != nil {
		return telemetry.Sample{}, err
	}
	return s.normalizer.Normalize(snap, telemetry.SourceCloudPoll)
}

func (s *Service) age(ts time.Time) float64 {
	return s.now().Sub(ts).Round(time.Second).Seconds()
}

// Series is a window of samples.
type Series struct {
	Hours     int                `json:"hours"`
	From      time.Time          `json:"from"`
	To        time.Time          `json:"to"`
	Frequency string             `json:"frequency,omitempty"`
	Count     int                `json:"count"`
	Samples   []telemetry.Sample `json:"samples"`
}

// History returns the cloud's recent readings. There is no local fallback;
// a vendor failure is ErrUnavailable.
func (s *Service) History(ctx context.Context, hours int) (*Series, error) {
	hours = clampHours(hours, DefaultHistoryHours, s.cfg.HistoryMaxHours)
	to := s.now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)

	snaps, err := s.cloud.FetchHistory(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	samples := make([]telemetry.Sample, 0, len(snaps))
	for _, snap := range snaps {
		smp, err := s.normalizer.Normalize(snap, telemetry.SourceBackfill)
		if err != nil {
			s.logger.Debug("skipping history row", "label", snap.LocalTime, "error", err)
			continue
		}
		samples = append(samples, smp)
	}

	return &Series{
		Hours:     hours,
		From:      from,
		To:        to,
		Frequency: cloud.Frequency(to.Sub(from)),
		Count:     len(samples),
		Samples:   samples,
	}, nil
}

// LocalHistory returns stored samples for the last hours.
func (s *Service) LocalHistory(ctx context.Context, hours int) (*Series, error) {
	hours = clampHours(hours, DefaultLocalHistoryHours, MaxLocalHours)
	to := s.now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)

	samples, err := s.store.RangeQuery(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if samples == nil {
		samples = []telemetry.Sample{}
	}
	return &Series{Hours: hours, From: from, To: to, Count: len(samples), Samples: samples}, nil
}

// EnergyReport is consumed energy over a window plus the fixed "today" and
// "last 24 hours" figures.
type EnergyReport struct {
	Hours      int                     `json:"hours"`
	From       time.Time               `json:"from"`
	To         time.Time               `json:"to"`
	TotalKWh   float64                 `json:"total_kwh"`
	TodayKWh   float64                 `json:"today_kwh"`
	Last24hKWh float64                 `json:"last_24h_kwh"`
	Buckets    []store.AggregateBucket `json:"buckets"`
}

// Energy integrates power over the last hours in hourly buckets.
func (s *Service) Energy(ctx context.Context, hours int) (*EnergyReport, error) {
	hours = clampHours(hours, DefaultEnergyHours, MaxLocalHours)
	to := s.now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)

	buckets, err := s.store.Aggregate(ctx, from, to, store.BucketHour)
	if err != nil {
		return nil, err
	}
	if buckets == nil {
		buckets = []store.AggregateBucket{}
	}

	local := to.In(s.cfg.Location)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.cfg.Location)
	today, err := s.total(ctx, midnight, to)
	if err != nil {
		return nil, err
	}
	day, err := s.total(ctx, to.Add(-24*time.Hour), to)
	if err != nil {
		return nil, err
	}

	return &EnergyReport{
		Hours:      hours,
		From:       from,
		To:         to,
		TotalKWh:   store.TotalEnergy(buckets),
		TodayKWh:   today,
		Last24hKWh: day,
		Buckets:    buckets,
	}, nil
}

func (s *Service) total(ctx context.Context, from, to time.Time) (float64, error) {
	buckets, err := s.store.Aggregate(ctx, from, to, store.BucketHour)
	if err != nil {
		return 0, err
	}
	return store.TotalEnergy(buckets), nil
}

// DBStats passes the store's statistics through.
func (s *Service) DBStats(ctx context.Context) (*store.Stats, error) {
	return s.store.Stats(ctx)
}

// Control forwards one protocol write to the device.
func (s *Service) Control(ctx context.Context, code, value string) error {
	code, value = strings.TrimSpace(code), strings.TrimSpace(value)
	if code == "" || value == "" {
		return fmt.Errorf("%w: code and value are required", ErrInvalidArgument)
	}
	if err := s.cloud.SendControl(ctx, code, value); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// clampHours applies def to a missing value and keeps the result in [1, limit].
func clampHours(hours, def, limit int) int {
	if hours <= 0 {
		hours = def
	}
	if hours > limit {
		hours = limit
	}
	return hours
}
