package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// ErrStorage wraps every failure reported by the underlying engine.
var ErrStorage = errors.New("storage error")

// ErrInvalidSample is returned when a sample cannot be stored as given
// (zero timestamp or unknown source). Nothing is written.
var ErrInvalidSample = errors.New("invalid sample")

// DefaultMaxGap is how long a power reading is assumed to hold when the
// next sample is missing. Hourly history rows need at least an hour.
const DefaultMaxGap = 90 * time.Minute

// Store defines the interface for sample storage.
// Both SQLite and PostgreSQL implementations satisfy this interface.
type Store interface {
	// Upsert stores one sample, keyed by its timestamp. A backfill sample
	// never replaces a cloud_poll sample at the same timestamp.
	Upsert(ctx context.Context, s *telemetry.Sample) error

	// UpsertMany stores all samples in one transaction. Either every sample
	// is applied or none is.
	UpsertMany(ctx context.Context, samples []telemetry.Sample) error

	// RangeQuery returns samples with from <= timestamp <= to, oldest first.
	RangeQuery(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error)

	// Aggregate summarises [from, to) into UTC-aligned buckets.
	Aggregate(ctx context.Context, from, to time.Time, bucket BucketSize) ([]AggregateBucket, error)

	// Latest returns the newest sample, or nil when the store is empty.
	Latest(ctx context.Context) (*telemetry.Sample, error)

	// Stats reports row count, time span and on-disk size.
	Stats(ctx context.Context) (*Stats, error)

	// Close closes the database connection.
	Close() error
}

// Stats describes the stored data.
type Stats struct {
	Driver    string     `json:"driver"`
	Count     int64      `json:"count"`
	Oldest    *time.Time `json:"oldest"`
	Newest    *time.Time `json:"newest"`
	SizeBytes int64      `json:"size_bytes"`
}

// Option configures a store.
type Option func(*options)

type options struct {
	maxGap time.Duration
}

// WithMaxGap sets how long a power reading may be held across a gap when
// integrating energy. Non-positive values keep the default.
func WithMaxGap(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.maxGap = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{maxGap: DefaultMaxGap}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func storageErr(action string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, action, err)
}

func validateSample(s *telemetry.Sample) error {
	if s.Timestamp.IsZero() {
		return fmt.Errorf("%w: zero timestamp", ErrInvalidSample)
	}
	if !s.Source.Valid() {
		return fmt.Errorf("%w: unknown source %q", ErrInvalidSample, s.Source)
	}
	return nil
}
