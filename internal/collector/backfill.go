package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chadmayfield/heatlogd/internal/metrics"
	"github.com/chadmayfield/heatlogd/internal/store"
	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

const (
	// chunkWindow keeps each history request at hourly resolution.
	chunkWindow     = 72 * time.Hour
	minGap          = time.Hour
	defaultMaxHours = 72
)

// HistoryClient reads a window of past device readings.
type HistoryClient interface {
	FetchHistory(ctx context.Context, from, to time.Time) ([]telemetry.Snapshot, error)
}

// Backfiller fills gaps in stored samples from the cloud's history.
type Backfiller struct {
	client       HistoryClient
	normalizer   *telemetry.Normalizer
	store        store.Store
	gate         *Gate
	sinks        []Sink
	metrics      *metrics.Metrics
	fetchTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewBackfiller creates a Backfiller. Pass the scheduler's gate so a
// backfill never runs alongside a poll cycle; nil gets a private gate.
func NewBackfiller(client HistoryClient, n *telemetry.Normalizer, s store.Store, gate *Gate, logger *slog.Logger, opts Options) *Backfiller {
	if gate == nil {
		gate = NewGate()
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Backfiller{
		client:       client,
		normalizer:   n,
		store:        s,
		gate:         gate,
		sinks:        historySinks(opts.Sinks),
		metrics:      opts.Metrics,
		fetchTimeout: opts.FetchTimeout,
		logger:       logger,
		now:          time.Now,
	}
}

// Fill fetches history for [from, to] in chunks and stores it with one
// UpsertMany tagged backfill. It waits for any running poll cycle to finish.
// It returns the number of samples written.
func (b *Backfiller) Fill(ctx context.Context, from, to time.Time) (int, error) {
	from, to = from.UTC(), to.UTC()
	if !to.After(from) {
		return 0, fmt.Errorf("backfill window is empty: %s to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	if err := b.gate.Acquire(ctx); err != nil {
		return 0, err
	}
	defer b.gate.Release()

	totalChunks := int((to.Sub(from) + chunkWindow - 1) / chunkWindow)
	var samples []telemetry.Sample
	seen := make(map[time.Time]bool)
	malformed := 0

	chunkNum := 0
	for chunkStart := from; chunkStart.Before(to); {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		chunkEnd := chunkStart.Add(chunkWindow)
		if chunkEnd.After(to) {
			chunkEnd = to
		}
		chunkNum++

		b.logger.Info("backfilling",
			"from", chunkStart.Format(time.RFC3339),
			"to", chunkEnd.Format(time.RFC3339),
			"chunk", fmt.Sprintf("%d/%d", chunkNum, totalChunks),
		)

		fetchCtx, cancel := context.WithTimeout(ctx, b.fetchTimeout)
		snaps, err := b.client.FetchHistory(fetchCtx, chunkStart, chunkEnd)
		cancel()
		if err != nil {
			return 0, fmt.Errorf("fetching history %s to %s: %w",
				chunkStart.Format(time.RFC3339), chunkEnd.Format(time.RFC3339), err)
		}

		for _, snap := range snaps {
			smp, err := b.normalizer.Normalize(snap, telemetry.SourceBackfill)
			if err != nil {
				malformed++
				continue
			}
			if smp.Timestamp.Before(from) || smp.Timestamp.After(to) || seen[smp.Timestamp] {
				continue
			}
			seen[smp.Timestamp] = true
			samples = append(samples, smp)
		}
		chunkStart = chunkEnd
	}

	if malformed > 0 {
		b.logger.Warn("skipped malformed history rows", "rows", malformed)
	}
	if len(samples) == 0 {
		b.logger.Info("backfill found no history")
		return 0, nil
	}

	if err := b.store.UpsertMany(ctx, samples); err != nil {
		return 0, fmt.Errorf("saving backfill: %w", err)
	}
	b.metrics.SamplesWritten(string(telemetry.SourceBackfill), len(samples))
	publish(ctx, b.sinks, samples, b.fetchTimeout, b.metrics, b.logger)

	b.logger.Info("backfill complete", "rows", len(samples))
	return len(samples), nil
}

// DetectAndFill fills the gap between the newest stored sample and now,
// looking back at most maxHours.
func (b *Backfiller) DetectAndFill(ctx context.Context, maxHours int) (int, error) {
	if maxHours <= 0 {
		maxHours = defaultMaxHours
	}

	now := b.now().UTC()
	from := now.Add(-time.Duration(maxHours) * time.Hour)

	latest, err := b.store.Latest(ctx)
	if err != nil {
		return 0, fmt.Errorf("finding latest sample: %w", err)
	}
	if latest != nil && latest.Timestamp.After(from) {
		from = latest.Timestamp
	}

	gap := now.Sub(from)
	if gap < minGap {
		b.logger.Info("no gap to backfill", "gap", gap.Round(time.Second))
		return 0, nil
	}

	b.logger.Info("gap detected", "from", from.Format(time.RFC3339), "gap", gap.Round(time.Minute))
	n, err := b.Fill(ctx, from, now)
	if err != nil && !errors.Is(err, context.Canceled) {
		b.logger.Error("backfill failed", "error", err)
	}
	return n, err
}
