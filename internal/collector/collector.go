package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chadmayfield/heatlogd/internal/metrics"
	"github.com/chadmayfield/heatlogd/internal/store"
	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// ErrCycleInProgress is returned by RunCycle when another cycle or a
// backfill holds the gate.
var ErrCycleInProgress = errors.New("ingestion cycle already in progress")

// State is the scheduler's position in the ingestion cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateNormalizing
	StateWriting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateNormalizing:
		return "normalizing"
	case StateWriting:
		return "writing"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Cycle outcomes, also used as metric labels.
const (
	outcomeOK         = "ok"
	outcomeFetchError = "fetch_error"
	outcomeMalformed  = "malformed"
	outcomeWriteError = "write_error"
	outcomeSkipped    = "skipped"
	outcomePanic      = "panic"
)

// StatusClient reads the device's current state.
type StatusClient interface {
	FetchStatus(ctx context.Context) (telemetry.Snapshot, error)
}

// Sink receives every sample after it has been stored.
type Sink interface {
	Name() string
	Publish(ctx context.Context, s telemetry.Sample) error
}

// StateSink is a Sink that presents each sample as the device's current
// state. It receives polled samples only, never backfilled history.
type StateSink interface {
	Sink
	CurrentStateOnly()
}

// historySinks drops the sinks that only take current state.
func historySinks(sinks []Sink) []Sink {
	var out []Sink
	for _, sk := range sinks {
		if _, ok := sk.(StateSink); !ok {
			out = append(out, sk)
		}
	}
	return out
}

// Options tune the scheduler. Zero values take the defaults.
type Options struct {
	Interval     time.Duration
	FetchTimeout time.Duration
	WriteTimeout time.Duration
	Gate         *Gate
	Sinks        []Sink
	Metrics      *metrics.Metrics
}

const (
	DefaultInterval     = 10 * time.Minute
	DefaultFetchTimeout = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Second
)

// Status is a snapshot of scheduler health.
type Status struct {
	State         string     `json:"state"`
	Interval      string     `json:"interval"`
	Cycles        uint64     `json:"cycles"`
	Successes     uint64     `json:"successes"`
	Failures      uint64     `json:"failures"`
	Skipped       uint64     `json:"skipped"`
	LastCycleAt   *time.Time `json:"last_cycle_at,omitempty"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastSampleAt  *time.Time `json:"last_sample_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
}

// Scheduler polls the cloud on a fixed interval and writes each reading
// to the store. A failed cycle is logged and counted; the next tick is the
// only retry.
type Scheduler struct {
	client     StatusClient
	normalizer *telemetry.Normalizer
	store      store.Store
	logger     *slog.Logger
	opts       Options
	now        func() time.Time

	state atomic.Int32

	mu     sync.RWMutex
	status Status
}

// NewScheduler creates a scheduler. It does nothing until Start or RunCycle.
func NewScheduler(client StatusClient, n *telemetry.Normalizer, s store.Store, logger *slog.Logger, opts Options) *Scheduler {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Gate == nil {
		opts.Gate = NewGate()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		client:     client,
		normalizer: n,
		store:      s,
		logger:     logger,
		opts:       opts,
		now:        time.Now,
		status:     Status{Interval: opts.Interval.String()},
	}
}

// Gate returns the gate shared with a Backfiller.
func (s *Scheduler) Gate() *Gate {
	return s.opts.Gate
}

// State returns the current cycle state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
}

// Status returns a copy of the scheduler's counters.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.status
	st.State = s.State().String()
	return st
}

// Start runs one cycle immediately, then one per interval until ctx ends.
// Cycle errors never stop the loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"interval", s.opts.Interval,
		"fetch_timeout", s.opts.FetchTimeout,
		"sinks", len(s.opts.Sinks),
	)

	s.tick(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.setState(StateIdle)
			s.logger.Error("panic in ingestion cycle", "error", r)
			s.recordFailure(outcomePanic, fmt.Errorf("panic: %v", r), 0)
		}
	}()

	if err := s.RunCycle(ctx); errors.Is(err, ErrCycleInProgress) {
		s.logger.Warn("skipping tick, ingestion busy")
	}
}

// RunCycle performs one Fetching → Normalizing → Writing pass and returns
// to Idle. The error is returned for callers that want it; it has already
// been logged and counted.
func (s *Scheduler) RunCycle(ctx context.Context) error {
	if !s.opts.Gate.TryAcquire() {
		s.mu.Lock()
		s.status.Skipped++
		s.mu.Unlock()
		s.opts.Metrics.Cycle(outcomeSkipped, 0)
		return ErrCycleInProgress
	}
	defer s.opts.Gate.Release()
	defer s.setState(StateIdle)

	start := s.now()
	s.mu.Lock()
	s.status.Cycles++
	cycle := s.status.Cycles
	s.status.LastCycleAt = &start
	s.mu.Unlock()

	log := s.logger.With("cycle", cycle)

	s.setState(StateFetching)
	fetchCtx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	snap, err := s.client.FetchStatus(fetchCtx)
	cancel()
	if err != nil {
		log.Warn("fetch failed", "state", StateFetching.String(), "error", err)
		return s.recordFailure(outcomeFetchError, err, s.now().Sub(start))
	}

	s.setState(StateNormalizing)
	smp, err := s.normalizer.Normalize(snap, telemetry.SourceCloudPoll)
	if err != nil {
		log.Warn("normalize failed", "state", StateNormalizing.String(), "error", err)
		return s.recordFailure(outcomeMalformed, err, s.now().Sub(start))
	}

	s.setState(StateWriting)
	writeCtx, cancel := context.WithTimeout(ctx, s.opts.WriteTimeout)
	err = s.store.Upsert(writeCtx, &smp)
	cancel()
	if err != nil {
		log.Error("write failed", "state", StateWriting.String(), "error", err)
		return s.recordFailure(outcomeWriteError, err, s.now().Sub(start))
	}

	elapsed := s.now().Sub(start)
	ts := smp.Timestamp
	s.mu.Lock()
	s.status.Successes++
	s.status.LastSuccessAt = &start
	s.status.LastSampleAt = &ts
	s.status.LastError = ""
	s.mu.Unlock()
	s.opts.Metrics.Cycle(outcomeOK, elapsed)
	s.opts.Metrics.SamplesWritten(string(smp.Source), 1)
	s.opts.Metrics.LastSample(ts)

	attrs := []any{"timestamp", ts.Format(time.RFC3339), "duration", elapsed}
	if v, ok := smp.Temperature(telemetry.ProbeOutdoor); ok {
		attrs = append(attrs, "outdoor", fmt.Sprintf("%.1f°C", v))
	}
	if smp.COP != nil {
		attrs = append(attrs, "cop", fmt.Sprintf("%.2f", *smp.COP))
	}
	if smp.Flags.AuxHeatActive {
		attrs = append(attrs, "aux_heat", true)
	}
	log.Info("saved sample", attrs...)

	publish(ctx, s.opts.Sinks, []telemetry.Sample{smp}, s.opts.WriteTimeout, s.opts.Metrics, log)
	return nil
}

func (s *Scheduler) recordFailure(outcome string, err error, elapsed time.Duration) error {
	s.mu.Lock()
	s.status.Failures++
	s.status.LastError = err.Error()
	s.mu.Unlock()
	s.opts.Metrics.Cycle(outcome, elapsed)
	return err
}

// publish hands samples to every sink. Failures are logged and counted only.
func publish(ctx context.Context, sinks []Sink, samples []telemetry.Sample, timeout time.Duration, m *metrics.Metrics, logger *slog.Logger) {
	for _, sink := range sinks {
		for _, smp := range samples {
			sctx, cancel := context.WithTimeout(ctx, timeout)
			err := sink.Publish(sctx, smp)
			cancel()
			if err != nil {
				logger.Warn("sink publish failed", "sink", sink.Name(), "error", err)
				m.SinkError(sink.Name())
				break
			}
		}
	}
}
