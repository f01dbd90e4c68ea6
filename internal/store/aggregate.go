package store

import (
	"fmt"
	"time"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// BucketSize is the width of an aggregation bucket.
type BucketSize time.Duration

const (
	BucketHour = BucketSize(time.Hour)
	BucketDay  = BucketSize(24 * time.Hour)
)

// ParseBucketSize accepts "hour" or "day".
func ParseBucketSize(s string) (BucketSize, error) {
	switch s {
	case "hour", "1h":
		return BucketHour, nil
	case "day", "1d", "24h":
		return BucketDay, nil
	}
	return 0, fmt.Errorf("unknown bucket size %q", s)
}

func (b BucketSize) String() string {
	switch b {
	case BucketHour:
		return "hour"
	case BucketDay:
		return "day"
	}
	return time.Duration(b).String()
}

func (b BucketSize) validate() error {
	if b != BucketHour && b != BucketDay {
		return fmt.Errorf("unsupported bucket size %s", time.Duration(b))
	}
	return nil
}

// MetricSummary is the min/max/mean of one metric within a bucket.
type MetricSummary struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int     `json:"count"`
}

// AggregateBucket summarises the samples in [Start, End).
type AggregateBucket struct {
	Start                   time.Time                `json:"start"`
	End                     time.Time                `json:"end"`
	SampleCount             int                      `json:"sample_count"`
	EnergyKWh               float64                  `json:"energy_kwh"`
	CompressorActiveSamples int                      `json:"compressor_active_samples"`
	AuxHeatActiveSamples    int                      `json:"aux_heat_active_samples"`
	Metrics                 map[string]MetricSummary `json:"metrics"`
}

type accumulator struct {
	min, max, sum float64
	n             int
}

func (a *accumulator) add(v float64) {
	if a.n == 0 || v < a.min {
		a.min = v
	}
	if a.n == 0 || v > a.max {
		a.max = v
	}
	a.sum += v
	a.n++
}

// metricValues lists every numeric metric of a sample by name.
func metricValues(s *telemetry.Sample, fn func(name string, v float64)) {
	for _, p := range telemetry.Probes {
		if v, ok := s.Temperatures[p]; ok {
			fn(string(p), v)
		}
	}
	for _, m := range []struct {
		name string
		v    *float64
	}{
		{"power_kw", s.PowerKW},
		{"compressor_frequency_hz", s.CompressorFrequencyHz},
		{"flow_lpm", s.FlowLPM},
		{"thermal_output_kw", s.ThermalOutputKW},
		{"cop", s.COP},
	} {
		if m.v != nil {
			fn(m.name, *m.v)
		}
	}
}

// aggregate buckets samples (sorted ascending) over [from, to).
//
// Energy uses left-sample integration: each power reading holds until the
// next sample or for maxGap, whichever comes first. Hold segments depend
// only on the sample sequence, so the energy of adjacent windows adds up
// to the energy of their union. Callers must include samples from
// from-maxGap onward.
func aggregate(samples []telemetry.Sample, from, to time.Time, size BucketSize, maxGap time.Duration) []AggregateBucket {
	from, to = from.UTC(), to.UTC()
	width := time.Duration(size)
	first := from.Truncate(width)

	n := int(to.Sub(first) / width)
	if first.Add(time.Duration(n) * width).Before(to) {
		n++
	}
	buckets := make([]AggregateBucket, n)
	accs := make([]map[string]*accumulator, n)
	for i := range buckets {
		start := first.Add(time.Duration(i) * width)
		buckets[i] = AggregateBucket{Start: start, End: start.Add(width), Metrics: map[string]MetricSummary{}}
		accs[i] = map[string]*accumulator{}
	}
	index := func(t time.Time) int { return int(t.Sub(first) / width) }

	for i := range samples {
		s := &samples[i]
		ts := s.Timestamp.UTC()

		if !ts.Before(from) && ts.Before(to) {
			bi := index(ts)
			b := &buckets[bi]
			b.SampleCount++
			if s.Flags.CompressorActive {
				b.CompressorActiveSamples++
			}
			if s.Flags.AuxHeatActive {
				b.AuxHeatActiveSamples++
			}
			metricValues(s, func(name string, v float64) {
				acc, ok := accs[bi][name]
				if !ok {
					acc = &accumulator{}
					accs[bi][name] = acc
				}
				acc.add(v)
			})
		}

		if s.PowerKW == nil {
			continue
		}
		segEnd := ts.Add(maxGap)
		if i+1 < len(samples) {
			if next := samples[i+1].Timestamp.UTC(); next.Before(segEnd) {
				segEnd = next
			}
		}
		segStart := maxTime(ts, from)
		segEnd = minTime(segEnd, to)
		for t := segStart; t.Before(segEnd); {
			bi := index(t)
			end := minTime(segEnd, buckets[bi].End)
			buckets[bi].EnergyKWh += *s.PowerKW * end.Sub(t).Hours()
			t = end
		}
	}

	for i := range buckets {
		for name, acc := range accs[i] {
			buckets[i].Metrics[name] = MetricSummary{
				Min:   acc.min,
				Max:   acc.max,
				Avg:   acc.sum / float64(acc.n),
				Count: acc.n,
			}
		}
	}
	return buckets
}

// TotalEnergy sums the energy of buckets.
func TotalEnergy(buckets []AggregateBucket) float64 {
	var total float64
	for _, b := range buckets {
		total += b.EnergyKWh
	}
	return total
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
