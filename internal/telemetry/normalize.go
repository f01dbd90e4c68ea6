package telemetry

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Water heat capacity in kJ/(kg·K); one litre is taken as one kilogram.
const waterHeatCapacity = 4.186

// fieldSpec maps one vendor code to a canonical field and the unit
// transform that brings it into SI-consistent units.
type fieldSpec struct {
	canonical string
	transform func(float64) float64
}

const (
	fieldPower     = "power_kw"
	fieldFrequency = "compressor_frequency_hz"
	fieldFlow      = "flow_lpm"
)

func identity(v float64) float64 { return v }

func cubicMetresPerHourToLPM(v float64) float64 { return v * 1000 / 60 }

// fieldTable is the complete vendor-to-canonical conversion table.
var fieldTable = map[string]fieldSpec{
	"T01":  {string(ProbeReturn), identity},
	"T02":  {string(ProbeSupply), identity},
	"T03":  {string(ProbeEvaporator), identity},
	"T04":  {string(ProbeOutdoor), identity},
	"T06":  {string(ProbeTank), identity},
	"T11":  {string(ProbeHotWater), identity},
	"T12":  {string(ProbeDischarge), identity},
	"T33":  {fieldFrequency, identity},
	"T39":  {fieldFlow, cubicMetresPerHourToLPM},
	"2054": {fieldPower, identity},
}

var modeNames = map[string]string{
	"1": "heating",
	"2": "cooling",
	"3": "hot_water",
}

// NormalizerConfig holds the thresholds used to derive COP and flags.
type NormalizerConfig struct {
	// Location is the device's timezone, used for history wall-clock labels.
	Location *time.Location
	// AuxHeatMargin is how far (°C) supply may exceed the curve before
	// auxiliary heat is assumed.
	AuxHeatMargin float64
	// MinCOPPowerKW is the power at or below which COP is left undefined.
	MinCOPPowerKW float64
	// CompressorPowerKW and CompressorFrequencyHz mark the compressor as running.
	CompressorPowerKW     float64
	CompressorFrequencyHz float64
	// Curve is used when the snapshot carries no usable device curve.
	Curve Curve
}

// DefaultNormalizerConfig returns the thresholds used by the dashboard.
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{
		Location:              time.UTC,
		AuxHeatMargin:         3.0,
		MinCOPPowerKW:         0.1,
		CompressorPowerKW:     0.2,
		CompressorFrequencyHz: 10,
		Curve:                 DefaultCurve,
	}
}

// Normalizer converts vendor snapshots into Samples. It holds no mutable
// state and is safe for concurrent use.
type Normalizer struct {
	cfg NormalizerConfig
}

// NewNormalizer creates a Normalizer. A nil location means UTC and an
// invalid curve falls back to DefaultCurve.
func NewNormalizer(cfg NormalizerConfig) *Normalizer {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Curve.Validate() != nil {
		cfg.Curve = DefaultCurve
	}
	if cfg.MinCOPPowerKW < 0 {
		cfg.MinCOPPowerKW = 0
	}
	return &Normalizer{cfg: cfg}
}

// Normalize builds a Sample from snap. Absent or unparseable fields stay
// absent. It fails only when the snapshot has no timestamp or no recognised
// reading at all.
func (n *Normalizer) Normalize(snap Snapshot, src Source) (Sample, error) {
	ts, err := n.timestamp(snap)
	if err != nil {
		return Sample{}, err
	}

	s := Sample{
		Timestamp:    ts,
		Temperatures: make(map[Probe]float64),
		Source:       src,
	}

	recognised := 0
	for code, raw := range snap.Values {
		field, ok := fieldTable[code]
		if !ok {
			continue
		}
		v, ok := parseReading(raw)
		if !ok {
			continue
		}
		v = field.transform(v)
		recognised++

		switch field.canonical {
		case fieldPower:
			s.PowerKW = &v
		case fieldFrequency:
			s.CompressorFrequencyHz = &v
		case fieldFlow:
			s.FlowLPM = &v
		default:
			s.Temperatures[Probe(field.canonical)] = v
		}
	}
	if recognised == 0 {
		return Sample{}, fmt.Errorf("%w: no recognised readings", ErrMalformedSnapshot)
	}

	if raw, ok := snap.Values["Mode"]; ok && strings.TrimSpace(raw) != "" {
		mode := strings.TrimSpace(raw)
		if name, ok := modeNames[mode]; ok {
			mode = name
		}
		s.Mode = &mode
	}

	s.ThermalOutputKW = thermalOutput(s)
	s.COP = n.cop(s.ThermalOutputKW, s.PowerKW)
	s.Flags.CompressorActive = n.compressorActive(s)

	curve := n.cfg.Curve
	if c, ok := curveFromValues(snap.Values); ok {
		curve = c
	}
	s.Flags.AuxHeatActive = n.auxHeatActive(s, curve)

	return s, nil
}

func (n *Normalizer) timestamp(snap Snapshot) (time.Time, error) {
	if !snap.ObservedAt.IsZero() {
		return snap.ObservedAt.UTC().Truncate(time.Second), nil
	}
	if snap.LocalTime != "" {
		ts, err := ParseLocalTime(snap.LocalTime, n.cfg.Location)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %w", ErrMalformedSnapshot, err)
		}
		return ts, nil
	}
	return time.Time{}, fmt.Errorf("%w: no timestamp", ErrMalformedSnapshot)
}

// thermalOutput derives heat delivered to the water circuit from flow and
// the supply/return temperature difference.
func thermalOutput(s Sample) *float64 {
	supply, ok1 := s.Temperature(ProbeSupply)
	ret, ok2 := s.Temperature(ProbeReturn)
	if !ok1 || !ok2 || s.FlowLPM == nil {
		return nil
	}
	kw := *s.FlowLPM * (supply - ret) * waterHeatCapacity / 60
	return &kw
}

func (n *Normalizer) cop(thermal, power *float64) *float64 {
	if thermal == nil || power == nil {
		return nil
	}
	if *power <= 0 || *power <= n.cfg.MinCOPPowerKW || *thermal < 0 {
		return nil
	}
	v := *thermal / *power
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func (n *Normalizer) compressorActive(s Sample) bool {
	if s.PowerKW != nil && *s.PowerKW > n.cfg.CompressorPowerKW {
		return true
	}
	return s.CompressorFrequencyHz != nil && *s.CompressorFrequencyHz > n.cfg.CompressorFrequencyHz
}

// auxHeatActive compares the current sample only; there is no debounce
// across consecutive samples.
func (n *Normalizer) auxHeatActive(s Sample, curve Curve) bool {
	outdoor, ok1 := s.Temperature(ProbeOutdoor)
	supply, ok2 := s.Temperature(ProbeSupply)
	if !ok1 || !ok2 {
		return false
	}
	return supply-curve.Eval(outdoor) > n.cfg.AuxHeatMargin
}

func parseReading(raw string) (float64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

var localLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02 15",
	time.DateOnly,
}

// ParseLocalTime parses a device wall-clock label in loc and returns the
// instant in UTC. An ambiguous label (the repeated hour when clocks go back)
// resolves to the earlier instant.
func ParseLocalTime(label string, loc *time.Location) (time.Time, error) {
	return parseLocal(label, loc, false)
}

// ParseLaterLocalTime is ParseLocalTime resolving an ambiguous label to the
// later instant. For any other label both return the same instant.
func ParseLaterLocalTime(label string, loc *time.Location) (time.Time, error) {
	return parseLocal(label, loc, true)
}

func parseLocal(label string, loc *time.Location, later bool) (time.Time, error) {
	var wall time.Time
	var err error
	for _, layout := range localLayouts {
		if wall, err = time.Parse(layout, strings.TrimSpace(label)); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("unable to parse local time %q", label)
	}
	return resolveWallClock(wall, loc, later), nil
}

func resolveWallClock(wall time.Time, loc *time.Location, later bool) time.Time {
	var best time.Time
	// Transitions are at least a day apart, so the offsets 12h either side
	// cover every instant that can show this wall clock.
	for _, at := range []time.Time{wall.Add(-12 * time.Hour), wall.Add(12 * time.Hour)} {
		_, offset := at.In(loc).Zone()
		candidate := wall.Add(-time.Duration(offset) * time.Second)
		if !sameWallClock(candidate.In(loc), wall) {
			continue
		}
		if best.IsZero() || candidate.Before(best) != later {
			best = candidate
		}
	}
	if best.IsZero() {
		// Skipped by a forward transition; let the time package normalise it.
		best = time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, loc)
	}
	return best.UTC()
}

func sameWallClock(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute() && a.Second() == b.Second()
}
