package telemetry

import (
	"errors"
	"math"
	"strconv"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var observed = time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(DefaultNormalizerConfig())
}

// flowFor returns the vendor flow reading (m³/h) that yields kw of heat at deltaT.
func flowFor(kw, deltaT float64) float64 {
	lpm := kw * 60 / (deltaT * waterHeatCapacity)
	return lpm * 60 / 1000
}

func TestNormalize_COPAndAuxHeat(t *testing.T) {
	n := newTestNormalizer()

	snap := Snapshot{
		ObservedAt: observed,
		Values: map[string]string{
			"2054": "2.0",
			"T04":  "-5",
			"T02":  "45",
			"T01":  "40",
			"T39":  formatFloat(flowFor(6.0, 5)),
		},
	}

	s, err := n.Normalize(snap, SourceCloudPoll)
	require.NoError(t, err)

	require.NotNil(t, s.ThermalOutputKW)
	assert.InDelta(t, 6.0, *s.ThermalOutputKW, 1e-9)
	require.NotNil(t, s.COP)
	assert.InDelta(t, 3.0, *s.COP, 1e-9)

	// DefaultCurve(-5) = 38; 45 is 7 above, beyond the 3°C margin.
	assert.InDelta(t, 38.0, DefaultCurve.Eval(-5), 1e-9)
	assert.True(t, s.Flags.AuxHeatActive)
	assert.True(t, s.Flags.CompressorActive)
	assert.Equal(t, SourceCloudPoll, s.Source)
	assert.Equal(t, observed, s.Timestamp)
}

func TestNormalize_COPUndefined(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
	}{
		{"power missing", map[string]string{"T02": "45", "T01": "40", "T39": "1.0"}},
		{"power zero", map[string]string{"2054": "0", "T02": "45", "T01": "40", "T39": "1.0"}},
		{"power standby", map[string]string{"2054": "0.05", "T02": "45", "T01": "40", "T39": "1.0"}},
		{"return missing", map[string]string{"2054": "2.0", "T02": "45", "T39": "1.0"}},
		{"flow missing", map[string]string{"2054": "2.0", "T02": "45", "T01": "40"}},
		{"defrost", map[string]string{"2054": "2.0", "T02": "35", "T01": "40", "T39": "1.0"}},
		{"power garbage", map[string]string{"2054": "n/a", "T02": "45", "T01": "40", "T39": "1.0"}},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := n.Normalize(Snapshot{ObservedAt: observed, Values: tt.values}, SourceCloudPoll)
			require.NoError(t, err)
			assert.Nil(t, s.COP)
		})
	}
}

func TestNormalize_COPNeverNonFinite(t *testing.T) {
	n := newTestNormalizer()
	for _, power := range []string{"0", "-1", "1e-300", "NaN", "Inf"} {
		s, err := n.Normalize(Snapshot{ObservedAt: observed, Values: map[string]string{
			"2054": power, "T02": "45", "T01": "40", "T39": "1.0",
		}}, SourceCloudPoll)
		require.NoError(t, err)
		if s.COP != nil {
			assert.False(t, math.IsNaN(*s.COP) || math.IsInf(*s.COP, 0), "power %s gave %v", power, *s.COP)
		}
	}
}

func TestNormalize_AbsentProbesStayAbsent(t *testing.T) {
	n := newTestNormalizer()
	s, err := n.Normalize(Snapshot{ObservedAt: observed, Values: map[string]string{"T04": "3.5"}}, SourceCloudPoll)
	require.NoError(t, err)

	assert.Len(t, s.Temperatures, 1)
	_, ok := s.Temperature(ProbeSupply)
	assert.False(t, ok)
	assert.Nil(t, s.PowerKW)
	assert.Nil(t, s.CompressorFrequencyHz)
	assert.Nil(t, s.ThermalOutputKW)
	assert.False(t, s.Flags.AuxHeatActive)
	assert.False(t, s.Flags.CompressorActive)
}

func TestNormalize_Malformed(t *testing.T) {
	n := newTestNormalizer()

	_, err := n.Normalize(Snapshot{Values: map[string]string{"T04": "1"}}, SourceCloudPoll)
	assert.True(t, errors.Is(err, ErrMalformedSnapshot), "no timestamp: %v", err)

	_, err = n.Normalize(Snapshot{ObservedAt: observed, Values: map[string]string{"Fault1": "0"}}, SourceCloudPoll)
	assert.True(t, errors.Is(err, ErrMalformedSnapshot), "no readings: %v", err)

	_, err = n.Normalize(Snapshot{LocalTime: "yesterday", Values: map[string]string{"T04": "1"}}, SourceBackfill)
	assert.True(t, errors.Is(err, ErrMalformedSnapshot), "bad label: %v", err)
}

func TestNormalize_AuxHeatMargin(t *testing.T) {
	n := newTestNormalizer()
	tests := []struct {
		supply string
		want   bool
	}{
		{"38", false},
		{"41", false}, // exactly the margin is not above it
		{"41.5", true},
	}
	for _, tt := range tests {
		s, err := n.Normalize(Snapshot{ObservedAt: observed, Values: map[string]string{"T04": "-5", "T02": tt.supply}}, SourceCloudPoll)
		require.NoError(t, err)
		assert.Equal(t, tt.want, s.Flags.AuxHeatActive, "supply %s", tt.supply)
	}
}

func TestNormalize_DeviceCurveOverridesConfig(t *testing.T) {
	n := newTestNormalizer()
	values := map[string]string{
		"T04": "0", "T02": "40",
		"CP1-1": "50", "CP1-2": "48", "CP1-3": "46", "CP1-4": "44",
		"CP1-5": "42", "CP1-6": "40", "CP1-7": "38",
	}
	s, err := n.Normalize(Snapshot{ObservedAt: observed, Values: values}, SourceCloudPoll)
	require.NoError(t, err)
	assert.False(t, s.Flags.AuxHeatActive, "device curve predicts 46 at 0°C")

	// A rising device curve is rejected and the configured curve applies (36 at 0°C).
	values["CP1-7"] = "60"
	s, err = n.Normalize(Snapshot{ObservedAt: observed, Values: values}, SourceCloudPoll)
	require.NoError(t, err)
	assert.True(t, s.Flags.AuxHeatActive)
}

func TestNormalize_ModeAndFrequency(t *testing.T) {
	n := newTestNormalizer()
	s, err := n.Normalize(Snapshot{ObservedAt: observed, Values: map[string]string{
		"Mode": "3", "T33": "42", "2054": "0.1",
	}}, SourceCloudPoll)
	require.NoError(t, err)
	require.NotNil(t, s.Mode)
	assert.Equal(t, "hot_water", *s.Mode)
	require.NotNil(t, s.CompressorFrequencyHz)
	assert.Equal(t, 42.0, *s.CompressorFrequencyHz)
	assert.True(t, s.Flags.CompressorActive)
}

func TestNormalize_TimestampTruncatedToUTCSecond(t *testing.T) {
	n := newTestNormalizer()
	loc := time.FixedZone("CET", 3600)
	at := time.Date(2026, 1, 17, 13, 4, 5, 987654321, loc)
	s, err := n.Normalize(Snapshot{ObservedAt: at, Values: map[string]string{"T04": "1"}}, SourceCloudPoll)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 17, 12, 4, 5, 0, time.UTC), s.Timestamp)
	assert.Equal(t, time.UTC, s.Timestamp.Location())
}

func TestParseLocalTime(t *testing.T) {
	stockholm, err := time.LoadLocation("Europe/Stockholm")
	require.NoError(t, err)

	tests := []struct {
		name  string
		label string
		want  time.Time
	}{
		{"winter hour", "2026-01-17 14", time.Date(2026, 1, 17, 13, 0, 0, 0, time.UTC)},
		{"summer minute", "2026-07-01 08:30", time.Date(2026, 7, 1, 6, 30, 0, 0, time.UTC)},
		{"ambiguous fall-back hour takes earlier instant", "2025-10-26 02:30:00", time.Date(2025, 10, 26, 0, 30, 0, 0, time.UTC)},
		{"hour after fall-back", "2025-10-26 03", time.Date(2025, 10, 26, 2, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLocalTime(tt.label, stockholm)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}

	// Skipped spring-forward hour still yields a UTC instant.
	got, err := ParseLocalTime("2026-03-29 02:30", stockholm)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, got.Location())
}

func TestParseLaterLocalTime(t *testing.T) {
	stockholm, err := time.LoadLocation("Europe/Stockholm")
	require.NoError(t, err)

	got, err := ParseLaterLocalTime("2025-10-26 02:30:00", stockholm)
	require.NoError(t, err)
	assert.True(t, time.Date(2025, 10, 26, 1, 30, 0, 0, time.UTC).Equal(got), "got %s", got)

	// Unambiguous labels resolve the same either way.
	early, err := ParseLocalTime("2026-01-17 14", stockholm)
	require.NoError(t, err)
	late, err := ParseLaterLocalTime("2026-01-17 14", stockholm)
	require.NoError(t, err)
	assert.True(t, early.Equal(late))
}

func TestCurve(t *testing.T) {
	assert.Equal(t, 45.0, DefaultCurve.Eval(-30))
	assert.Equal(t, 25.0, DefaultCurve.Eval(30))
	assert.InDelta(t, 34.8, DefaultCurve.Eval(2), 1e-9)
	assert.NoError(t, DefaultCurve.Validate())
	assert.Error(t, Curve{{Outdoor: 0, Supply: 30}}.Validate())
	assert.Error(t, Curve{{Outdoor: 0, Supply: 30}, {Outdoor: 0, Supply: 20}}.Validate())
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
