// Package telemetry defines the canonical heat pump sample and the normalizer
// that turns raw vendor snapshots into samples.
package telemetry

import (
	"errors"
	"time"
)

// ErrMalformedSnapshot is returned when a snapshot lacks the data needed to
// build a Sample (no timestamp, or no recognised reading at all).
var ErrMalformedSnapshot = errors.New("malformed snapshot")

// Probe names a temperature sensor on the device.
type Probe string

const (
	ProbeOutdoor    Probe = "outdoor"
	ProbeSupply     Probe = "supply"
	ProbeReturn     Probe = "return"
	ProbeTank       Probe = "tank"
	ProbeHotWater   Probe = "hot_water"
	ProbeEvaporator Probe = "evaporator"
	ProbeDischarge  Probe = "discharge"
)

// Probes lists every known probe in storage column order.
var Probes = []Probe{
	ProbeOutdoor, ProbeSupply, ProbeReturn, ProbeTank,
	ProbeHotWater, ProbeEvaporator, ProbeDischarge,
}

// Source records where a sample came from.
type Source string

const (
	SourceCloudPoll Source = "cloud_poll"
	SourceBackfill  Source = "backfill"
)

// Valid reports whether s is a known provenance value.
func (s Source) Valid() bool {
	return s == SourceCloudPoll || s == SourceBackfill
}

// Snapshot is one set of readings as reported by the vendor cloud. Every
// field is optional; Values is keyed by vendor protocol code and holds the
// raw string values the API returns.
type Snapshot struct {
	// ObservedAt is set for live reads.
	ObservedAt time.Time
	// LocalTime is the device wall-clock label of a history row, e.g. "2026-01-17 14".
	LocalTime string
	Values    map[string]string
}

// Flags are booleans derived by the normalizer.
type Flags struct {
	CompressorActive bool `json:"compressor_active"`
	AuxHeatActive    bool `json:"aux_heat_active"`
}

// Sample is one observed instant. Nil pointers and missing map keys mean the
// reading was absent; they are never filled with zero.
type Sample struct {
	Timestamp             time.Time         `json:"timestamp"`
	Temperatures          map[Probe]float64 `json:"temperatures"`
	PowerKW               *float64          `json:"power_kw"`
	CompressorFrequencyHz *float64          `json:"compressor_frequency_hz"`
	FlowLPM               *float64          `json:"flow_lpm"`
	ThermalOutputKW       *float64          `json:"thermal_output_kw"`
	COP                   *float64          `json:"cop"`
	Mode                  *string           `json:"mode"`
	Flags                 Flags             `json:"flags"`
	Source                Source            `json:"source"`
}

// Temperature returns the reading for p, if present.
func (s *Sample) Temperature(p Probe) (float64, bool) {
	v, ok := s.Temperatures[p]
	return v, ok
}

// Float returns a pointer to v. Handy for building samples in code and tests.
func Float(v float64) *float64 { return &v }
