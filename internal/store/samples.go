package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

// Probe columns follow telemetry.Probes order.
const sampleColumns = `timestamp,
	t_outdoor, t_supply, t_return, t_tank, t_hot_water, t_evaporator, t_discharge,
	power_kw, compressor_frequency_hz, flow_lpm, thermal_output_kw, cop, mode,
	compressor_active, aux_heat_active, source`

// upsertSQL replaces the whole row on conflict unless that would let a
// backfill sample overwrite a polled one.
const upsertSQL = `
	INSERT INTO samples (` + sampleColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(timestamp) DO UPDATE SET
		t_outdoor=excluded.t_outdoor, t_supply=excluded.t_supply,
		t_return=excluded.t_return, t_tank=excluded.t_tank,
		t_hot_water=excluded.t_hot_water, t_evaporator=excluded.t_evaporator,
		t_discharge=excluded.t_discharge,
		power_kw=excluded.power_kw,
		compressor_frequency_hz=excluded.compressor_frequency_hz,
		flow_lpm=excluded.flow_lpm,
		thermal_output_kw=excluded.thermal_output_kw,
		cop=excluded.cop, mode=excluded.mode,
		compressor_active=excluded.compressor_active,
		aux_heat_active=excluded.aux_heat_active,
		source=excluded.source
	WHERE NOT (samples.source = 'cloud_poll' AND excluded.source = 'backfill')`

// dialect holds what differs between the two engines.
type dialect struct {
	driver    string
	rebind    func(query string) string
	timeArg   func(t time.Time) any
	sizeQuery string
}

// sqlStore implements the Store operations shared by both engines.
type sqlStore struct {
	db     *sql.DB
	d      dialect
	maxGap time.Duration
}

// DB returns the underlying database connection for migration commands.
func (s *sqlStore) DB() *sql.DB {
	return s.db
}

func (s *sqlStore) Upsert(ctx context.Context, smp *telemetry.Sample) error {
	if err := validateSample(smp); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.d.rebind(upsertSQL), s.sampleArgs(smp)...); err != nil {
		return storageErr("saving sample", err)
	}
	return nil
}

func (s *sqlStore) UpsertMany(ctx context.Context, samples []telemetry.Sample) error {
	for i := range samples {
		if err := validateSample(&samples[i]); err != nil {
			return fmt.Errorf("sample %d: %w", i, err)
		}
	}
	return s.saveBatch(ctx, samples)
}

func (s *sqlStore) saveBatch(ctx context.Context, samples []telemetry.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("beginning transaction", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, s.d.rebind(upsertSQL))
	if err != nil {
		return storageErr("preparing statement", err)
	}
	defer stmt.Close() //nolint:errcheck

	for i := range samples {
		if _, err := stmt.ExecContext(ctx, s.sampleArgs(&samples[i])...); err != nil {
			return storageErr("inserting sample", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("committing transaction", err)
	}
	return nil
}

func (s *sqlStore) RangeQuery(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error) {
	rows, err := s.db.QueryContext(ctx, s.d.rebind(`
		SELECT `+sampleColumns+`
		FROM samples
		WHERE timestamp >= ? AND timestamp <= ?
		ORDER BY timestamp ASC`),
		s.d.timeArg(from), s.d.timeArg(to))
	if err != nil {
		return nil, storageErr("querying samples", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []telemetry.Sample
	for rows.Next() {
		smp, err := scanSample(rows)
		if err != nil {
			return nil, storageErr("scanning sample", err)
		}
		result = append(result, *smp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("reading samples", err)
	}
	return result, nil
}

func (s *sqlStore) Aggregate(ctx context.Context, from, to time.Time, bucket BucketSize) ([]AggregateBucket, error) {
	if err := bucket.validate(); err != nil {
		return nil, err
	}
	if !to.After(from) {
		return nil, nil
	}
	// Samples up to maxGap before the window may still be holding power into it.
	samples, err := s.RangeQuery(ctx, from.Add(-s.maxGap), to)
	if err != nil {
		return nil, err
	}
	return aggregate(samples, from, to, bucket, s.maxGap), nil
}

func (s *sqlStore) Latest(ctx context.Context) (*telemetry.Sample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sampleColumns+`
		FROM samples
		ORDER BY timestamp DESC
		LIMIT 1`)

	smp, err := scanSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("getting latest sample", err)
	}
	return smp, nil
}

func (s *sqlStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Driver: s.d.driver}

	var oldestRaw, newestRaw any
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM samples`).
		Scan(&st.Count, &oldestRaw, &newestRaw)
	if err != nil {
		return nil, storageErr("counting samples", err)
	}
	if oldestRaw != nil && newestRaw != nil {
		oldest, err := parseTimestamp(oldestRaw)
		if err != nil {
			return nil, storageErr("parsing oldest", err)
		}
		newest, err := parseTimestamp(newestRaw)
		if err != nil {
			return nil, storageErr("parsing newest", err)
		}
		st.Oldest, st.Newest = &oldest, &newest
	}

	if err := s.db.QueryRowContext(ctx, s.d.sizeQuery).Scan(&st.SizeBytes); err != nil {
		return nil, storageErr("measuring size", err)
	}
	return st, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) sampleArgs(smp *telemetry.Sample) []any {
	args := make([]any, 0, 17)
	args = append(args, s.d.timeArg(smp.Timestamp))
	for _, p := range telemetry.Probes {
		if v, ok := smp.Temperatures[p]; ok {
			args = append(args, v)
		} else {
			args = append(args, nil)
		}
	}
	args = append(args,
		nullFloat(smp.PowerKW), nullFloat(smp.CompressorFrequencyHz), nullFloat(smp.FlowLPM),
		nullFloat(smp.ThermalOutputKW), nullFloat(smp.COP), nullString(smp.Mode),
		smp.Flags.CompressorActive, smp.Flags.AuxHeatActive,
		string(smp.Source),
	)
	return args
}

func nullFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSample(row scanner) (*telemetry.Sample, error) {
	var tsRaw any
	var power, freq, flow, thermal, cop sql.NullFloat64
	var mode sql.NullString
	var compressor, aux bool
	var source string
	temps := make([]sql.NullFloat64, len(telemetry.Probes))

	dest := make([]any, 0, 17)
	dest = append(dest, &tsRaw)
	for i := range temps {
		dest = append(dest, &temps[i])
	}
	dest = append(dest, &power, &freq, &flow, &thermal, &cop, &mode, &compressor, &aux, &source)

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	ts, err := parseTimestamp(tsRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}

	smp := &telemetry.Sample{
		Timestamp:             ts,
		Temperatures:          make(map[telemetry.Probe]float64),
		PowerKW:               floatPtr(power),
		CompressorFrequencyHz: floatPtr(freq),
		FlowLPM:               floatPtr(flow),
		ThermalOutputKW:       floatPtr(thermal),
		COP:                   floatPtr(cop),
		Flags:                 telemetry.Flags{CompressorActive: compressor, AuxHeatActive: aux},
		Source:                telemetry.Source(source),
	}
	for i, p := range telemetry.Probes {
		if temps[i].Valid {
			smp.Temperatures[p] = temps[i].Float64
		}
	}
	if mode.Valid {
		m := mode.String
		smp.Mode = &m
	}
	return smp, nil
}

// parseTimestamp handles both time.Time and string timestamp values and
// always returns UTC.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case []byte:
		return parseTimestamp(string(t))
	case string:
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02 15:04:05.999999999-07:00",
			"2006-01-02 15:04:05",
		} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", t)
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type: %T", v)
	}
}

// replacePlaceholders converts ? to $1, $2, $3 etc for postgres.
func replacePlaceholders(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}
