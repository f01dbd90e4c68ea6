package store

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chadmayfield/heatlogd/internal/telemetry"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := NewSQLiteStore(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func makeSample(ts time.Time, src telemetry.Source, supply float64) telemetry.Sample {
	mode := "heating"
	return telemetry.Sample{
		Timestamp: ts,
		Temperatures: map[telemetry.Probe]float64{
			telemetry.ProbeOutdoor: -5,
			telemetry.ProbeSupply:  supply,
			telemetry.ProbeReturn:  supply - 5,
		},
		PowerKW:         telemetry.Float(2.0),
		FlowLPM:         telemetry.Float(17.2),
		ThermalOutputKW: telemetry.Float(6.0),
		COP:             telemetry.Float(3.0),
		Mode:            &mode,
		Flags:           telemetry.Flags{CompressorActive: true},
		Source:          src,
	}
}

func TestSQLiteStore_UpsertAndLatest(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest on empty store: %v", err)
	}
	if latest != nil {
		t.Fatalf("expected nil on empty store, got %+v", latest)
	}

	ts := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)
	smp := makeSample(ts, telemetry.SourceCloudPoll, 45)
	if err := s.Upsert(ctx, &smp); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if got == nil {
		t.Fatal("expected sample, got nil")
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %s, want %s", got.Timestamp, ts)
	}
	if v, _ := got.Temperature(telemetry.ProbeSupply); v != 45 {
		t.Errorf("supply = %v, want 45", v)
	}
	if _, ok := got.Temperature(telemetry.ProbeTank); ok {
		t.Error("tank should stay absent")
	}
	if got.CompressorFrequencyHz != nil {
		t.Errorf("frequency = %v, want nil", *got.CompressorFrequencyHz)
	}
	if got.COP == nil || *got.COP != 3.0 {
		t.Errorf("cop = %v, want 3.0", got.COP)
	}
	if got.Mode == nil || *got.Mode != "heating" {
		t.Errorf("mode = %v, want heating", got.Mode)
	}
	if !got.Flags.CompressorActive || got.Flags.AuxHeatActive {
		t.Errorf("flags = %+v", got.Flags)
	}
	if got.Source != telemetry.SourceCloudPoll {
		t.Errorf("source = %q", got.Source)
	}
}

func TestSQLiteStore_UpsertIdempotent(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)
	smp := makeSample(ts, telemetry.SourceCloudPoll, 45)
	for i := 0; i < 3; i++ {
		if err := s.Upsert(ctx, &smp); err != nil {
			t.Fatalf("Upsert #%d: %v", i, err)
		}
	}

	rows, err := s.RangeQuery(ctx, ts, ts)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("expected 1 row after repeated upsert, got %d", len(rows))
	}
}

func TestSQLiteStore_LastWriterWins(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)
	first := makeSample(ts, telemetry.SourceCloudPoll, 45)
	if err := s.Upsert(ctx, &first); err != nil {
		t.Fatal(err)
	}

	second := makeSample(ts, telemetry.SourceCloudPoll, 47)
	second.COP = nil
	if err := s.Upsert(ctx, &second); err != nil {
		t.Fatal(err)
	}

	got, err := s.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := got.Temperature(telemetry.ProbeSupply); v != 47 {
		t.Errorf("supply = %v, want 47", v)
	}
	if got.COP != nil {
		t.Errorf("cop = %v, want nil: rows are replaced whole", *got.COP)
	}
}

func TestSQLiteStore_BackfillNeverReplacesPoll(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	ts := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)
	polled := makeSample(ts, telemetry.SourceCloudPoll, 45)
	if err := s.Upsert(ctx, &polled); err != nil {
		t.Fatal(err)
	}

	backfilled := makeSample(ts, telemetry.SourceBackfill, 30)
	if err := s.UpsertMany(ctx, []telemetry.Sample{backfilled}); err != nil {
		t.Fatal(err)
	}

	got, err := s.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != telemetry.SourceCloudPoll {
		t.Errorf("source = %q, want cloud_poll", got.Source)
	}
	if v, _ := got.Temperature(telemetry.ProbeSupply); v != 45 {
		t.Errorf("supply = %v, want 45", v)
	}

	// A poll arriving after a backfill replaces it.
	ts2 := ts.Add(time.Hour)
	bf := makeSample(ts2, telemetry.SourceBackfill, 30)
	poll := makeSample(ts2, telemetry.SourceCloudPoll, 44)
	if err := s.Upsert(ctx, &bf); err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(ctx, &poll); err != nil {
		t.Fatal(err)
	}
	got, err = s.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Source != telemetry.SourceCloudPoll {
		t.Errorf("source = %q, want cloud_poll", got.Source)
	}
}

func TestSQLiteStore_RangeQueryInclusiveAscending(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	var batch []telemetry.Sample
	// Insert newest first to prove ordering comes from the query.
	for i := 9; i >= 0; i-- {
		batch = append(batch, makeSample(base.Add(time.Duration(i)*10*time.Minute), telemetry.SourceCloudPoll, 40+float64(i)))
	}
	if err := s.UpsertMany(ctx, batch); err != nil {
		t.Fatalf("UpsertMany: %v", err)
	}

	from, to := base.Add(20*time.Minute), base.Add(50*time.Minute)
	rows, err := s.RangeQuery(ctx, from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected 4 rows (both ends inclusive), got %d", len(rows))
	}
	if !rows[0].Timestamp.Equal(from) || !rows[3].Timestamp.Equal(to) {
		t.Errorf("range = %s..%s, want %s..%s", rows[0].Timestamp, rows[3].Timestamp, from, to)
	}
	for i := 1; i < len(rows); i++ {
		if !rows[i].Timestamp.After(rows[i-1].Timestamp) {
			t.Errorf("rows not ascending at %d", i)
		}
	}

	// Non-UTC bounds address the same instants.
	cet := time.FixedZone("CET", 3600)
	rows, err = s.RangeQuery(ctx, from.In(cet), to.In(cet))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 4 {
		t.Errorf("expected 4 rows with CET bounds, got %d", len(rows))
	}
}

func TestSQLiteStore_OverlappingBatches(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	hours := func(from, to int) []telemetry.Sample {
		var out []telemetry.Sample
		for h := from; h < to; h++ {
			out = append(out, makeSample(base.Add(time.Duration(h)*time.Hour), telemetry.SourceBackfill, 40))
		}
		return out
	}

	if err := s.UpsertMany(ctx, hours(0, 12)); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertMany(ctx, hours(6, 18)); err != nil {
		t.Fatal(err)
	}

	rows, err := s.RangeQuery(ctx, base, base.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 18 {
		t.Errorf("expected 18 distinct timestamps, got %d", len(rows))
	}
}

func TestSQLiteStore_UpsertManyAllOrNothing(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	batch := []telemetry.Sample{
		makeSample(base, telemetry.SourceBackfill, 40),
		makeSample(base.Add(time.Hour), telemetry.Source("bogus"), 41),
	}

	err := s.UpsertMany(ctx, batch)
	if !errors.Is(err, ErrInvalidSample) {
		t.Fatalf("expected ErrInvalidSample, got %v", err)
	}

	// Bypass validation so the engine itself rejects the second row.
	err = s.saveBatch(ctx, batch)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}

	rows, err := s.RangeQuery(ctx, base.Add(-time.Hour), base.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows after failed batch, got %d", len(rows))
	}
}

func TestSQLiteStore_Aggregate(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	start := time.Date(2026, 1, 17, 10, 0, 0, 0, time.UTC)
	// Readings from 09:50 so the first one holds into the window.
	var batch []telemetry.Sample
	for i := -1; i <= 6; i++ {
		batch = append(batch, powerSample(start.Add(time.Duration(i)*10*time.Minute), 2.0))
	}
	if err := s.UpsertMany(ctx, batch); err != nil {
		t.Fatal(err)
	}

	buckets, err := s.Aggregate(ctx, start, start.Add(time.Hour), BucketHour)
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("got %d buckets, want 1", len(buckets))
	}
	if math.Abs(buckets[0].EnergyKWh-2.0) > 1e-9 {
		t.Errorf("energy = %v, want 2.0", buckets[0].EnergyKWh)
	}
	if summary := buckets[0].Metrics["power_kw"]; summary.Avg != 2.0 || summary.Count != 6 {
		t.Errorf("power summary = %+v", summary)
	}

	if _, err := s.Aggregate(ctx, start, start.Add(time.Hour), BucketSize(time.Minute)); err == nil {
		t.Error("expected error for unsupported bucket size")
	}
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Count != 0 || st.Oldest != nil || st.Newest != nil {
		t.Errorf("empty stats = %+v", st)
	}

	base := time.Date(2026, 1, 17, 0, 0, 0, 0, time.UTC)
	batch := []telemetry.Sample{
		makeSample(base, telemetry.SourceBackfill, 40),
		makeSample(base.Add(2*time.Hour), telemetry.SourceCloudPoll, 41),
	}
	if err := s.UpsertMany(ctx, batch); err != nil {
		t.Fatal(err)
	}

	st, err = s.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Count != 2 {
		t.Errorf("count = %d, want 2", st.Count)
	}
	if st.Oldest == nil || !st.Oldest.Equal(base) {
		t.Errorf("oldest = %v, want %s", st.Oldest, base)
	}
	if st.Newest == nil || !st.Newest.Equal(base.Add(2*time.Hour)) {
		t.Errorf("newest = %v", st.Newest)
	}
	if st.SizeBytes <= 0 {
		t.Errorf("size = %d, want > 0", st.SizeBytes)
	}
	if st.Driver != "sqlite" {
		t.Errorf("driver = %q", st.Driver)
	}
}

func TestSQLiteStore_FilePermissions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "perm.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close() //nolint:errcheck

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permissions = %o, want 0600", perm)
	}
}

func TestSQLiteStore_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	smp := makeSample(time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC), telemetry.SourceCloudPoll, 45)
	if err := s.Upsert(ctx, &smp); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close() //nolint:errcheck

	version, err := MigrationStatus(s.DB(), "sqlite")
	if err != nil {
		t.Fatal(err)
	}
	if version < 1 {
		t.Errorf("schema version = %d, want >= 1", version)
	}

	got, err := s.Latest(ctx)
	if err != nil || got == nil {
		t.Fatalf("Latest after reopen: %v, %v", got, err)
	}
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 1, 17, 12, 0, 0, 0, time.UTC)
	for _, in := range []any{
		"2026-01-17T12:00:00.000000000Z",
		"2026-01-17T13:00:00+01:00",
		[]byte("2026-01-17T12:00:00Z"),
		want.In(time.FixedZone("X", 7200)),
	} {
		got, err := parseTimestamp(in)
		if err != nil {
			t.Errorf("parseTimestamp(%v): %v", in, err)
			continue
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Errorf("parseTimestamp(%v) = %s", in, got)
		}
	}
	if _, err := parseTimestamp(42); err == nil {
		t.Error("expected error for int")
	}
}

func TestReplacePlaceholders(t *testing.T) {
	got := replacePlaceholders("SELECT * FROM samples WHERE a = ? AND b = ?")
	want := "SELECT * FROM samples WHERE a = $1 AND b = $2"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}
