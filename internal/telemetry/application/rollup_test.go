package application

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
	"fleet-telemetry/internal/telemetry/infrastructure/memory"
)

func ingestSeries(t *testing.T, store *memory.Store, clock *fakeClock, instanceID string, start time.Time, n int, step time.Duration, cpu func(i int) float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		sample := telemetry.MetricSample{
			InstanceID: instanceID,
			Timestamp:  start.Add(time.Duration(i) * step),
			IngestedAt: clock.Now(),
			CPUPercent: cpu(i),
			MemUsed:    math.MaxUint64 - uint64(i),
			MemTotal:   math.MaxUint64,
			DiskUsed:   1,
			DiskTotal:  2,
		}
		if _, err := store.InsertSample(context.Background(), sample); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
}

func TestRollupAggregateHourOfSamples(t *testing.T) {
	hour := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(hour.Add(time.Hour + time.Minute))
	store := memory.NewStore()
	ingestSeries(t, store, clock, "A", hour, 60, time.Minute, func(i int) float64 {
		if i%2 == 0 {
			return 25
		}
		return 75
	})
	clock.Advance(10 * time.Second)

	rollups, err := NewRollupService(store, store, store, WithRollupClock(clock))
	if err != nil {
		t.Fatalf("new rollup service: %v", err)
	}
	pass, err := rollups.RunPass(context.Background())
	if err != nil {
		t.Fatalf("run pass: %v", err)
	}
	if pass.Buckets[telemetry.Resolution1m] != 60 || pass.Buckets[telemetry.Resolution1h] != 1 {
		t.Fatalf("unexpected bucket counts %v", pass.Buckets)
	}

	query, _ := NewQueryService(store, store, WithQueryClock(clock))
	agg, err := query.Aggregate(context.Background(), "A", hour, hour.Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if agg.SampleCount != 60 {
		t.Fatalf("expected 60 samples, got %d", agg.SampleCount)
	}
	if got := agg.Metrics[telemetry.MetricCPUPercent].Avg.Float64(); math.Abs(got-50) > 1e-9 {
		t.Fatalf("expected avg cpu 50, got %v", got)
	}

	points, err := query.TimeSeries(context.Background(), TimeSeriesQuery{InstanceID: "A", From: hour, To: hour.Add(time.Hour), Resolution: telemetry.Resolution1h})
	if err != nil {
		t.Fatalf("time series: %v", err)
	}
	if len(points) != 1 || points[0].SampleCount != 60 {
		t.Fatalf("expected one 1h bucket with 60 samples, got %+v", points)
	}
	if got := points[0].Max[telemetry.MetricMemUsed].String(); got != "18446744073709551615" {
		t.Fatalf("expected exact max mem, got %s", got)
	}
}

func TestGranularityIsMonotonic(t *testing.T) {
	day := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	clock := newFakeClock(day.Add(30 * time.Hour))
	store := memory.NewStore()
	ingestSeries(t, store, clock, "A", day, 400, 4*time.Minute+7*time.Second, func(i int) float64 { return float64(i % 100) })
	clock.Advance(time.Minute)

	rollups, _ := NewRollupService(store, store, store, WithRollupClock(clock))
	if _, err := rollups.RunPass(context.Background()); err != nil {
		t.Fatalf("run pass: %v", err)
	}
	query, _ := NewQueryService(store, store, WithQueryClock(clock))

	windows := [][2]time.Time{
		{day, day.Add(24 * time.Hour)},
		{day.Add(17 * time.Minute), day.Add(5*time.Hour + 3*time.Minute)},
		{day.Add(2 * time.Hour), day.Add(2*time.Hour + 30*time.Second)},
	}
	levels := []telemetry.Resolution{telemetry.ResolutionRaw, telemetry.Resolution1m, telemetry.Resolution5m, telemetry.Resolution1h, telemetry.Resolution1d}
	for _, w := range windows {
		prev := math.MaxInt
		for _, res := range levels {
			points, err := query.TimeSeries(context.Background(), TimeSeriesQuery{InstanceID: "A", From: w[0], To: w[1], Resolution: res})
			if err != nil {
				t.Fatalf("time series %s: %v", res, err)
			}
			if len(points) > prev {
				t.Fatalf("window %v: %s returned %d points, finer level returned %d", w, res, len(points), prev)
			}
			prev = len(points)
		}
	}
}

func TestRollupLateSampleRecomputesHistoricalBucket(t *testing.T) {
	hour := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(hour.Add(2 * time.Hour))
	store := memory.NewStore()
	ingestSeries(t, store, clock, "A", hour, 1, time.Minute, func(int) float64 { return 10 })
	clock.Advance(10 * time.Second)
	rollups, _ := NewRollupService(store, store, store, WithRollupClock(clock))
	if _, err := rollups.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	ingestSeries(t, store, clock, "A", hour.Add(30*time.Second), 1, time.Minute, func(int) float64 { return 30 })
	clock.Advance(10 * time.Second)
	if _, err := rollups.RunPass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if _, err := rollups.RunPass(context.Background()); err != nil {
		t.Fatalf("idempotent pass: %v", err)
	}

	got, _ := store.RangeRollups(context.Background(), telemetry.RollupRange{InstanceID: "A", Resolution: telemetry.Resolution1m, From: hour, To: hour.Add(time.Minute)})
	if len(got) != 1 || got[0].SampleCount != 2 {
		t.Fatalf("expected late sample merged into bucket, got %+v", got)
	}
	if avg := got[0].Stats[telemetry.MetricCPUPercent].Avg().Float64(); avg != 20 {
		t.Fatalf("expected avg 20, got %v", avg)
	}
	hourly, _ := store.RangeRollups(context.Background(), telemetry.RollupRange{InstanceID: "A", Resolution: telemetry.Resolution1h, From: hour, To: hour.Add(time.Hour)})
	if len(hourly) != 1 || hourly[0].SampleCount != 2 {
		t.Fatalf("expected hourly bucket refreshed, got %+v", hourly)
	}
}

type failingRollups struct {
	*memory.Store
}

func (failingRollups) UpsertRollups(context.Context, []telemetry.Rollup) error {
	return errors.New("disk full")
}

func TestRollupFailureKeepsWatermark(t *testing.T) {
	hour := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(hour.Add(time.Hour))
	store := memory.NewStore()
	ingestSeries(t, store, clock, "A", hour, 3, time.Minute, func(int) float64 { return 10 })
	clock.Advance(time.Minute)

	rollups, _ := NewRollupService(store, failingRollups{store}, store, WithRollupClock(clock))
	if _, err := rollups.RunPass(context.Background()); !errors.Is(err, telemetry.ErrStore) {
		t.Fatalf("expected StoreError, got %v", err)
	}
	mark, _ := store.Watermark(context.Background(), RawWatermark)
	if !mark.IsZero() {
		t.Fatalf("expected watermark untouched, got %s", mark)
	}
}

func TestRollupPicksUpSampleCommittedBehindWatermark(t *testing.T) {
	hour := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := newFakeClock(hour.Add(time.Hour))
	store := memory.NewStore()
	ingestSeries(t, store, clock, "A", hour, 1, time.Minute, func(int) float64 { return 10 })
	clock.Advance(time.Minute)

	rollups, _ := NewRollupService(store, store, store, WithRollupClock(clock))
	if _, err := rollups.RunPass(context.Background()); err != nil {
		t.Fatalf("first pass: %v", err)
	}
	mark, _ := store.Watermark(context.Background(), RawWatermark)

	late := telemetry.MetricSample{
		InstanceID: "A",
		Timestamp:  hour.Add(5 * time.Minute),
		IngestedAt: mark.Add(-30 * time.Second),
		CPUPercent: 40,
		MemUsed:    1,
		MemTotal:   2,
		DiskUsed:   1,
		DiskTotal:  2,
	}
	if _, err := store.InsertSample(context.Background(), late); err != nil {
		t.Fatalf("insert: %v", err)
	}
	clock.Advance(time.Minute)
	if _, err := rollups.RunPass(context.Background()); err != nil {
		t.Fatalf("second pass: %v", err)
	}

	got, _ := store.RangeRollups(context.Background(), telemetry.RollupRange{InstanceID: "A", Resolution: telemetry.Resolution1m, From: hour.Add(5 * time.Minute), To: hour.Add(6 * time.Minute)})
	if len(got) != 1 || got[0].SampleCount != 1 {
		t.Fatalf("expected sample stamped before the watermark rolled up, got %+v", got)
	}
	hourly, _ := store.RangeRollups(context.Background(), telemetry.RollupRange{InstanceID: "A", Resolution: telemetry.Resolution1h, From: hour, To: hour.Add(time.Hour)})
	if len(hourly) != 1 || hourly[0].SampleCount != 2 {
		t.Fatalf("expected hourly bucket to include the late sample, got %+v", hourly)
	}

	clock.Advance(time.Minute)
	noOverlap, _ := NewRollupService(store, store, store, WithRollupClock(clock), WithRollupOverlap(0))
	pass, err := noOverlap.RunPass(context.Background())
	if err != nil {
		t.Fatalf("pass without overlap: %v", err)
	}
	if pass.total() != 0 {
		t.Fatalf("expected nothing dirty without overlap, got %v", pass.Buckets)
	}
}
