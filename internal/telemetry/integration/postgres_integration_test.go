package integration_test

import (
	"context"
	"database/sql"
	"os"
	"strconv"
	"testing"
	"time"

	"fleet-telemetry/internal/database/postgres"
	"fleet-telemetry/internal/telemetry/application"
	telemetry "fleet-telemetry/internal/telemetry/domain"
	telemetrypostgres "fleet-telemetry/internal/telemetry/infrastructure/postgres"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, dsn, postgres.DefaultOptions())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func cleanInstance(t *testing.T, db *sql.DB, instanceID string) {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"metric_samples", "metric_rollups", "instance_events"} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE instance_id = $1", instanceID); err != nil {
			t.Fatalf("clean %s: %v", table, err)
		}
	}
}

func TestSampleRepository_Postgres(t *testing.T) {
	db := openDB(t)
	instanceID := "inst-it-samples"
	cleanInstance(t, db, instanceID)

	ctx := context.Background()
	store := telemetrypostgres.NewStore(db)
	base := time.Date(2026, time.March, 2, 9, 0, 0, 0, time.UTC)
	huge := uint64(1) << 63
	load := 1.25

	sample := telemetry.MetricSample{
		InstanceID: instanceID,
		Timestamp:  base,
		IngestedAt: base.Add(time.Second),
		CPUPercent: 42.5,
		MemUsed:    huge + 7,
		MemTotal:   huge + 100,
		DiskUsed:   10,
		DiskTotal:  100,
		LoadAvg1:   &load,
	}
	inserted, err := store.InsertSample(ctx, sample)
	if err != nil || !inserted {
		t.Fatalf("expected first insert, got inserted=%v err=%v", inserted, err)
	}
	inserted, err = store.InsertSample(ctx, sample)
	if err != nil || inserted {
		t.Fatalf("expected replay ignored, got inserted=%v err=%v", inserted, err)
	}

	got, err := store.RangeSamples(ctx, telemetry.SampleRange{InstanceID: instanceID, From: base, To: base.Add(time.Minute)})
	if err != nil {
		t.Fatalf("range samples: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(got))
	}
	if got[0].MemUsed != huge+7 {
		t.Fatalf("expected mem_used %d, got %d", huge+7, got[0].MemUsed)
	}
	if got[0].LoadAvg1 == nil || *got[0].LoadAvg1 != load {
		t.Fatalf("expected load_avg_1 %v, got %v", load, got[0].LoadAvg1)
	}
	if got[0].SwapUsed != nil {
		t.Fatalf("expected absent swap_used, got %v", *got[0].SwapUsed)
	}

	buckets, err := store.DirtyMinuteBuckets(ctx, base, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("dirty buckets: %v", err)
	}
	found := false
	for _, key := range buckets {
		if key.InstanceID == instanceID && key.Start.Equal(base) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dirty bucket for %s at %s, got %v", instanceID, base, buckets)
	}
}

func TestRollupPass_Postgres(t *testing.T) {
	db := openDB(t)
	instanceID := "inst-it-rollup"
	cleanInstance(t, db, instanceID)

	ctx := context.Background()
	store := telemetrypostgres.NewStore(db)
	base := time.Now().UTC().Truncate(time.Hour).Add(-2 * time.Hour)
	for i := 0; i < 6; i++ {
		ts := base.Add(time.Duration(i*10) * time.Second)
		if _, err := store.InsertSample(ctx, telemetry.MetricSample{
			InstanceID: instanceID,
			Timestamp:  ts,
			IngestedAt: ts,
			CPUPercent: float64(10 * (i + 1)),
			MemUsed:    uint64(i),
			MemTotal:   100,
			DiskUsed:   1,
			DiskTotal:  10,
		}); err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}
	if err := store.SetWatermark(ctx, application.RawWatermark, base.Add(-time.Second)); err != nil {
		t.Fatalf("set watermark: %v", err)
	}

	svc, err := application.NewRollupService(store, store, store,
		application.WithRollupClock(fixedClock{now: base.Add(time.Hour)}))
	if err != nil {
		t.Fatalf("rollup service: %v", err)
	}
	if _, err := svc.RunPass(ctx); err != nil {
		t.Fatalf("run pass: %v", err)
	}

	rollups, err := store.RangeRollups(ctx, telemetry.RollupRange{
		InstanceID: instanceID,
		Resolution: telemetry.Resolution1m,
		From:       base,
		To:         base.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("range rollups: %v", err)
	}
	if len(rollups) != 1 {
		t.Fatalf("expected 1 minute bucket, got %d", len(rollups))
	}
	if rollups[0].SampleCount != 6 {
		t.Fatalf("expected 6 samples in bucket, got %d", rollups[0].SampleCount)
	}
	cpu := rollups[0].Stats[telemetry.MetricCPUPercent]
	if cpu.Count != 6 {
		t.Fatalf("expected cpu count 6, got %d", cpu.Count)
	}

	pruned, err := store.PruneRollups(ctx, telemetry.Resolution1m, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("prune rollups: %v", err)
	}
	if pruned < 1 {
		t.Fatalf("expected the ended bucket pruned, got %d", pruned)
	}
}

func TestEventRepository_Postgres(t *testing.T) {
	db := openDB(t)
	instanceID := "inst-it-events"
	cleanInstance(t, db, instanceID)

	ctx := context.Background()
	store := telemetrypostgres.NewStore(db)
	base := time.Date(2026, time.March, 2, 10, 0, 0, 0, time.UTC)
	for i, typ := range []string{"event:instance", "event:security"} {
		if err := store.InsertEvent(ctx, telemetry.Event{
			ID:         "evt-it-" + typ,
			InstanceID: instanceID,
			Type:       typ,
			EventType:  "sample",
			Message:    "hello",
			Metadata:   map[string]string{"n": strconv.Itoa(i)},
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}

	events, err := store.ListEvents(ctx, telemetry.EventFilter{InstanceID: instanceID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "event:security" {
		t.Fatalf("expected newest first, got %s", events[0].Type)
	}
	if events[0].Metadata["n"] != "1" {
		t.Fatalf("expected metadata round trip, got %v", events[0].Metadata)
	}
}
