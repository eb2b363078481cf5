package telemetry

import (
	"context"
	"time"
)

// SampleRange selects raw samples with From <= ts < To.
// An empty InstanceID selects the whole fleet. Limit <= 0 is unbounded.
type SampleRange struct {
	InstanceID string
	From       time.Time
	To         time.Time
	Limit      int
}

// RollupRange selects buckets lying entirely inside [From, To).
type RollupRange struct {
	InstanceID string
	Resolution Resolution
	From       time.Time
	To         time.Time
	Limit      int
}

// SampleRepository stores raw metric samples.
type SampleRepository interface {
	// InsertSample is idempotent on (instance, timestamp) and reports
	// whether a new row was written.
	InsertSample(ctx context.Context, sample MetricSample) (bool, error)
	RangeSamples(ctx context.Context, r SampleRange) ([]MetricSample, error)
	// LatestSamples returns the newest sample per instance; empty ids means all.
	LatestSamples(ctx context.Context, instanceIDs []string) ([]MetricSample, error)
	// DirtyMinuteBuckets lists 1m buckets touched by samples ingested in (after, until].
	DirtyMinuteBuckets(ctx context.Context, after, until time.Time) ([]BucketKey, error)
	PruneSamples(ctx context.Context, before time.Time) (int64, error)
}

// RollupRepository stores rollup buckets.
type RollupRepository interface {
	UpsertRollups(ctx context.Context, rollups []Rollup) error
	RangeRollups(ctx context.Context, r RollupRange) ([]Rollup, error)
	PruneRollups(ctx context.Context, res Resolution, before time.Time) (int64, error)
}

// WatermarkRepository stores named progress markers for background jobs.
type WatermarkRepository interface {
	// Watermark returns the zero time when name has never been stored.
	Watermark(ctx context.Context, name string) (time.Time, error)
	SetWatermark(ctx context.Context, name string, value time.Time) error
}

// EventRepository stores events.
type EventRepository interface {
	InsertEvent(ctx context.Context, event Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]Event, error)
	PruneEvents(ctx context.Context, before time.Time) (int64, error)
}

// Store bundles the repositories one backend provides.
type Store interface {
	SampleRepository
	RollupRepository
	WatermarkRepository
	EventRepository
}
