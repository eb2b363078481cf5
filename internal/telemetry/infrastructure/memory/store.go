package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

type sampleKey struct {
	instanceID string
	ts         int64
}

var _ telemetry.Store = (*Store)(nil)

// Store is an in-memory time-series store for dev mode and tests.
// It implements every telemetry repository interface.
type Store struct {
	mu         sync.RWMutex
	samples    map[sampleKey]telemetry.MetricSample
	rollups    map[telemetry.Resolution]map[telemetry.BucketKey]telemetry.Rollup
	watermarks map[string]time.Time
	events     []telemetry.Event
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		samples:    make(map[sampleKey]telemetry.MetricSample),
		rollups:    make(map[telemetry.Resolution]map[telemetry.BucketKey]telemetry.Rollup),
		watermarks: make(map[string]time.Time),
	}
}

// InsertSample stores a sample unless one exists for the same instance and timestamp.
func (s *Store) InsertSample(ctx context.Context, sample telemetry.MetricSample) (bool, error) {
	_ = ctx
	key := sampleKey{instanceID: sample.InstanceID, ts: sample.Timestamp.UnixNano()}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.samples[key]; ok {
		return false, nil
	}
	s.samples[key] = sample
	return true, nil
}

// RangeSamples returns samples with From <= ts < To ordered by time.
func (s *Store) RangeSamples(ctx context.Context, r telemetry.SampleRange) ([]telemetry.MetricSample, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]telemetry.MetricSample, 0)
	for key, sample := range s.samples {
		if r.InstanceID != "" && key.instanceID != r.InstanceID {
			continue
		}
		if sample.Timestamp.Before(r.From) || !sample.Timestamp.Before(r.To) {
			continue
		}
		out = append(out, sample)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out, nil
}

// LatestSamples returns the newest sample per instance.
func (s *Store) LatestSamples(ctx context.Context, instanceIDs []string) ([]telemetry.MetricSample, error) {
	_ = ctx
	wanted := make(map[string]struct{}, len(instanceIDs))
	for _, id := range instanceIDs {
		wanted[id] = struct{}{}
	}
	s.mu.RLock()
	latest := make(map[string]telemetry.MetricSample)
	for key, sample := range s.samples {
		if len(wanted) > 0 {
			if _, ok := wanted[key.instanceID]; !ok {
				continue
			}
		}
		if cur, ok := latest[key.instanceID]; !ok || sample.Timestamp.After(cur.Timestamp) {
			latest[key.instanceID] = sample
		}
	}
	s.mu.RUnlock()
	out := make([]telemetry.MetricSample, 0, len(latest))
	for _, sample := range latest {
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// DirtyMinuteBuckets lists 1m buckets of samples ingested in (after, until].
func (s *Store) DirtyMinuteBuckets(ctx context.Context, after, until time.Time) ([]telemetry.BucketKey, error) {
	_ = ctx
	seen := make(map[telemetry.BucketKey]struct{})
	s.mu.RLock()
	for _, sample := range s.samples {
		if !sample.IngestedAt.After(after) || sample.IngestedAt.After(until) {
			continue
		}
		seen[telemetry.BucketKey{InstanceID: sample.InstanceID, Start: telemetry.Resolution1m.Truncate(sample.Timestamp)}] = struct{}{}
	}
	s.mu.RUnlock()
	out := make([]telemetry.BucketKey, 0, len(seen))
	for key := range seen {
		out = append(out, key)
	}
	sortBuckets(out)
	return out, nil
}

// PruneSamples removes samples with ts < before.
func (s *Store) PruneSamples(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, sample := range s.samples {
		if sample.Timestamp.Before(before) {
			delete(s.samples, key)
			n++
		}
	}
	return n, nil
}

// UpsertRollups replaces buckets by key.
func (s *Store) UpsertRollups(ctx context.Context, rollups []telemetry.Rollup) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range rollups {
		level := s.rollups[r.Resolution]
		if level == nil {
			level = make(map[telemetry.BucketKey]telemetry.Rollup)
			s.rollups[r.Resolution] = level
		}
		r.Stats = cloneStats(r.Stats)
		level[telemetry.BucketKey{InstanceID: r.InstanceID, Start: r.BucketStart.UTC()}] = r
	}
	return nil
}

// RangeRollups returns buckets lying entirely inside [From, To).
func (s *Store) RangeRollups(ctx context.Context, r telemetry.RollupRange) ([]telemetry.Rollup, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]telemetry.Rollup, 0)
	for key, rollup := range s.rollups[r.Resolution] {
		if r.InstanceID != "" && key.InstanceID != r.InstanceID {
			continue
		}
		if !rollup.Within(r.From, r.To) {
			continue
		}
		rollup.Stats = cloneStats(rollup.Stats)
		out = append(out, rollup)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].BucketStart.Equal(out[j].BucketStart) {
			return out[i].BucketStart.Before(out[j].BucketStart)
		}
		return out[i].InstanceID < out[j].InstanceID
	})
	if r.Limit > 0 && len(out) > r.Limit {
		out = out[:r.Limit]
	}
	return out, nil
}

// PruneRollups removes buckets of res that end at or before before.
func (s *Store) PruneRollups(ctx context.Context, res telemetry.Resolution, before time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, r := range s.rollups[res] {
		if !r.BucketEnd().After(before) {
			delete(s.rollups[res], key)
			n++
		}
	}
	return n, nil
}

// Watermark returns the stored value or the zero time.
func (s *Store) Watermark(ctx context.Context, name string) (time.Time, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.watermarks[name], nil
}

// SetWatermark stores a watermark.
func (s *Store) SetWatermark(ctx context.Context, name string, value time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watermarks[name] = value.UTC()
	return nil
}

// InsertEvent appends an event.
func (s *Store) InsertEvent(ctx context.Context, event telemetry.Event) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error) {
	_ = ctx
	s.mu.RLock()
	out := make([]telemetry.Event, 0)
	for _, e := range s.events {
		if filter.InstanceID != "" && e.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if !filter.From.IsZero() && e.Timestamp.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !e.Timestamp.Before(filter.To) {
			continue
		}
		out = append(out, e)
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// PruneEvents removes events with ts < before.
func (s *Store) PruneEvents(ctx context.Context, before time.Time) (int64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if e.Timestamp.Before(before) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func cloneStats(in telemetry.StatSet) telemetry.StatSet {
	out := make(telemetry.StatSet, len(in))
	for m, st := range in {
		out[m] = st
	}
	return out
}

func sortBuckets(keys []telemetry.BucketKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].InstanceID != keys[j].InstanceID {
			return keys[i].InstanceID < keys[j].InstanceID
		}
		return keys[i].Start.Before(keys[j].Start)
	})
}
