package telemetry

import (
	"strings"
	"time"
)

// Resolution is the granularity of a stored series.
type Resolution string

const (
	ResolutionRaw Resolution = "raw"
	Resolution1m  Resolution = "1m"
	Resolution5m  Resolution = "5m"
	Resolution1h  Resolution = "1h"
	Resolution1d  Resolution = "1d"
)

// RollupResolutions lists rollup levels from finest to coarsest.
var RollupResolutions = []Resolution{Resolution1m, Resolution5m, Resolution1h, Resolution1d}

// ParseResolution parses a granularity query value. Empty means raw.
func ParseResolution(value string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(value)))
	if r == "" {
		return ResolutionRaw, nil
	}
	if !r.Valid() {
		return "", ErrInvalidResolution
	}
	return r, nil
}

// Valid reports whether r is supported.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionRaw, Resolution1m, Resolution5m, Resolution1h, Resolution1d:
		return true
	default:
		return false
	}
}

// Period returns the bucket width. Raw has none.
func (r Resolution) Period() time.Duration {
	switch r {
	case Resolution1m:
		return time.Minute
	case Resolution5m:
		return 5 * time.Minute
	case Resolution1h:
		return time.Hour
	case Resolution1d:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Truncate returns the UTC start of the bucket containing t.
func (r Resolution) Truncate(t time.Time) time.Time {
	p := r.Period()
	if p == 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(p)
}

// Finer returns the level a bucket of r is computed from.
func (r Resolution) Finer() Resolution {
	switch r {
	case Resolution1m:
		return ResolutionRaw
	case Resolution5m:
		return Resolution1m
	case Resolution1h:
		return Resolution5m
	case Resolution1d:
		return Resolution1h
	default:
		return ""
	}
}

// Coarser returns the level whose buckets are computed from r, or "" at the top.
func (r Resolution) Coarser() Resolution {
	switch r {
	case ResolutionRaw:
		return Resolution1m
	case Resolution1m:
		return Resolution5m
	case Resolution5m:
		return Resolution1h
	case Resolution1h:
		return Resolution1d
	default:
		return ""
	}
}

// BucketKey identifies one bucket of one instance at an implied resolution.
type BucketKey struct {
	InstanceID string
	Start      time.Time
}

// Rollup is an aggregate of one instance over one bucket.
type Rollup struct {
	InstanceID  string
	Resolution  Resolution
	BucketStart time.Time
	SampleCount int64
	Stats       StatSet
	UpdatedAt   time.Time
}

// BucketEnd returns the exclusive end of the bucket.
func (r Rollup) BucketEnd() time.Time {
	return r.BucketStart.Add(r.Resolution.Period())
}

// Within reports whether the bucket lies entirely inside [from, to).
func (r Rollup) Within(from, to time.Time) bool {
	return !r.BucketStart.Before(from) && !r.BucketEnd().After(to)
}

// RollupFromSamples aggregates raw samples into one bucket.
func RollupFromSamples(key BucketKey, res Resolution, samples []MetricSample) Rollup {
	stats := make(StatSet)
	for _, s := range samples {
		stats.ObserveSample(s)
	}
	return Rollup{
		InstanceID:  key.InstanceID,
		Resolution:  res,
		BucketStart: key.Start,
		SampleCount: int64(len(samples)),
		Stats:       stats,
	}
}

// MergeRollups aggregates finer rollups into one bucket of res.
func MergeRollups(key BucketKey, res Resolution, finer []Rollup) Rollup {
	out := Rollup{
		InstanceID:  key.InstanceID,
		Resolution:  res,
		BucketStart: key.Start,
		Stats:       make(StatSet),
	}
	for _, r := range finer {
		out.SampleCount += r.SampleCount
		out.Stats.Merge(r.Stats)
	}
	return out
}

// Point is one element of a range query result. Raw points carry Values,
// rollup points carry Avg and Max.
type Point struct {
	InstanceID  string           `json:"instanceId"`
	Timestamp   time.Time        `json:"ts"`
	Resolution  Resolution       `json:"granularity"`
	SampleCount int64            `json:"sampleCount"`
	Values      map[Metric]Value `json:"values,omitempty"`
	Avg         map[Metric]Value `json:"avg,omitempty"`
	Max         map[Metric]Value `json:"max,omitempty"`
}

// PointFromSample converts a raw sample.
func PointFromSample(s MetricSample) Point {
	values := make(map[Metric]Value, len(allMetrics))
	for _, m := range allMetrics {
		if v, ok := s.Value(m); ok {
			values[m] = v
		}
	}
	return Point{
		InstanceID:  s.InstanceID,
		Timestamp:   s.Timestamp,
		Resolution:  ResolutionRaw,
		SampleCount: 1,
		Values:      values,
	}
}

// PointFromRollup converts a rollup bucket.
func PointFromRollup(r Rollup) Point {
	avg := make(map[Metric]Value, len(r.Stats))
	max := make(map[Metric]Value, len(r.Stats))
	for m, st := range r.Stats {
		if st.Count == 0 {
			continue
		}
		avg[m] = st.Avg()
		max[m] = st.Max()
	}
	return Point{
		InstanceID:  r.InstanceID,
		Timestamp:   r.BucketStart,
		Resolution:  r.Resolution,
		SampleCount: r.SampleCount,
		Avg:         avg,
		Max:         max,
	}
}
