package telemetry

import (
	"errors"
	"testing"
	"time"
)

func TestResolutionTruncate(t *testing.T) {
	ts := time.Date(2026, 3, 4, 13, 47, 31, 0, time.UTC)
	cases := []struct {
		res  Resolution
		want time.Time
	}{
		{Resolution1m, time.Date(2026, 3, 4, 13, 47, 0, 0, time.UTC)},
		{Resolution5m, time.Date(2026, 3, 4, 13, 45, 0, 0, time.UTC)},
		{Resolution1h, time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC)},
		{Resolution1d, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := tc.res.Truncate(ts); !got.Equal(tc.want) {
			t.Fatalf("%s: expected %s, got %s", tc.res, tc.want, got)
		}
	}
}

func TestParseResolution(t *testing.T) {
	if r, err := ParseResolution(""); err != nil || r != ResolutionRaw {
		t.Fatalf("expected raw default, got %q %v", r, err)
	}
	if r, err := ParseResolution("5M"); err != nil || r != Resolution5m {
		t.Fatalf("expected 5m, got %q %v", r, err)
	}
	if _, err := ParseResolution("2m"); !errors.Is(err, ErrInvalidResolution) {
		t.Fatalf("expected ErrInvalidResolution, got %v", err)
	}
}

func TestMergeRollupsIsCountWeighted(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := RollupFromSamples(BucketKey{InstanceID: "A", Start: start}, Resolution1m, []MetricSample{
		sampleAt(start, 10, 1),
	})
	b := RollupFromSamples(BucketKey{InstanceID: "A", Start: start.Add(time.Minute)}, Resolution1m, []MetricSample{
		sampleAt(start.Add(time.Minute), 40, 3),
		sampleAt(start.Add(time.Minute+time.Second), 40, 5),
	})
	merged := MergeRollups(BucketKey{InstanceID: "A", Start: start}, Resolution5m, []Rollup{a, b})
	if merged.SampleCount != 3 {
		t.Fatalf("expected 3 samples, got %d", merged.SampleCount)
	}
	if got := merged.Stats[MetricCPUPercent].Avg().Float64(); got != 30 {
		t.Fatalf("expected weighted avg 30, got %v", got)
	}
	if got := merged.Stats[MetricMemUsed].Avg().String(); got != "3" {
		t.Fatalf("expected mem avg 3, got %s", got)
	}
	if got := merged.Stats[MetricCPUPercent].Max().Float64(); got != 40 {
		t.Fatalf("expected max 40, got %v", got)
	}
}

func TestRollupWithin(t *testing.T) {
	start := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	r := Rollup{Resolution: Resolution1h, BucketStart: start}
	if !r.Within(start, start.Add(time.Hour)) {
		t.Fatalf("bucket equal to window must be contained")
	}
	if r.Within(start.Add(time.Minute), start.Add(2*time.Hour)) {
		t.Fatalf("bucket starting before window must be excluded")
	}
	if r.Within(start, start.Add(59*time.Minute)) {
		t.Fatalf("bucket ending after window must be excluded")
	}
}
