package telemetry

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"
)

func sampleAt(ts time.Time, cpu float64, memUsed uint64) MetricSample {
	return MetricSample{
		InstanceID: "A",
		Timestamp:  ts,
		CPUPercent: cpu,
		MemUsed:    memUsed,
		MemTotal:   math.MaxUint64,
		DiskUsed:   1,
		DiskTotal:  2,
	}
}

func TestStatSetExactUnsignedSums(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	set := make(StatSet)
	set.ObserveSample(sampleAt(base, 10, math.MaxUint64))
	set.ObserveSample(sampleAt(base.Add(time.Second), 30, math.MaxUint64-2))

	mem := set[MetricMemUsed]
	if mem.Count != 2 {
		t.Fatalf("expected count 2, got %d", mem.Count)
	}
	if got := mem.Sum().String(); got != "36893488147419103228" {
		t.Fatalf("expected exact sum, got %s", got)
	}
	if got := mem.Avg().String(); got != "18446744073709551614" {
		t.Fatalf("expected exact avg, got %s", got)
	}
	if got := mem.Max().String(); got != "18446744073709551615" {
		t.Fatalf("expected exact max, got %s", got)
	}
	if got := set[MetricCPUPercent].Avg().Float64(); got != 20 {
		t.Fatalf("expected cpu avg 20, got %v", got)
	}
	if _, ok := set[MetricLoadAvg1]; ok {
		t.Fatalf("absent optional metrics must not be observed")
	}
}

func TestStatSetJSONRoundTrip(t *testing.T) {
	set := make(StatSet)
	set.ObserveSample(sampleAt(time.Unix(0, 0), 12.25, math.MaxUint64))
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(raw), `"sum":"18446744073709551615"`) {
		t.Fatalf("expected decimal string sum, got %s", raw)
	}
	var back StatSet
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back[MetricMemUsed].Max().String() != "18446744073709551615" {
		t.Fatalf("unexpected max after round trip: %s", back[MetricMemUsed].Max())
	}
	if back[MetricCPUPercent].Avg().Float64() != 12.25 {
		t.Fatalf("unexpected cpu avg after round trip: %v", back[MetricCPUPercent].Avg())
	}
}

func TestValueJSONRendersUnsignedAsString(t *testing.T) {
	raw, err := json.Marshal(map[string]Value{
		"u": UnsignedValue(DecimalFromUint64(math.MaxUint64)),
		"f": FloatValue(1.5),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `{"f":1.5,"u":"18446744073709551615"}` {
		t.Fatalf("unexpected json %s", raw)
	}
}

func TestPercentUsesExactArithmetic(t *testing.T) {
	p, ok := Percent(math.MaxUint64-1, math.MaxUint64)
	if !ok {
		t.Fatalf("expected percent")
	}
	if p.String() != "100" {
		t.Fatalf("expected 100, got %s", p)
	}
	p, _ = Percent(1, 3)
	if p.String() != "33.33" {
		t.Fatalf("expected 33.33, got %s", p)
	}
	if _, ok := Percent(1, 0); ok {
		t.Fatalf("zero total must not yield a percent")
	}
}
