package telemetry

import "sort"

// Metric is the stable name of a numeric MetricSample field.
type Metric string

const (
	MetricCPUPercent     Metric = "cpu_percent"
	MetricMemUsed        Metric = "mem_used"
	MetricMemTotal       Metric = "mem_total"
	MetricDiskUsed       Metric = "disk_used"
	MetricDiskTotal      Metric = "disk_total"
	MetricLoadAvg1       Metric = "load_avg_1"
	MetricLoadAvg5       Metric = "load_avg_5"
	MetricLoadAvg15      Metric = "load_avg_15"
	MetricNetBytesSent   Metric = "net_bytes_sent"
	MetricNetBytesRecv   Metric = "net_bytes_recv"
	MetricNetPacketsSent Metric = "net_packets_sent"
	MetricNetPacketsRecv Metric = "net_packets_recv"
	MetricSwapUsed       Metric = "swap_used"
	MetricSwapTotal      Metric = "swap_total"
	MetricDiskReadBps    Metric = "disk_read_bps"
	MetricDiskWriteBps   Metric = "disk_write_bps"
	MetricCoreCount      Metric = "core_count"
	MetricProcessCount   Metric = "process_count"

	// Derived metrics, usable in alert conditions and snapshots but not stored.
	MetricMemPercent  Metric = "mem_percent"
	MetricDiskPercent Metric = "disk_percent"
)

// Kind selects the arithmetic used for a metric.
type Kind int

const (
	// KindFloat metrics are IEEE doubles (percentages, load, rates).
	KindFloat Kind = iota
	// KindUnsigned metrics are 64-bit unsigned magnitudes (bytes, counters).
	KindUnsigned
)

type metricDef struct {
	kind     Kind
	floatOf  func(MetricSample) (float64, bool)
	uint64Of func(MetricSample) (uint64, bool)
}

func floatField(get func(MetricSample) float64) func(MetricSample) (float64, bool) {
	return func(s MetricSample) (float64, bool) { return get(s), true }
}

func optionalFloat(get func(MetricSample) *float64) func(MetricSample) (float64, bool) {
	return func(s MetricSample) (float64, bool) {
		if v := get(s); v != nil {
			return *v, true
		}
		return 0, false
	}
}

func uintField(get func(MetricSample) uint64) func(MetricSample) (uint64, bool) {
	return func(s MetricSample) (uint64, bool) { return get(s), true }
}

func optionalUint(get func(MetricSample) *uint64) func(MetricSample) (uint64, bool) {
	return func(s MetricSample) (uint64, bool) {
		if v := get(s); v != nil {
			return *v, true
		}
		return 0, false
	}
}

var metricDefs = map[Metric]metricDef{
	MetricCPUPercent:     {kind: KindFloat, floatOf: floatField(func(s MetricSample) float64 { return s.CPUPercent })},
	MetricMemUsed:        {kind: KindUnsigned, uint64Of: uintField(func(s MetricSample) uint64 { return s.MemUsed })},
	MetricMemTotal:       {kind: KindUnsigned, uint64Of: uintField(func(s MetricSample) uint64 { return s.MemTotal })},
	MetricDiskUsed:       {kind: KindUnsigned, uint64Of: uintField(func(s MetricSample) uint64 { return s.DiskUsed })},
	MetricDiskTotal:      {kind: KindUnsigned, uint64Of: uintField(func(s MetricSample) uint64 { return s.DiskTotal })},
	MetricLoadAvg1:       {kind: KindFloat, floatOf: optionalFloat(func(s MetricSample) *float64 { return s.LoadAvg1 })},
	MetricLoadAvg5:       {kind: KindFloat, floatOf: optionalFloat(func(s MetricSample) *float64 { return s.LoadAvg5 })},
	MetricLoadAvg15:      {kind: KindFloat, floatOf: optionalFloat(func(s MetricSample) *float64 { return s.LoadAvg15 })},
	MetricNetBytesSent:   {kind: KindUnsigned, uint64Of: optionalUint(func(s MetricSample) *uint64 { return s.NetBytesSent })},
	MetricNetBytesRecv:   {kind: KindUnsigned, uint64Of: optionalUint(func(s MetricSample) *uint64 { return s.NetBytesRecv })},
	MetricNetPacketsSent: {kind: KindUnsigned, uint64Of: optionalUint(func(s MetricSample) *uint64 { return s.NetPacketsSent })},
	MetricNetPacketsRecv: {kind: KindUnsigned, uint64Of: optionalUint(func(s MetricSample) *uint64 { return s.NetPacketsRecv })},
	MetricSwapUsed:       {kind: KindUnsigned, uint64Of: optionalUint(func(s MetricSample) *uint64 { return s.SwapUsed })},
	MetricSwapTotal:      {kind: KindUnsigned, uint64Of: optionalUint(func(s MetricSample) *uint64 { return s.SwapTotal })},
	MetricDiskReadBps:    {kind: KindFloat, floatOf: optionalFloat(func(s MetricSample) *float64 { return s.DiskReadBps })},
	MetricDiskWriteBps:   {kind: KindFloat, floatOf: optionalFloat(func(s MetricSample) *float64 { return s.DiskWriteBps })},
	MetricCoreCount:      {kind: KindUnsigned, uint64Of: optionalUint(func(s MetricSample) *uint64 { return s.CoreCount })},
	MetricProcessCount:   {kind: KindUnsigned, uint64Of: optionalUint(func(s MetricSample) *uint64 { return s.ProcessCount })},
}

var allMetrics = func() []Metric {
	out := make([]Metric, 0, len(metricDefs))
	for m := range metricDefs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}()

// AllMetrics returns every stored metric name in a stable order.
func AllMetrics() []Metric {
	return append([]Metric(nil), allMetrics...)
}

// Known reports whether m is a stored metric.
func (m Metric) Known() bool {
	_, ok := metricDefs[m]
	return ok
}

// Derived reports whether m is computed from other fields.
func (m Metric) Derived() bool {
	return m == MetricMemPercent || m == MetricDiskPercent
}

// Kind returns the metric's arithmetic kind. Derived percentages are floats.
func (m Metric) Kind() Kind {
	if def, ok := metricDefs[m]; ok {
		return def.kind
	}
	return KindFloat
}
