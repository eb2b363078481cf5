package telemetry

import (
	"time"

	"github.com/shopspring/decimal"
)

// MetricSample is one ingested measurement for one instance at one instant.
// Optional fields are nil when the agent did not report them.
type MetricSample struct {
	InstanceID string
	Timestamp  time.Time
	IngestedAt time.Time

	CPUPercent float64
	MemUsed    uint64
	MemTotal   uint64
	DiskUsed   uint64
	DiskTotal  uint64

	LoadAvg1       *float64
	LoadAvg5       *float64
	LoadAvg15      *float64
	NetBytesSent   *uint64
	NetBytesRecv   *uint64
	NetPacketsSent *uint64
	NetPacketsRecv *uint64
	SwapUsed       *uint64
	SwapTotal      *uint64
	DiskReadBps    *float64
	DiskWriteBps   *float64
	CoreCount      *uint64
	ProcessCount   *uint64
}

// Float returns the metric as a float64 for condition evaluation.
// Unsigned magnitudes above 2^53 lose precision here; storage and query
// paths use Value instead.
func (s MetricSample) Float(m Metric) (float64, bool) {
	switch m {
	case MetricMemPercent:
		p, ok := s.MemPercent()
		if !ok {
			return 0, false
		}
		return p.InexactFloat64(), true
	case MetricDiskPercent:
		p, ok := s.DiskPercent()
		if !ok {
			return 0, false
		}
		return p.InexactFloat64(), true
	}
	def, ok := metricDefs[m]
	if !ok {
		return 0, false
	}
	if def.kind == KindFloat {
		return def.floatOf(s)
	}
	v, ok := def.uint64Of(s)
	return float64(v), ok
}

// Value returns the metric as an exact Value.
func (s MetricSample) Value(m Metric) (Value, bool) {
	def, ok := metricDefs[m]
	if !ok {
		return Value{}, false
	}
	if def.kind == KindFloat {
		f, ok := def.floatOf(s)
		return FloatValue(f), ok
	}
	u, ok := def.uint64Of(s)
	return UnsignedValue(DecimalFromUint64(u)), ok
}

// MemPercent returns memUsed/memTotal*100 rounded to two decimals.
func (s MetricSample) MemPercent() (decimal.Decimal, bool) {
	return Percent(s.MemUsed, s.MemTotal)
}

// DiskPercent returns diskUsed/diskTotal*100 rounded to two decimals.
func (s MetricSample) DiskPercent() (decimal.Decimal, bool) {
	return Percent(s.DiskUsed, s.DiskTotal)
}

var hundred = decimal.NewFromInt(100)

// Percent computes used/total*100 in exact decimal arithmetic.
func Percent(used, total uint64) (decimal.Decimal, bool) {
	if total == 0 {
		return decimal.Zero, false
	}
	return PercentDecimal(DecimalFromUint64(used), DecimalFromUint64(total))
}

// PercentDecimal is Percent for pre-summed magnitudes.
func PercentDecimal(used, total decimal.Decimal) (decimal.Decimal, bool) {
	if total.Sign() <= 0 {
		return decimal.Zero, false
	}
	return used.Mul(hundred).DivRound(total, 2), true
}
