package telemetry

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/shopspring/decimal"
)

// Value is a single metric value carrying its kind. Unsigned values are held
// as exact decimals and render to JSON as decimal strings.
type Value struct {
	kind Kind
	f    float64
	u    decimal.Decimal
}

// FloatValue wraps a float metric value.
func FloatValue(f float64) Value { return Value{kind: KindFloat, f: f} }

// UnsignedValue wraps an exact unsigned magnitude.
func UnsignedValue(d decimal.Decimal) Value { return Value{kind: KindUnsigned, u: d} }

// Kind reports the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Float64 returns the value as a float64, possibly losing precision.
func (v Value) Float64() float64 {
	if v.kind == KindFloat {
		return v.f
	}
	return v.u.InexactFloat64()
}

// Decimal returns the value as a decimal.
func (v Value) Decimal() decimal.Decimal {
	if v.kind == KindFloat {
		return decimal.NewFromFloat(v.f)
	}
	return v.u
}

// String renders the value without loss.
func (v Value) String() string {
	if v.kind == KindFloat {
		return strconv.FormatFloat(v.f, 'f', -1, 64)
	}
	return v.u.String()
}

// MarshalJSON renders floats as JSON numbers and unsigned values as strings.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindFloat {
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	}
	return json.Marshal(v.u.String())
}

func DecimalFromUint64(u uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(u), 0)
}

// Stat accumulates count, sum and max for one metric. Sums are kept rather
// than averages so that merging finer buckets into coarser ones is exact.
type Stat struct {
	Kind  Kind
	Count int64
	fsum  float64
	fmax  float64
	usum  decimal.Decimal
	umax  decimal.Decimal
}

// Observe folds one value into the stat.
func (s *Stat) Observe(v Value) {
	if s.Count == 0 {
		s.Kind = v.kind
	}
	s.Count++
	if s.Kind == KindFloat {
		s.fsum += v.f
		if s.Count == 1 || v.f > s.fmax {
			s.fmax = v.f
		}
		return
	}
	s.usum = s.usum.Add(v.u)
	if s.Count == 1 || v.u.GreaterThan(s.umax) {
		s.umax = v.u
	}
}

// Merge folds another stat of the same metric into s.
func (s *Stat) Merge(o Stat) {
	if o.Count == 0 {
		return
	}
	if s.Count == 0 {
		*s = o
		return
	}
	s.Count += o.Count
	if s.Kind == KindFloat {
		s.fsum += o.fsum
		if o.fmax > s.fmax {
			s.fmax = o.fmax
		}
		return
	}
	s.usum = s.usum.Add(o.usum)
	if o.umax.GreaterThan(s.umax) {
		s.umax = o.umax
	}
}

// Avg returns the count-weighted mean. Unsigned averages round to whole units.
func (s Stat) Avg() Value {
	if s.Count == 0 {
		return Value{kind: s.Kind}
	}
	if s.Kind == KindFloat {
		return FloatValue(s.fsum / float64(s.Count))
	}
	return UnsignedValue(s.usum.DivRound(decimal.NewFromInt(s.Count), 0))
}

// Max returns the maximum observed value.
func (s Stat) Max() Value {
	if s.Kind == KindFloat {
		return FloatValue(s.fmax)
	}
	return UnsignedValue(s.umax)
}

// Sum returns the exact sum of observed values.
func (s Stat) Sum() Value {
	if s.Kind == KindFloat {
		return FloatValue(s.fsum)
	}
	return UnsignedValue(s.usum)
}

// StatSet maps metric names to their accumulated stats.
type StatSet map[Metric]Stat

// ObserveSample folds every present metric of a sample into the set.
func (set StatSet) ObserveSample(sample MetricSample) {
	for _, m := range allMetrics {
		v, ok := sample.Value(m)
		if !ok {
			continue
		}
		st := set[m]
		st.Observe(v)
		set[m] = st
	}
}

// Merge folds every stat of other into set.
func (set StatSet) Merge(other StatSet) {
	for m, o := range other {
		st := set[m]
		st.Merge(o)
		set[m] = st
	}
}

// Summary is the avg/max view of a Stat.
type Summary struct {
	Avg   Value `json:"avg"`
	Max   Value `json:"max"`
	Count int64 `json:"count"`
}

// Summaries returns avg/max for the requested metrics, or all present metrics
// when metrics is empty. Metrics with no observations are omitted.
func (set StatSet) Summaries(metrics []Metric) map[Metric]Summary {
	if len(metrics) == 0 {
		metrics = allMetrics
	}
	out := make(map[Metric]Summary, len(metrics))
	for _, m := range metrics {
		st, ok := set[m]
		if !ok || st.Count == 0 {
			continue
		}
		out[m] = Summary{Avg: st.Avg(), Max: st.Max(), Count: st.Count}
	}
	return out
}

type statWire struct {
	Count int64  `json:"count"`
	Sum   string `json:"sum"`
	Max   string `json:"max"`
}

// MarshalJSON persists stats with exact decimal strings.
func (set StatSet) MarshalJSON() ([]byte, error) {
	wire := make(map[string]statWire, len(set))
	for m, st := range set {
		if st.Count == 0 {
			continue
		}
		wire[string(m)] = statWire{Count: st.Count, Sum: st.Sum().String(), Max: st.Max().String()}
	}
	return json.Marshal(wire)
}

// UnmarshalJSON restores stats written by MarshalJSON. Unknown metrics are skipped.
func (set *StatSet) UnmarshalJSON(data []byte) error {
	var wire map[string]statWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	out := make(StatSet, len(wire))
	for name, w := range wire {
		m := Metric(name)
		if !m.Known() || w.Count <= 0 {
			continue
		}
		st := Stat{Kind: m.Kind(), Count: w.Count}
		if st.Kind == KindFloat {
			sum, err := strconv.ParseFloat(w.Sum, 64)
			if err != nil {
				return fmt.Errorf("stat %s: sum: %w", name, err)
			}
			max, err := strconv.ParseFloat(w.Max, 64)
			if err != nil {
				return fmt.Errorf("stat %s: max: %w", name, err)
			}
			st.fsum, st.fmax = sum, max
		} else {
			sum, err := decimal.NewFromString(w.Sum)
			if err != nil {
				return fmt.Errorf("stat %s: sum: %w", name, err)
			}
			max, err := decimal.NewFromString(w.Max)
			if err != nil {
				return fmt.Errorf("stat %s: max: %w", name, err)
			}
			st.usum, st.umax = sum, max
		}
		out[m] = st
	}
	*set = out
	return nil
}
