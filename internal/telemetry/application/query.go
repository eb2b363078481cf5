package application

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const (
	// DefaultQueryLimit caps time-series results.
	DefaultQueryLimit = 500
	// MaxQueryLimit is the largest accepted limit.
	MaxQueryLimit = 500
)

// StalenessSource reports heartbeat staleness.
type StalenessSource interface {
	Stale(instanceID string) bool
}

// TimeSeriesQuery selects a series at one granularity.
type TimeSeriesQuery struct {
	InstanceID string
	From       time.Time
	To         time.Time
	Resolution telemetry.Resolution
	Limit      int
}

// AggregateResult is the single summary row of an aggregate query.
type AggregateResult struct {
	InstanceID  string                                 `json:"instanceId"`
	From        time.Time                              `json:"from"`
	To          time.Time                              `json:"to"`
	Resolution  telemetry.Resolution                   `json:"source"`
	SampleCount int64                                  `json:"sampleCount"`
	Metrics     map[telemetry.Metric]telemetry.Summary `json:"metrics"`
}

// Snapshot is the latest sample of one instance with derived percentages.
type Snapshot struct {
	InstanceID  string                               `json:"instanceId"`
	Timestamp   time.Time                            `json:"ts"`
	Values      map[telemetry.Metric]telemetry.Value `json:"values"`
	MemPercent  *float64                             `json:"memPercent,omitempty"`
	DiskPercent *float64                             `json:"diskPercent,omitempty"`
	Stale       bool                                 `json:"stale"`
}

// FleetRollup combines the latest snapshot of every instance.
type FleetRollup struct {
	At             time.Time       `json:"at"`
	Instances      int             `json:"instances"`
	StaleInstances int             `json:"staleInstances"`
	CPUAvg         *float64        `json:"cpuAvg,omitempty"`
	CPUMax         *float64        `json:"cpuMax,omitempty"`
	MemUsed        telemetry.Value `json:"memUsed"`
	MemTotal       telemetry.Value `json:"memTotal"`
	DiskUsed       telemetry.Value `json:"diskUsed"`
	DiskTotal      telemetry.Value `json:"diskTotal"`
	MemPercent     *float64        `json:"memPercent,omitempty"`
	DiskPercent    *float64        `json:"diskPercent,omitempty"`
}

// QueryService is the read API over the time-series store.
type QueryService struct {
	samples      telemetry.SampleRepository
	rollups      telemetry.RollupRepository
	staleness    StalenessSource
	clock        Clock
	rawRetention time.Duration
}

// QueryOption customizes the query service.
type QueryOption func(*QueryService)

// WithStaleness assigns the staleness source for snapshots.
func WithStaleness(source StalenessSource) QueryOption {
	return func(s *QueryService) { s.staleness = source }
}

// WithQueryClock assigns a clock.
func WithQueryClock(clock Clock) QueryOption {
	return func(s *QueryService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRawRetention tells aggregate queries when raw samples are no longer available.
func WithRawRetention(d time.Duration) QueryOption {
	return func(s *QueryService) { s.rawRetention = d }
}

// NewQueryService constructs a query service.
func NewQueryService(samples telemetry.SampleRepository, rollups telemetry.RollupRepository, opts ...QueryOption) (*QueryService, error) {
	if samples == nil || rollups == nil {
		return nil, errors.New("telemetry query: nil repository")
	}
	s := &QueryService{
		samples:      samples,
		rollups:      rollups,
		clock:        systemClock{},
		rawRetention: DefaultRetentionPolicy().Raw,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TimeSeries returns points ordered by time. Rollup granularities return
// only buckets entirely inside [From, To), so coarser levels never return
// more points than finer ones over the same window.
func (s *QueryService) TimeSeries(ctx context.Context, q TimeSeriesQuery) ([]telemetry.Point, error) {
	if err := validateWindow(q.From, q.To); err != nil {
		return nil, err
	}
	if q.Resolution == "" {
		q.Resolution = telemetry.ResolutionRaw
	}
	if !q.Resolution.Valid() {
		return nil, telemetry.NewValidationError("granularity", "unsupported value %q", q.Resolution)
	}
	switch {
	case q.Limit <= 0:
		q.Limit = DefaultQueryLimit
	case q.Limit > MaxQueryLimit:
		q.Limit = MaxQueryLimit
	}

	if q.Resolution == telemetry.ResolutionRaw {
		samples, err := s.samples.RangeSamples(ctx, telemetry.SampleRange{
			InstanceID: q.InstanceID,
			From:       q.From.UTC(),
			To:         q.To.UTC(),
			Limit:      q.Limit,
		})
		if err != nil {
			return nil, telemetry.WrapStore("range samples", err)
		}
		points := make([]telemetry.Point, 0, len(samples))
		for _, sample := range samples {
			points = append(points, telemetry.PointFromSample(sample))
		}
		return points, nil
	}

	rollups, err := s.rollups.RangeRollups(ctx, telemetry.RollupRange{
		InstanceID: q.InstanceID,
		Resolution: q.Resolution,
		From:       q.From.UTC(),
		To:         q.To.UTC(),
		Limit:      q.Limit,
	})
	if err != nil {
		return nil, telemetry.WrapStore("range rollups", err)
	}
	points := make([]telemetry.Point, 0, len(rollups))
	for _, rollup := range rollups {
		points = append(points, telemetry.PointFromRollup(rollup))
	}
	return points, nil
}

// Aggregate summarises one instance over [from, to). Empty metrics selects
// every stored metric. Windows reaching past raw retention are answered
// from 1h rollups.
func (s *QueryService) Aggregate(ctx context.Context, instanceID string, from, to time.Time, metricNames []string) (AggregateResult, error) {
	if strings.TrimSpace(instanceID) == "" {
		return AggregateResult{}, telemetry.NewValidationError("instanceId", "required")
	}
	if err := validateWindow(from, to); err != nil {
		return AggregateResult{}, err
	}
	selected, err := ParseMetrics(metricNames)
	if err != nil {
		return AggregateResult{}, err
	}

	from, to = from.UTC(), to.UTC()
	result := AggregateResult{InstanceID: instanceID, From: from, To: to, Resolution: telemetry.ResolutionRaw}
	stats := make(telemetry.StatSet)

	if s.rawRetention > 0 && from.Before(s.clock.Now().UTC().Add(-s.rawRetention)) {
		result.Resolution = telemetry.Resolution1h
		rollups, err := s.rollups.RangeRollups(ctx, telemetry.RollupRange{
			InstanceID: instanceID,
			Resolution: telemetry.Resolution1h,
			From:       from,
			To:         to,
		})
		if err != nil {
			return AggregateResult{}, telemetry.WrapStore("range rollups", err)
		}
		for _, r := range rollups {
			result.SampleCount += r.SampleCount
			stats.Merge(r.Stats)
		}
	} else {
		samples, err := s.samples.RangeSamples(ctx, telemetry.SampleRange{InstanceID: instanceID, From: from, To: to})
		if err != nil {
			return AggregateResult{}, telemetry.WrapStore("range samples", err)
		}
		for _, sample := range samples {
			stats.ObserveSample(sample)
		}
		result.SampleCount = int64(len(samples))
	}
	result.Metrics = stats.Summaries(selected)
	return result, nil
}

// Latest returns the newest sample per instance. Empty ids selects the fleet.
func (s *QueryService) Latest(ctx context.Context, instanceIDs []string) ([]Snapshot, error) {
	ids := make([]string, 0, len(instanceIDs))
	for _, id := range instanceIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	samples, err := s.samples.LatestSamples(ctx, ids)
	if err != nil {
		return nil, telemetry.WrapStore("latest samples", err)
	}
	out := make([]Snapshot, 0, len(samples))
	for _, sample := range samples {
		out = append(out, s.snapshot(sample))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out, nil
}

// Fleet combines the latest snapshot of every instance.
func (s *QueryService) Fleet(ctx context.Context) (FleetRollup, error) {
	samples, err := s.samples.LatestSamples(ctx, nil)
	if err != nil {
		return FleetRollup{}, telemetry.WrapStore("latest samples", err)
	}
	out := FleetRollup{At: s.clock.Now().UTC(), Instances: len(samples)}
	memUsed, memTotal := decimal.Zero, decimal.Zero
	diskUsed, diskTotal := decimal.Zero, decimal.Zero
	var cpu telemetry.Stat
	for _, sample := range samples {
		if s.stale(sample.InstanceID) {
			out.StaleInstances++
		}
		cpu.Observe(telemetry.FloatValue(sample.CPUPercent))
		memUsed = memUsed.Add(decimalOf(sample.MemUsed))
		memTotal = memTotal.Add(decimalOf(sample.MemTotal))
		diskUsed = diskUsed.Add(decimalOf(sample.DiskUsed))
		diskTotal = diskTotal.Add(decimalOf(sample.DiskTotal))
	}
	if cpu.Count > 0 {
		avg, max := cpu.Avg().Float64(), cpu.Max().Float64()
		out.CPUAvg, out.CPUMax = &avg, &max
	}
	out.MemUsed = telemetry.UnsignedValue(memUsed)
	out.MemTotal = telemetry.UnsignedValue(memTotal)
	out.DiskUsed = telemetry.UnsignedValue(diskUsed)
	out.DiskTotal = telemetry.UnsignedValue(diskTotal)
	out.MemPercent = percentFloat(telemetry.PercentDecimal(memUsed, memTotal))
	out.DiskPercent = percentFloat(telemetry.PercentDecimal(diskUsed, diskTotal))
	return out, nil
}

func (s *QueryService) snapshot(sample telemetry.MetricSample) Snapshot {
	point := telemetry.PointFromSample(sample)
	return Snapshot{
		InstanceID:  sample.InstanceID,
		Timestamp:   sample.Timestamp,
		Values:      point.Values,
		MemPercent:  percentFloat(sample.MemPercent()),
		DiskPercent: percentFloat(sample.DiskPercent()),
		Stale:       s.stale(sample.InstanceID),
	}
}

func (s *QueryService) stale(instanceID string) bool {
	if s.staleness == nil {
		return false
	}
	return s.staleness.Stale(instanceID)
}

// ParseMetrics validates metric names. Empty input selects every stored metric.
func ParseMetrics(names []string) ([]telemetry.Metric, error) {
	out := make([]telemetry.Metric, 0, len(names))
	for _, raw := range names {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			m := telemetry.Metric(name)
			if !m.Known() {
				return nil, telemetry.NewValidationError("metrics", "unknown metric %q", name)
			}
			out = append(out, m)
		}
	}
	if len(out) == 0 {
		return telemetry.AllMetrics(), nil
	}
	return out, nil
}

func validateWindow(from, to time.Time) error {
	if from.IsZero() {
		return telemetry.NewValidationError("from", "required")
	}
	if to.IsZero() {
		return telemetry.NewValidationError("to", "required")
	}
	if !to.After(from) {
		return telemetry.NewValidationError("to", "must be after from")
	}
	return nil
}

func percentFloat(d decimal.Decimal, ok bool) *float64 {
	if !ok {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}

func decimalOf(u uint64) decimal.Decimal {
	return telemetry.DecimalFromUint64(u)
}
