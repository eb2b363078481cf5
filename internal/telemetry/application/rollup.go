package application

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"fleet-telemetry/internal/observability/metrics"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// RawWatermark names the ingested_at watermark of the rollup job.
const RawWatermark = "rollup:raw"

const (
	defaultRollupGrace   = 5 * time.Second
	defaultRollupOverlap = 2 * time.Minute
)

// RollupPass summarises one pass.
type RollupPass struct {
	From    time.Time
	Until   time.Time
	Buckets map[telemetry.Resolution]int
}

// RollupService recomputes rollup buckets dirtied by newly ingested samples.
// Every bucket is rebuilt from the next finer level, so passes are idempotent.
type RollupService struct {
	samples    telemetry.SampleRepository
	rollups    telemetry.RollupRepository
	watermarks telemetry.WatermarkRepository
	clock      Clock
	grace      time.Duration
	overlap    time.Duration
	logger     *zap.Logger
}

// RollupOption customizes the rollup service.
type RollupOption func(*RollupService)

// WithRollupClock assigns a clock.
func WithRollupClock(clock Clock) RollupOption {
	return func(s *RollupService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithRollupGrace sets how far behind now a pass stops.
func WithRollupGrace(grace time.Duration) RollupOption {
	return func(s *RollupService) {
		if grace >= 0 {
			s.grace = grace
		}
	}
}

// WithRollupOverlap sets how far before the watermark each pass rescans, so
// samples stamped on ingest but committed after a pass are still rolled up.
func WithRollupOverlap(overlap time.Duration) RollupOption {
	return func(s *RollupService) {
		if overlap >= 0 {
			s.overlap = overlap
		}
	}
}

// WithRollupLogger assigns a logger.
func WithRollupLogger(logger *zap.Logger) RollupOption {
	return func(s *RollupService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewRollupService constructs a rollup service.
func NewRollupService(samples telemetry.SampleRepository, rollups telemetry.RollupRepository, watermarks telemetry.WatermarkRepository, opts ...RollupOption) (*RollupService, error) {
	if samples == nil || rollups == nil || watermarks == nil {
		return nil, errors.New("telemetry rollup: nil repository")
	}
	s := &RollupService{
		samples:    samples,
		rollups:    rollups,
		watermarks: watermarks,
		clock:      systemClock{},
		grace:      defaultRollupGrace,
		overlap:    defaultRollupOverlap,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// RunPass recomputes every bucket touched since the last successful pass.
// On error the watermark is left untouched and the next pass retries.
func (s *RollupService) RunPass(ctx context.Context) (RollupPass, error) {
	start := time.Now()
	pass, err := s.runPass(ctx)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		s.logger.Warn("telemetry rollup: pass failed", zap.Error(err))
	} else if total := pass.total(); total > 0 {
		s.logger.Debug("telemetry rollup: pass complete",
			zap.Time("from", pass.From), zap.Time("until", pass.Until), zap.Int("buckets", total))
	}
	metrics.ObserveRollupPass(result, time.Since(start))
	return pass, err
}

func (s *RollupService) runPass(ctx context.Context) (RollupPass, error) {
	from, err := s.watermarks.Watermark(ctx, RawWatermark)
	if err != nil {
		return RollupPass{}, telemetry.WrapStore("read watermark", err)
	}
	until := s.clock.Now().UTC().Add(-s.grace)
	pass := RollupPass{From: from, Until: until, Buckets: make(map[telemetry.Resolution]int)}
	if !until.After(from) {
		return pass, nil
	}

	scanFrom := from
	if !from.IsZero() {
		scanFrom = from.Add(-s.overlap)
	}
	dirty, err := s.samples.DirtyMinuteBuckets(ctx, scanFrom, until)
	if err != nil {
		return pass, telemetry.WrapStore("dirty buckets", err)
	}
	if len(dirty) > 0 {
		if err := s.recompute(ctx, dirty, &pass); err != nil {
			return pass, err
		}
	}
	if err := s.watermarks.SetWatermark(ctx, RawWatermark, until); err != nil {
		return pass, telemetry.WrapStore("store watermark", err)
	}
	return pass, nil
}

func (s *RollupService) recompute(ctx context.Context, minuteBuckets []telemetry.BucketKey, pass *RollupPass) error {
	now := s.clock.Now().UTC()
	keys := minuteBuckets
	for _, res := range telemetry.RollupResolutions {
		if res != telemetry.Resolution1m {
			keys = parentBuckets(keys, res)
		}
		rollups := make([]telemetry.Rollup, 0, len(keys))
		for _, key := range keys {
			rollup, ok, err := s.build(ctx, key, res)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			rollup.UpdatedAt = now
			rollups = append(rollups, rollup)
		}
		if err := s.rollups.UpsertRollups(ctx, rollups); err != nil {
			return telemetry.WrapStore("upsert "+string(res)+" rollups", err)
		}
		pass.Buckets[res] = len(rollups)
		metrics.AddRollupBuckets(string(res), len(rollups))
	}
	return nil
}

func (s *RollupService) build(ctx context.Context, key telemetry.BucketKey, res telemetry.Resolution) (telemetry.Rollup, bool, error) {
	end := key.Start.Add(res.Period())
	if res.Finer() == telemetry.ResolutionRaw {
		samples, err := s.samples.RangeSamples(ctx, telemetry.SampleRange{InstanceID: key.InstanceID, From: key.Start, To: end})
		if err != nil {
			return telemetry.Rollup{}, false, telemetry.WrapStore("read samples", err)
		}
		if len(samples) == 0 {
			return telemetry.Rollup{}, false, nil
		}
		return telemetry.RollupFromSamples(key, res, samples), true, nil
	}
	finer, err := s.rollups.RangeRollups(ctx, telemetry.RollupRange{
		InstanceID: key.InstanceID,
		Resolution: res.Finer(),
		From:       key.Start,
		To:         end,
	})
	if err != nil {
		return telemetry.Rollup{}, false, telemetry.WrapStore("read rollups", err)
	}
	if len(finer) == 0 {
		return telemetry.Rollup{}, false, nil
	}
	return telemetry.MergeRollups(key, res, finer), true, nil
}

func parentBuckets(keys []telemetry.BucketKey, res telemetry.Resolution) []telemetry.BucketKey {
	seen := make(map[telemetry.BucketKey]struct{}, len(keys))
	out := make([]telemetry.BucketKey, 0, len(keys))
	for _, key := range keys {
		parent := telemetry.BucketKey{InstanceID: key.InstanceID, Start: res.Truncate(key.Start)}
		if _, ok := seen[parent]; ok {
			continue
		}
		seen[parent] = struct{}{}
		out = append(out, parent)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

func (p RollupPass) total() int {
	n := 0
	for _, c := range p.Buckets {
		n += c
	}
	return n
}
