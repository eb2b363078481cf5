package application

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleet-telemetry/internal/observability/metrics"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// RetentionPolicy holds per-level horizons. Zero keeps data forever.
type RetentionPolicy struct {
	Raw    time.Duration
	Rollup map[telemetry.Resolution]time.Duration
	Events time.Duration
}

// DefaultRetentionPolicy keeps raw and 1m for 7 days, 5m for 30, 1h for 90
// and 1d forever.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		Raw: 7 * 24 * time.Hour,
		Rollup: map[telemetry.Resolution]time.Duration{
			telemetry.Resolution1m: 7 * 24 * time.Hour,
			telemetry.Resolution5m: 30 * 24 * time.Hour,
			telemetry.Resolution1h: 90 * 24 * time.Hour,
			telemetry.Resolution1d: 0,
		},
		Events: 30 * 24 * time.Hour,
	}
}

// RetentionService prunes rows older than their horizon. Deletes are
// bounded by a cutoff strictly outside the window, so nothing inside it is touched.
type RetentionService struct {
	samples telemetry.SampleRepository
	rollups telemetry.RollupRepository
	events  telemetry.EventRepository
	policy  RetentionPolicy
	clock   Clock
	logger  *zap.Logger
}

// NewRetentionService constructs a retention service.
func NewRetentionService(samples telemetry.SampleRepository, rollups telemetry.RollupRepository, events telemetry.EventRepository, policy RetentionPolicy, clock Clock, logger *zap.Logger) (*RetentionService, error) {
	if samples == nil || rollups == nil || events == nil {
		return nil, errors.New("telemetry retention: nil repository")
	}
	if clock == nil {
		clock = systemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionService{
		samples: samples,
		rollups: rollups,
		events:  events,
		policy:  policy,
		clock:   clock,
		logger:  logger,
	}, nil
}

// Prune runs one retention pass and returns rows removed per table.
// Failures in one table do not stop the others.
func (s *RetentionService) Prune(ctx context.Context) (map[string]int64, error) {
	now := s.clock.Now().UTC()
	removed := make(map[string]int64)
	var errs []error

	run := func(table string, horizon time.Duration, prune func(time.Time) (int64, error)) {
		if horizon <= 0 {
			return
		}
		n, err := prune(now.Add(-horizon))
		if err != nil {
			errs = append(errs, telemetry.WrapStore("prune "+table, err))
			return
		}
		removed[table] = n
		metrics.AddRetentionPruned(table, n)
	}

	run("metric_samples", s.policy.Raw, func(before time.Time) (int64, error) {
		return s.samples.PruneSamples(ctx, before)
	})
	for _, res := range telemetry.RollupResolutions {
		res := res
		run("metric_rollups_"+string(res), s.policy.Rollup[res], func(before time.Time) (int64, error) {
			return s.rollups.PruneRollups(ctx, res, before)
		})
	}
	run("instance_events", s.policy.Events, func(before time.Time) (int64, error) {
		return s.events.PruneEvents(ctx, before)
	})

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Warn("telemetry retention: prune incomplete", zap.Error(err))
	}
	return removed, err
}
