package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/protocol"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const defaultSampleTolerance = 90 * time.Second

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Publisher republishes alert transitions to dashboards.
type Publisher interface {
	Publish(env protocol.Envelope)
}

// Dispatcher delivers a notification for an alert to the rule's channels.
type Dispatcher interface {
	Dispatch(ctx context.Context, alert alerts.Alert, rule alerts.AlertRule, event string)
}

// SampleHistory answers the short lookbacks sustained thresholds need.
type SampleHistory interface {
	RangeSamples(ctx context.Context, r telemetry.SampleRange) ([]telemetry.MetricSample, error)
}

// Engine evaluates rules against samples and events and drives alert state.
type Engine struct {
	rules      RuleSource
	alerts     alerts.AlertRepository
	cooldowns  alerts.CooldownRepository
	history    SampleHistory
	dispatcher Dispatcher
	publisher  Publisher
	clock      Clock
	logger     *zap.Logger
	tolerance  time.Duration
	newID      func() string
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithDispatcher assigns the notification dispatcher.
func WithDispatcher(dispatcher Dispatcher) EngineOption {
	return func(e *Engine) { e.dispatcher = dispatcher }
}

// WithPublisher assigns the transition publisher.
func WithPublisher(publisher Publisher) EngineOption {
	return func(e *Engine) { e.publisher = publisher }
}

// WithHistory enables sustained-breach checks.
func WithHistory(history SampleHistory) EngineOption {
	return func(e *Engine) { e.history = history }
}

// WithClock assigns a clock.
func WithClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithSampleTolerance sets how close the oldest sample must be to the start
// of a sustained window.
func WithSampleTolerance(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.tolerance = d
		}
	}
}

// NewEngine constructs an alert engine.
func NewEngine(rules RuleSource, alertRepo alerts.AlertRepository, cooldowns alerts.CooldownRepository, opts ...EngineOption) (*Engine, error) {
	if rules == nil || alertRepo == nil || cooldowns == nil {
		return nil, errors.New("alerts engine: nil repository")
	}
	e := &Engine{
		rules:     rules,
		alerts:    alertRepo,
		cooldowns: cooldowns,
		clock:     systemClock{},
		logger:    zap.NewNop(),
		tolerance: defaultSampleTolerance,
		newID:     func() string { return "alert-" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// EvaluateSample runs every enabled metric rule scoped to the sample's instance.
// A failing rule does not stop the others.
func (e *Engine) EvaluateSample(ctx context.Context, sample telemetry.MetricSample) error {
	rules, err := e.rules.EnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("alerts engine: load rules: %w", err)
	}
	var errs []error
	for _, rule := range rules {
		if !rule.Type.MetricDriven() || !rule.Matches(sample.InstanceID) {
			continue
		}
		if err := e.evaluateMetricRule(ctx, rule, sample); err != nil {
			metrics.IncRuleError(string(rule.Type))
			e.logger.Warn("alerts engine: rule evaluation failed",
				zap.String("rule_id", rule.ID),
				zap.String("instance_id", sample.InstanceID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}
	return errors.Join(errs...)
}

// EvaluateEvent runs every enabled event rule scoped to the event's instance.
func (e *Engine) EvaluateEvent(ctx context.Context, event telemetry.Event) error {
	rules, err := e.rules.EnabledRules(ctx)
	if err != nil {
		return fmt.Errorf("alerts engine: load rules: %w", err)
	}
	var errs []error
	for _, rule := range rules {
		if rule.Type.MetricDriven() || !rule.Matches(event.InstanceID) {
			continue
		}
		if err := e.evaluateEventRule(ctx, rule, event); err != nil {
			metrics.IncRuleError(string(rule.Type))
			e.logger.Warn("alerts engine: rule evaluation failed",
				zap.String("rule_id", rule.ID),
				zap.String("instance_id", event.InstanceID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) evaluateMetricRule(ctx context.Context, rule alerts.AlertRule, sample telemetry.MetricSample) error {
	cond := rule.Conditions
	value, ok := sample.Float(cond.Metric)
	if !ok {
		return nil
	}
	breached := cond.Operator.Breached(value, cond.Threshold)

	key := alerts.DedupeKey(rule.ID, sample.InstanceID, cond.Metric)
	open, err := e.alerts.FindOpen(ctx, key)
	if err != nil {
		return err
	}
	now := e.clock.Now().UTC()
	if !breached {
		if open == nil {
			return nil
		}
		return e.resolve(ctx, rule, open, &value, now)
	}
	if open != nil {
		// A refused refresh means the alert closed concurrently. The next sample reopens it.
		_, err := e.alerts.RefreshAlert(ctx, open.ID, &value, now)
		return err
	}
	// forSec only gates opening. An open alert stays open while the value breaches.
	if cond.ForSec > 0 {
		sustained, err := e.sustained(ctx, rule, sample)
		if err != nil {
			return err
		}
		if !sustained {
			return nil
		}
	}

	alert := alerts.Alert{
		ID:              e.newID(),
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		RuleType:        rule.Type,
		InstanceID:      sample.InstanceID,
		DedupeKey:       key,
		Metric:          cond.Metric,
		Severity:        metricSeverity(rule, value),
		Status:          alerts.StatusActive,
		Message:         fmt.Sprintf("%s %s %s %s (observed %s)", sample.InstanceID, cond.Metric, cond.Operator, formatValue(cond.Threshold), formatValue(value)),
		LastValue:       &value,
		FiredAt:         now,
		LastEvaluatedAt: now,
		UpdatedAt:       now,
	}
	return e.fire(ctx, rule, alert)
}

// sustained reports whether every sample in [ts-forSec, ts] breaches and the
// window is covered from its start within the sample tolerance.
func (e *Engine) sustained(ctx context.Context, rule alerts.AlertRule, sample telemetry.MetricSample) (bool, error) {
	if e.history == nil {
		return true, nil
	}
	cond := rule.Conditions
	window := time.Duration(cond.ForSec) * time.Second
	from := sample.Timestamp.Add(-window)
	samples, err := e.history.RangeSamples(ctx, telemetry.SampleRange{
		InstanceID: sample.InstanceID,
		From:       from,
		To:         sample.Timestamp.Add(time.Nanosecond),
	})
	if err != nil {
		return false, telemetry.WrapStore("sustained lookback", err)
	}
	if len(samples) == 0 || samples[0].Timestamp.After(from.Add(e.tolerance)) {
		return false, nil
	}
	for _, s := range samples {
		v, ok := s.Float(cond.Metric)
		if !ok || !cond.Operator.Breached(v, cond.Threshold) {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evaluateEventRule(ctx context.Context, rule alerts.AlertRule, event telemetry.Event) error {
	fireTypes, resolveTypes := eventTriggers(rule)
	fires := matchesEvent(fireTypes, event)
	resolves := matchesEvent(resolveTypes, event)
	if rule.Type != alerts.RuleLifecycle && len(rule.Conditions.EventTypes) > 0 {
		fires = fires && containsFold(rule.Conditions.EventTypes, event.EventType, event.Type)
	}
	if !fires && !resolves {
		return nil
	}

	key := alerts.DedupeKey(rule.ID, event.InstanceID, "")
	open, err := e.alerts.FindOpen(ctx, key)
	if err != nil {
		return err
	}
	now := e.clock.Now().UTC()
	if resolves {
		if open == nil {
			return nil
		}
		return e.resolve(ctx, rule, open, nil, now)
	}
	if open != nil {
		_, err := e.alerts.RefreshAlert(ctx, open.ID, nil, now)
		return err
	}

	message := event.Message
	if message == "" {
		message = fmt.Sprintf("%s %s", event.InstanceID, firstNonEmpty(event.EventType, event.Type))
	}
	alert := alerts.Alert{
		ID:              e.newID(),
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		RuleType:        rule.Type,
		InstanceID:      event.InstanceID,
		DedupeKey:       key,
		Severity:        rule.Severity,
		Status:          alerts.StatusActive,
		Message:         message,
		FiredAt:         now,
		LastEvaluatedAt: now,
		UpdatedAt:       now,
	}
	return e.fire(ctx, rule, alert)
}

// fire persists a new alert. If a concurrent evaluation won the open
// dedupe key, the existing row is refreshed instead.
func (e *Engine) fire(ctx context.Context, rule alerts.AlertRule, alert alerts.Alert) error {
	if err := e.alerts.CreateAlert(ctx, alert); err != nil {
		if !errors.Is(err, alerts.ErrOpenAlertExists) {
			return err
		}
		open, findErr := e.alerts.FindOpen(ctx, alert.DedupeKey)
		if findErr != nil || open == nil {
			return findErr
		}
		_, err = e.alerts.RefreshAlert(ctx, open.ID, alert.LastValue, alert.LastEvaluatedAt)
		return err
	}
	e.logger.Info("alerts engine: alert fired",
		zap.String("alert_id", alert.ID),
		zap.String("rule_id", rule.ID),
		zap.String("instance_id", alert.InstanceID),
		zap.String("severity", string(alert.Severity)))
	e.transition(protocol.TypeAlertFired, alert)
	e.Notify(ctx, rule, alert, protocol.TypeAlertFired)
	return nil
}

func (e *Engine) resolve(ctx context.Context, rule alerts.AlertRule, open *alerts.Alert, value *float64, now time.Time) error {
	alert, changed, err := applyTransition(ctx, e.alerts,
		func(ctx context.Context, attempt int) (*alerts.Alert, error) {
			if attempt == 0 {
				return open, nil
			}
			return e.alerts.GetAlert(ctx, open.ID)
		},
		func(a *alerts.Alert) (bool, error) {
			if !a.Resolve(now) {
				return false, nil
			}
			if value != nil {
				a.LastValue = value
			}
			a.LastEvaluatedAt = now
			return true, nil
		})
	if err != nil || !changed {
		return err
	}
	e.logger.Info("alerts engine: alert resolved",
		zap.String("alert_id", alert.ID),
		zap.String("rule_id", rule.ID),
		zap.String("instance_id", alert.InstanceID))
	e.transition(protocol.TypeAlertResolved, *alert)
	return nil
}

// Notify enqueues delivery unless the dedupe key is cooling down.
func (e *Engine) Notify(ctx context.Context, rule alerts.AlertRule, alert alerts.Alert, event string) {
	if e.dispatcher == nil {
		return
	}
	claimed, err := e.cooldowns.ClaimCooldown(ctx, alert.DedupeKey, e.clock.Now().UTC(), rule.Cooldown())
	if err != nil {
		e.logger.Warn("alerts engine: cooldown claim failed",
			zap.String("dedupe_key", alert.DedupeKey),
			zap.Error(err))
		return
	}
	if !claimed {
		metrics.IncNotificationSuppressed("cooldown")
		e.logger.Debug("alerts engine: notification suppressed by cooldown",
			zap.String("alert_id", alert.ID),
			zap.String("dedupe_key", alert.DedupeKey))
		return
	}
	e.dispatcher.Dispatch(ctx, alert, rule, event)
}

func (e *Engine) transition(typ string, alert alerts.Alert) {
	metrics.IncAlertTransition(typ)
	if e.publisher == nil {
		return
	}
	e.publisher.Publish(TransitionEnvelope(typ, alert))
}

// TransitionEnvelope renders an alert state change for the hub.
func TransitionEnvelope(typ string, alert alerts.Alert) protocol.Envelope {
	return protocol.Envelope{
		Channel:    protocol.ChannelEvents,
		Type:       typ,
		InstanceID: alert.InstanceID,
		Timestamp:  alert.UpdatedAt,
		Data: &protocol.AlertTransition{
			AlertID:        alert.ID,
			RuleID:         alert.RuleID,
			RuleName:       alert.RuleName,
			RuleType:       string(alert.RuleType),
			DedupeKey:      alert.DedupeKey,
			Severity:       string(alert.Severity),
			Status:         string(alert.Status),
			Metric:         string(alert.Metric),
			Value:          alert.LastValue,
			Message:        alert.Message,
			FiredAt:        alert.FiredAt,
			AcknowledgedAt: alert.AcknowledgedAt,
			ResolvedAt:     alert.ResolvedAt,
			SilencedUntil:  alert.SilencedUntil,
		},
	}
}

// metricSeverity keeps THRESHOLD at the rule severity. ANOMALY raises one
// level at 1.5x the threshold and to CRITICAL at 2x.
func metricSeverity(rule alerts.AlertRule, value float64) alerts.Severity {
	if rule.Type != alerts.RuleAnomaly {
		return rule.Severity
	}
	ratio := breachRatio(rule.Conditions.Operator, value, rule.Conditions.Threshold)
	switch {
	case ratio >= 2:
		return alerts.SeverityCritical
	case ratio >= 1.5:
		return rule.Severity.Bump()
	default:
		return rule.Severity
	}
}

func breachRatio(op alerts.Operator, value, threshold float64) float64 {
	if threshold == 0 || value == 0 {
		return 0
	}
	var ratio float64
	switch op {
	case alerts.OperatorGreater, alerts.OperatorGreaterOrEqual:
		ratio = value / threshold
	case alerts.OperatorLess, alerts.OperatorLessOrEqual:
		ratio = threshold / value
	default:
		return 0
	}
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) || ratio < 0 {
		return 0
	}
	return ratio
}

func eventTriggers(rule alerts.AlertRule) (fire, resolve []string) {
	resolve = rule.Conditions.ResolveEventTypes
	switch rule.Type {
	case alerts.RuleLifecycle:
		fire = []string{protocol.TypeHeartbeatLost}
		if len(rule.Conditions.EventTypes) > 0 {
			fire = rule.Conditions.EventTypes
		}
		if len(resolve) == 0 {
			resolve = []string{protocol.TypeHeartbeatRecovered}
		}
	case alerts.RuleSecurity:
		fire = []string{protocol.TypeEventSecurity}
	case alerts.RuleCost:
		fire = []string{protocol.TypeEventCost}
	}
	return fire, resolve
}

func matchesEvent(types []string, event telemetry.Event) bool {
	return containsFold(types, event.Type, event.EventType)
}

func containsFold(list []string, values ...string) bool {
	for _, item := range list {
		for _, v := range values {
			if v != "" && strings.EqualFold(strings.TrimSpace(item), v) {
				return true
			}
		}
	}
	return false
}

func formatValue(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
