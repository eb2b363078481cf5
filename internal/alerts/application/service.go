package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/audit"
	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/protocol"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const defaultAlertLimit = 200

// RuleInvalidator drops cached rule sets after administrative changes.
type RuleInvalidator interface {
	Invalidate()
}

// AlertNotifier sends a notification for an alert subject to cooldown.
type AlertNotifier interface {
	Notify(ctx context.Context, rule alerts.AlertRule, alert alerts.Alert, event string)
}

// Service administers rules and channels and applies operator actions to alerts.
type Service struct {
	store     alerts.Store
	cache     RuleInvalidator
	notifier  AlertNotifier
	publisher Publisher
	audit     audit.Logger
	clock     Clock
	logger    *zap.Logger
}

// ServiceOption customizes the service.
type ServiceOption func(*Service)

// WithRuleCache invalidates cache on rule changes.
func WithRuleCache(cache RuleInvalidator) ServiceOption {
	return func(s *Service) { s.cache = cache }
}

// WithNotifier dispatches reactivation notifications.
func WithNotifier(notifier AlertNotifier) ServiceOption {
	return func(s *Service) { s.notifier = notifier }
}

// WithServicePublisher republishes operator transitions.
func WithServicePublisher(publisher Publisher) ServiceOption {
	return func(s *Service) { s.publisher = publisher }
}

// WithAudit records administrative mutations.
func WithAudit(logger audit.Logger) ServiceOption {
	return func(s *Service) { s.audit = logger }
}

// WithServiceClock assigns a clock.
func WithServiceClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithServiceLogger assigns a logger.
func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewService constructs the admin service.
func NewService(store alerts.Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("alerts service: nil store")
	}
	s := &Service{store: store, clock: systemClock{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateRule validates and stores a new rule.
func (s *Service) CreateRule(ctx context.Context, rule alerts.AlertRule) (alerts.AlertRule, error) {
	if strings.TrimSpace(rule.ID) == "" {
		rule.ID = "rule-" + uuid.NewString()
	}
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return alerts.AlertRule{}, err
	}
	existing, err := s.store.GetRule(ctx, rule.ID)
	if err != nil {
		return alerts.AlertRule{}, err
	}
	if existing != nil {
		return alerts.AlertRule{}, telemetry.NewValidationError("id", "rule %q already exists", rule.ID)
	}
	now := s.clock.Now().UTC()
	rule.CreatedAt, rule.UpdatedAt = now, now
	if err := s.store.CreateRule(ctx, rule); err != nil {
		return alerts.AlertRule{}, err
	}
	s.rulesChanged()
	s.record(ctx, "rule.create", "alert_rule", rule.ID, rule.InstanceID, rule)
	return rule, nil
}

// UpdateRule replaces a rule's definition, keeping its creation time.
func (s *Service) UpdateRule(ctx context.Context, id string, rule alerts.AlertRule) (alerts.AlertRule, error) {
	existing, err := s.store.GetRule(ctx, id)
	if err != nil {
		return alerts.AlertRule{}, err
	}
	if existing == nil {
		return alerts.AlertRule{}, alerts.ErrNotFound
	}
	rule.ID = id
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return alerts.AlertRule{}, err
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateRule(ctx, rule); err != nil {
		return alerts.AlertRule{}, err
	}
	s.rulesChanged()
	s.record(ctx, "rule.update", "alert_rule", rule.ID, rule.InstanceID, rule)
	return rule, nil
}

// UpsertRule creates or replaces a rule. Used by provisioning.
func (s *Service) UpsertRule(ctx context.Context, rule alerts.AlertRule) (alerts.AlertRule, error) {
	existing, err := s.store.GetRule(ctx, rule.ID)
	if err != nil {
		return alerts.AlertRule{}, err
	}
	if existing == nil {
		return s.CreateRule(ctx, rule)
	}
	return s.UpdateRule(ctx, rule.ID, rule)
}

// DeleteRule removes a rule. Its alerts and notifications cascade.
func (s *Service) DeleteRule(ctx context.Context, id string) error {
	if err := s.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.rulesChanged()
	s.record(ctx, "rule.delete", "alert_rule", id, "", nil)
	return nil
}

// GetRule returns ErrNotFound for an unknown id.
func (s *Service) GetRule(ctx context.Context, id string) (*alerts.AlertRule, error) {
	rule, err := s.store.GetRule(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, alerts.ErrNotFound
	}
	return rule, nil
}

// ListRules lists rules.
func (s *Service) ListRules(ctx context.Context, filter alerts.RuleFilter) ([]alerts.AlertRule, error) {
	filter.Type = alerts.RuleType(strings.ToUpper(string(filter.Type)))
	return s.store.ListRules(ctx, filter)
}

// SetRuleChannels replaces a rule's channel links.
func (s *Service) SetRuleChannels(ctx context.Context, ruleID string, channelIDs []string) ([]alerts.NotificationChannel, error) {
	if err := s.store.SetRuleChannels(ctx, ruleID, channelIDs); err != nil {
		return nil, err
	}
	s.record(ctx, "rule.channels", "alert_rule", ruleID, "", map[string]any{"channelIds": channelIDs})
	return s.RuleChannels(ctx, ruleID)
}

// RuleChannels lists channels linked to a rule with secrets redacted.
func (s *Service) RuleChannels(ctx context.Context, ruleID string) ([]alerts.NotificationChannel, error) {
	if _, err := s.GetRule(ctx, ruleID); err != nil {
		return nil, err
	}
	channels, err := s.store.RuleChannels(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	return redactAll(channels), nil
}

// CreateChannel validates and stores a notification channel.
func (s *Service) CreateChannel(ctx context.Context, channel alerts.NotificationChannel) (alerts.NotificationChannel, error) {
	if strings.TrimSpace(channel.ID) == "" {
		channel.ID = "channel-" + uuid.NewString()
	}
	channel.Normalize()
	if err := channel.Validate(); err != nil {
		return alerts.NotificationChannel{}, err
	}
	existing, err := s.store.GetChannel(ctx, channel.ID)
	if err != nil {
		return alerts.NotificationChannel{}, err
	}
	if existing != nil {
		return alerts.NotificationChannel{}, telemetry.NewValidationError("id", "channel %q already exists", channel.ID)
	}
	now := s.clock.Now().UTC()
	channel.CreatedAt, channel.UpdatedAt = now, now
	if err := s.store.CreateChannel(ctx, channel); err != nil {
		return alerts.NotificationChannel{}, err
	}
	s.record(ctx, "channel.create", "notification_channel", channel.ID, "", channel.Redacted())
	return channel.Redacted(), nil
}

// UpdateChannel replaces a channel. A redacted secret in the request keeps
// the stored secret.
func (s *Service) UpdateChannel(ctx context.Context, id string, channel alerts.NotificationChannel) (alerts.NotificationChannel, error) {
	existing, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return alerts.NotificationChannel{}, err
	}
	if existing == nil {
		return alerts.NotificationChannel{}, alerts.ErrNotFound
	}
	channel.ID = id
	channel.Normalize()
	if channel.Config["secret"] == alerts.RedactedSecret {
		channel.Config["secret"] = existing.Config["secret"]
	}
	if err := channel.Validate(); err != nil {
		return alerts.NotificationChannel{}, err
	}
	channel.CreatedAt = existing.CreatedAt
	channel.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.UpdateChannel(ctx, channel); err != nil {
		return alerts.NotificationChannel{}, err
	}
	s.record(ctx, "channel.update", "notification_channel", channel.ID, "", channel.Redacted())
	return channel.Redacted(), nil
}

// UpsertChannel creates or replaces a channel. Used by provisioning.
func (s *Service) UpsertChannel(ctx context.Context, channel alerts.NotificationChannel) (alerts.NotificationChannel, error) {
	existing, err := s.store.GetChannel(ctx, channel.ID)
	if err != nil {
		return alerts.NotificationChannel{}, err
	}
	if existing == nil {
		return s.CreateChannel(ctx, channel)
	}
	return s.UpdateChannel(ctx, channel.ID, channel)
}

// DeleteChannel removes a channel, its rule links and delivery records.
func (s *Service) DeleteChannel(ctx context.Context, id string) error {
	if err := s.store.DeleteChannel(ctx, id); err != nil {
		return err
	}
	s.record(ctx, "channel.delete", "notification_channel", id, "", nil)
	return nil
}

// GetChannel returns a redacted channel or ErrNotFound.
func (s *Service) GetChannel(ctx context.Context, id string) (*alerts.NotificationChannel, error) {
	channel, err := s.store.GetChannel(ctx, id)
	if err != nil {
		return nil, err
	}
	if channel == nil {
		return nil, alerts.ErrNotFound
	}
	out := channel.Redacted()
	return &out, nil
}

// ListChannels lists redacted channels.
func (s *Service) ListChannels(ctx context.Context) ([]alerts.NotificationChannel, error) {
	channels, err := s.store.ListChannels(ctx)
	if err != nil {
		return nil, err
	}
	return redactAll(channels), nil
}

// GetAlert returns ErrNotFound for an unknown id.
func (s *Service) GetAlert(ctx context.Context, id string) (*alerts.Alert, error) {
	alert, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, alerts.ErrNotFound
	}
	return alert, nil
}

// ListAlerts lists alerts newest first.
func (s *Service) ListAlerts(ctx context.Context, filter alerts.AlertFilter) ([]alerts.Alert, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultAlertLimit
	}
	for i, st := range filter.Statuses {
		st = alerts.Status(strings.ToUpper(string(st)))
		if !st.Valid() {
			return nil, telemetry.NewValidationError("status", "unsupported status %q", st)
		}
		filter.Statuses[i] = st
	}
	if filter.Severity != "" {
		filter.Severity = alerts.Severity(strings.ToUpper(string(filter.Severity)))
		if !filter.Severity.Valid() {
			return nil, telemetry.NewValidationError("severity", "unsupported severity %q", filter.Severity)
		}
	}
	return s.store.ListAlerts(ctx, filter)
}

// ListNotifications lists delivery records newest first.
func (s *Service) ListNotifications(ctx context.Context, filter alerts.NotificationFilter) ([]alerts.AlertNotification, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultAlertLimit
	}
	return s.store.ListNotifications(ctx, filter)
}

// Acknowledge moves ACTIVE to ACKNOWLEDGED.
func (s *Service) Acknowledge(ctx context.Context, id string) (*alerts.Alert, error) {
	alert, changed, err := applyTransition(ctx, s.store, s.loadAlert(id), func(a *alerts.Alert) (bool, error) {
		return a.Acknowledge(s.clock.Now())
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.applied(ctx, protocol.TypeAlertAcknowledged, "alert.ack", *alert, nil)
	}
	return alert, nil
}

// Resolve closes an open alert manually. Resolving a resolved alert is a no-op.
func (s *Service) Resolve(ctx context.Context, id string) (*alerts.Alert, error) {
	alert, changed, err := applyTransition(ctx, s.store, s.loadAlert(id), func(a *alerts.Alert) (bool, error) {
		return a.Resolve(s.clock.Now()), nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.applied(ctx, protocol.TypeAlertResolved, "alert.resolve", *alert, nil)
	}
	return alert, nil
}

// Silence suppresses an alert until the given time.
func (s *Service) Silence(ctx context.Context, id string, until time.Time) (*alerts.Alert, error) {
	alert, _, err := applyTransition(ctx, s.store, s.loadAlert(id), func(a *alerts.Alert) (bool, error) {
		if err := a.Silence(until, s.clock.Now()); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.applied(ctx, protocol.TypeAlertSilenced, "alert.silence", *alert, map[string]any{"until": until.UTC()})
	return alert, nil
}

// Unsilence reactivates a silenced alert before its silence ends.
func (s *Service) Unsilence(ctx context.Context, id string) (*alerts.Alert, error) {
	alert, _, err := s.reactivate(ctx, id, false)
	if err != nil {
		return nil, err
	}
	s.record(ctx, "alert.unsilence", "alert", alert.ID, alert.InstanceID, map[string]any{"status": alert.Status})
	return alert, nil
}

// SweepSilences reactivates every silenced alert whose silence has ended.
// It returns the number reactivated.
func (s *Service) SweepSilences(ctx context.Context) (int, error) {
	now := s.clock.Now().UTC()
	expired, err := s.store.ListSilenceExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	var errs []error
	count := 0
	for _, alert := range expired {
		_, changed, err := s.reactivate(ctx, alert.ID, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			count++
		}
	}
	return count, errors.Join(errs...)
}

// reactivate moves a silenced alert back to ACTIVE. With expiredOnly an alert
// whose silence was extended or lifted meanwhile is left alone.
func (s *Service) reactivate(ctx context.Context, id string, expiredOnly bool) (*alerts.Alert, bool, error) {
	alert, changed, err := applyTransition(ctx, s.store, s.loadAlert(id), func(a *alerts.Alert) (bool, error) {
		now := s.clock.Now()
		if expiredOnly && !a.SilenceExpired(now) {
			return false, nil
		}
		if err := a.Reactivate(now); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil || !changed {
		return alert, changed, err
	}
	s.publish(protocol.TypeAlertReactivated, *alert)
	s.logger.Info("alerts service: alert reactivated",
		zap.String("alert_id", alert.ID),
		zap.String("instance_id", alert.InstanceID))
	if s.notifier == nil {
		return alert, true, nil
	}
	rule, err := s.store.GetRule(ctx, alert.RuleID)
	if err != nil {
		return alert, true, err
	}
	if rule != nil && rule.Enabled {
		s.notifier.Notify(ctx, *rule, *alert, protocol.TypeAlertReactivated)
	}
	return alert, true, nil
}

func (s *Service) loadAlert(id string) func(context.Context, int) (*alerts.Alert, error) {
	return func(ctx context.Context, _ int) (*alerts.Alert, error) {
		return s.GetAlert(ctx, id)
	}
}

func (s *Service) applied(ctx context.Context, typ, action string, alert alerts.Alert, extra map[string]any) {
	s.publish(typ, alert)
	meta := map[string]any{"status": alert.Status}
	for k, v := range extra {
		meta[k] = v
	}
	s.record(ctx, action, "alert", alert.ID, alert.InstanceID, meta)
}

func (s *Service) publish(typ string, alert alerts.Alert) {
	metrics.IncAlertTransition(typ)
	if s.publisher != nil {
		s.publisher.Publish(TransitionEnvelope(typ, alert))
	}
}

func (s *Service) rulesChanged() {
	if s.cache != nil {
		s.cache.Invalidate()
	}
}

func (s *Service) record(ctx context.Context, action, resourceType, resourceID, instanceID string, metadata any) {
	audit.Record(ctx, s.audit, s.logger, audit.Entry{
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		InstanceID:   instanceID,
	}, metadata)
}

func redactAll(channels []alerts.NotificationChannel) []alerts.NotificationChannel {
	out := make([]alerts.NotificationChannel, len(channels))
	for i, ch := range channels {
		out[i] = ch.Redacted()
	}
	return out
}
