package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
)

var _ alerts.Store = (*Store)(nil)

// Store keeps rules, channels, alerts and notifications in process. It
// enforces the same open dedupe key uniqueness and cascades as the schema.
type Store struct {
	mu            sync.Mutex
	rules         map[string]alerts.AlertRule
	channels      map[string]alerts.NotificationChannel
	ruleChannels  map[string][]string
	alerts        map[string]alerts.Alert
	openByKey     map[string]string
	notifications []alerts.AlertNotification
	cooldowns     map[string]time.Time
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{
		rules:        make(map[string]alerts.AlertRule),
		channels:     make(map[string]alerts.NotificationChannel),
		ruleChannels: make(map[string][]string),
		alerts:       make(map[string]alerts.Alert),
		openByKey:    make(map[string]string),
		cooldowns:    make(map[string]time.Time),
	}
}

// CreateRule inserts or replaces a rule.
func (s *Store) CreateRule(_ context.Context, rule alerts.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.ID] = rule
	return nil
}

// UpdateRule replaces an existing rule.
func (s *Store) UpdateRule(_ context.Context, rule alerts.AlertRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[rule.ID]; !ok {
		return alerts.ErrNotFound
	}
	s.rules[rule.ID] = rule
	return nil
}

// GetRule returns nil when the rule does not exist.
func (s *Store) GetRule(_ context.Context, id string) (*alerts.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

// DeleteRule removes a rule with its alerts, their notifications and channel links.
func (s *Store) DeleteRule(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return alerts.ErrNotFound
	}
	delete(s.rules, id)
	delete(s.ruleChannels, id)
	removed := make(map[string]struct{})
	for alertID, alert := range s.alerts {
		if alert.RuleID != id {
			continue
		}
		removed[alertID] = struct{}{}
		if s.openByKey[alert.DedupeKey] == alertID {
			delete(s.openByKey, alert.DedupeKey)
		}
		delete(s.alerts, alertID)
	}
	s.notifications = filterNotifications(s.notifications, func(n alerts.AlertNotification) bool {
		_, gone := removed[n.AlertID]
		return !gone
	})
	return nil
}

// ListRules returns rules ordered by id.
func (s *Store) ListRules(_ context.Context, filter alerts.RuleFilter) ([]alerts.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alerts.AlertRule, 0, len(s.rules))
	for _, rule := range s.rules {
		if filter.Type != "" && rule.Type != filter.Type {
			continue
		}
		if filter.InstanceID != "" && rule.InstanceID != filter.InstanceID {
			continue
		}
		if filter.Enabled != nil && rule.Enabled != *filter.Enabled {
			continue
		}
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetRuleChannels replaces the rule's channel links.
func (s *Store) SetRuleChannels(_ context.Context, ruleID string, channelIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[ruleID]; !ok {
		return alerts.ErrNotFound
	}
	ids := make([]string, 0, len(channelIDs))
	seen := make(map[string]struct{}, len(channelIDs))
	for _, id := range channelIDs {
		if _, ok := s.channels[id]; !ok {
			return alerts.ErrNotFound
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	s.ruleChannels[ruleID] = ids
	return nil
}

// RuleChannels returns the channels linked to a rule.
func (s *Store) RuleChannels(_ context.Context, ruleID string) ([]alerts.NotificationChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alerts.NotificationChannel, 0, len(s.ruleChannels[ruleID]))
	for _, id := range s.ruleChannels[ruleID] {
		if ch, ok := s.channels[id]; ok {
			out = append(out, ch)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateChannel inserts or replaces a channel.
func (s *Store) CreateChannel(_ context.Context, channel alerts.NotificationChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[channel.ID] = channel
	return nil
}

// UpdateChannel replaces an existing channel.
func (s *Store) UpdateChannel(_ context.Context, channel alerts.NotificationChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channel.ID]; !ok {
		return alerts.ErrNotFound
	}
	s.channels[channel.ID] = channel
	return nil
}

// GetChannel returns nil when the channel does not exist.
func (s *Store) GetChannel(_ context.Context, id string) (*alerts.NotificationChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return nil, nil
	}
	return &ch, nil
}

// DeleteChannel removes a channel with its rule links and notifications.
func (s *Store) DeleteChannel(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[id]; !ok {
		return alerts.ErrNotFound
	}
	delete(s.channels, id)
	for ruleID, ids := range s.ruleChannels {
		kept := ids[:0]
		for _, cid := range ids {
			if cid != id {
				kept = append(kept, cid)
			}
		}
		s.ruleChannels[ruleID] = kept
	}
	s.notifications = filterNotifications(s.notifications, func(n alerts.AlertNotification) bool {
		return n.ChannelID != id
	})
	return nil
}

// ListChannels returns channels ordered by id.
func (s *Store) ListChannels(_ context.Context) ([]alerts.NotificationChannel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alerts.NotificationChannel, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateAlert inserts an alert. An open alert already holding the dedupe key
// yields ErrOpenAlertExists.
func (s *Store) CreateAlert(_ context.Context, alert alerts.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if alert.Status.Open() {
		if _, taken := s.openByKey[alert.DedupeKey]; taken {
			return alerts.ErrOpenAlertExists
		}
		s.openByKey[alert.DedupeKey] = alert.ID
	}
	s.alerts[alert.ID] = alert
	return nil
}

// TransitionAlert applies a lifecycle change while the stored status still
// equals from, and maintains the open key index.
func (s *Store) TransitionAlert(_ context.Context, alert alerts.Alert, from alerts.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[alert.ID]
	if !ok {
		return alerts.ErrNotFound
	}
	if !from.Open() {
		return alerts.ErrInvalidTransition
	}
	if cur.Status != from {
		return alerts.ErrConflict
	}
	if alert.Status.Open() {
		if holder, taken := s.openByKey[cur.DedupeKey]; taken && holder != cur.ID {
			return alerts.ErrOpenAlertExists
		}
		s.openByKey[cur.DedupeKey] = cur.ID
	} else if s.openByKey[cur.DedupeKey] == cur.ID {
		delete(s.openByKey, cur.DedupeKey)
	}
	cur.Status = alert.Status
	if cur.AcknowledgedAt == nil {
		cur.AcknowledgedAt = alert.AcknowledgedAt
	}
	if cur.ResolvedAt == nil {
		cur.ResolvedAt = alert.ResolvedAt
	}
	cur.SilencedUntil = alert.SilencedUntil
	if alert.LastValue != nil {
		cur.LastValue = alert.LastValue
	}
	if alert.LastEvaluatedAt.After(cur.LastEvaluatedAt) {
		cur.LastEvaluatedAt = alert.LastEvaluatedAt
	}
	cur.UpdatedAt = alert.UpdatedAt
	s.alerts[cur.ID] = cur
	return nil
}

// RefreshAlert stamps the latest evaluation on an open alert.
func (s *Store) RefreshAlert(_ context.Context, id string, value *float64, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.alerts[id]
	if !ok || !cur.Status.Open() {
		return false, nil
	}
	if value != nil {
		v := *value
		cur.LastValue = &v
	}
	if at.After(cur.LastEvaluatedAt) {
		cur.LastEvaluatedAt = at
	}
	if at.After(cur.UpdatedAt) {
		cur.UpdatedAt = at
	}
	s.alerts[id] = cur
	return true, nil
}

// GetAlert returns nil when the alert does not exist.
func (s *Store) GetAlert(_ context.Context, id string) (*alerts.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, nil
	}
	return &alert, nil
}

// FindOpen returns the open alert for a dedupe key, or nil.
func (s *Store) FindOpen(_ context.Context, dedupeKey string) (*alerts.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.openByKey[dedupeKey]
	if !ok {
		return nil, nil
	}
	alert := s.alerts[id]
	return &alert, nil
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(_ context.Context, filter alerts.AlertFilter) ([]alerts.Alert, error) {
	s.mu.Lock()
	out := make([]alerts.Alert, 0)
	for _, alert := range s.alerts {
		if matchAlert(alert, filter) {
			out = append(out, alert)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiredAt.Equal(out[j].FiredAt) {
			return out[i].FiredAt.After(out[j].FiredAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListSilenceExpired returns silenced alerts whose silence ended at or before now.
func (s *Store) ListSilenceExpired(_ context.Context, now time.Time) ([]alerts.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]alerts.Alert, 0)
	for _, alert := range s.alerts {
		if alert.SilenceExpired(now) {
			out = append(out, alert)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// InsertNotification appends a delivery record.
func (s *Store) InsertNotification(_ context.Context, n alerts.AlertNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.alerts[n.AlertID]; !ok {
		return alerts.ErrNotFound
	}
	s.notifications = append(s.notifications, n)
	return nil
}

// ListNotifications returns notifications newest first.
func (s *Store) ListNotifications(_ context.Context, filter alerts.NotificationFilter) ([]alerts.AlertNotification, error) {
	s.mu.Lock()
	out := make([]alerts.AlertNotification, 0)
	for _, n := range s.notifications {
		if filter.AlertID != "" && n.AlertID != filter.AlertID {
			continue
		}
		if filter.ChannelID != "" && n.ChannelID != filter.ChannelID {
			continue
		}
		if filter.Success != nil && n.Success != *filter.Success {
			continue
		}
		if !filter.From.IsZero() && n.SentAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !n.SentAt.Before(filter.To) {
			continue
		}
		out = append(out, n)
	}
	s.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ClaimCooldown records now as the last notification time unless a claim
// within cooldown already exists.
func (s *Store) ClaimCooldown(_ context.Context, dedupeKey string, now time.Time, cooldown time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.cooldowns[dedupeKey]; ok && cooldown > 0 && now.Before(last.Add(cooldown)) {
		return false, nil
	}
	s.cooldowns[dedupeKey] = now
	return true, nil
}

func matchAlert(alert alerts.Alert, filter alerts.AlertFilter) bool {
	if filter.RuleID != "" && alert.RuleID != filter.RuleID {
		return false
	}
	if filter.InstanceID != "" && alert.InstanceID != filter.InstanceID {
		return false
	}
	if filter.Severity != "" && alert.Severity != filter.Severity {
		return false
	}
	if len(filter.Statuses) > 0 {
		found := false
		for _, st := range filter.Statuses {
			if alert.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !filter.From.IsZero() && alert.FiredAt.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && !alert.FiredAt.Before(filter.To) {
		return false
	}
	return true
}

func filterNotifications(in []alerts.AlertNotification, keep func(alerts.AlertNotification) bool) []alerts.AlertNotification {
	out := in[:0]
	for _, n := range in {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out
}
