package alerts

import (
	"context"
	"time"
)

// RuleRepository persists rules and their channel links.
type RuleRepository interface {
	CreateRule(ctx context.Context, rule AlertRule) error
	UpdateRule(ctx context.Context, rule AlertRule) error
	GetRule(ctx context.Context, id string) (*AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, filter RuleFilter) ([]AlertRule, error)
	SetRuleChannels(ctx context.Context, ruleID string, channelIDs []string) error
	RuleChannels(ctx context.Context, ruleID string) ([]NotificationChannel, error)
}

// ChannelRepository persists notification channels.
type ChannelRepository interface {
	CreateChannel(ctx context.Context, channel NotificationChannel) error
	UpdateChannel(ctx context.Context, channel NotificationChannel) error
	GetChannel(ctx context.Context, id string) (*NotificationChannel, error)
	DeleteChannel(ctx context.Context, id string) error
	ListChannels(ctx context.Context) ([]NotificationChannel, error)
}

// AlertRepository persists alerts. CreateAlert returns ErrOpenAlertExists
// when the store's open dedupe key constraint rejects the row.
//
// TransitionAlert writes the lifecycle fields of alert only while the stored
// row still has status from, and returns ErrConflict otherwise. A RESOLVED
// row never moves, and acknowledgedAt and resolvedAt are only filled when
// still empty. RefreshAlert records an evaluation on an open alert and
// reports false once the alert is closed.
type AlertRepository interface {
	CreateAlert(ctx context.Context, alert Alert) error
	TransitionAlert(ctx context.Context, alert Alert, from Status) error
	RefreshAlert(ctx context.Context, id string, value *float64, at time.Time) (bool, error)
	GetAlert(ctx context.Context, id string) (*Alert, error)
	FindOpen(ctx context.Context, dedupeKey string) (*Alert, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]Alert, error)
	ListSilenceExpired(ctx context.Context, now time.Time) ([]Alert, error)
}

// NotificationRepository stores delivery attempts.
type NotificationRepository interface {
	InsertNotification(ctx context.Context, n AlertNotification) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]AlertNotification, error)
}

// CooldownRepository claims the right to notify for a dedupe key. Claim
// succeeds when no notification was recorded within cooldown of now.
type CooldownRepository interface {
	ClaimCooldown(ctx context.Context, dedupeKey string, now time.Time, cooldown time.Duration) (bool, error)
}

// Store bundles every alerts repository.
type Store interface {
	RuleRepository
	ChannelRepository
	AlertRepository
	NotificationRepository
	CooldownRepository
}
