package integration_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
	alertspostgres "fleet-telemetry/internal/alerts/infrastructure/postgres"
	"fleet-telemetry/internal/database/postgres"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

func openStore(t *testing.T) (*sql.DB, *alertspostgres.Store) {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, dsn, postgres.DefaultOptions())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db, alertspostgres.NewStore(db)
}

func seedRule(t *testing.T, store *alertspostgres.Store, id string) alerts.AlertRule {
	t.Helper()
	ctx := context.Background()
	_ = store.DeleteRule(ctx, id)
	now := time.Now().UTC().Truncate(time.Microsecond)
	rule := alerts.AlertRule{
		ID:       id,
		Name:     "cpu high",
		Type:     alerts.RuleThreshold,
		Severity: alerts.SeverityHigh,
		Enabled:  true,
		Conditions: alerts.Conditions{
			Metric:    telemetry.MetricCPUPercent,
			Operator:  alerts.OperatorGreater,
			Threshold: 90,
			ForSec:    30,
		},
		CooldownSec: 60,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := store.CreateRule(ctx, rule); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	return rule
}

func openAlert(rule alerts.AlertRule, id, instanceID string, at time.Time) alerts.Alert {
	return alerts.Alert{
		ID:              id,
		RuleID:          rule.ID,
		RuleName:        rule.Name,
		RuleType:        rule.Type,
		InstanceID:      instanceID,
		DedupeKey:       alerts.DedupeKey(rule.ID, instanceID, rule.Conditions.Metric),
		Metric:          rule.Conditions.Metric,
		Severity:        rule.Severity,
		Status:          alerts.StatusActive,
		FiredAt:         at,
		LastEvaluatedAt: at,
		UpdatedAt:       at,
	}
}

func TestRuleRoundTrip_Postgres(t *testing.T) {
	_, store := openStore(t)
	ctx := context.Background()
	rule := seedRule(t, store, "rule-it-roundtrip")

	got, err := store.GetRule(ctx, rule.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got == nil {
		t.Fatalf("expected rule, got nil")
	}
	if got.Conditions.Threshold != 90 || got.Conditions.ForSec != 30 || got.Conditions.Operator != alerts.OperatorGreater {
		t.Fatalf("expected conditions round trip, got %+v", got.Conditions)
	}
	if err := store.CreateRule(ctx, rule); err == nil {
		t.Fatalf("expected duplicate id rejected")
	}
	missing, err := store.GetRule(ctx, "rule-it-missing")
	if err != nil || missing != nil {
		t.Fatalf("expected nil for missing rule, got %v err=%v", missing, err)
	}
}

func TestOpenAlertDedupe_Postgres(t *testing.T) {
	_, store := openStore(t)
	ctx := context.Background()
	rule := seedRule(t, store, "rule-it-dedupe")
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := openAlert(rule, "alert-it-1", "inst-it", now)
	if err := store.CreateAlert(ctx, first); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	second := openAlert(rule, "alert-it-2", "inst-it", now)
	if err := store.CreateAlert(ctx, second); !errors.Is(err, alerts.ErrOpenAlertExists) {
		t.Fatalf("expected ErrOpenAlertExists, got %v", err)
	}

	first.Resolve(now.Add(time.Minute))
	if err := store.TransitionAlert(ctx, first, alerts.StatusActive); err != nil {
		t.Fatalf("resolve alert: %v", err)
	}
	if err := store.CreateAlert(ctx, second); err != nil {
		t.Fatalf("expected new open alert after resolve, got %v", err)
	}
	open, err := store.FindOpen(ctx, second.DedupeKey)
	if err != nil {
		t.Fatalf("find open: %v", err)
	}
	if open == nil || open.ID != second.ID {
		t.Fatalf("expected %s open, got %+v", second.ID, open)
	}
}

func TestClaimCooldown_Postgres(t *testing.T) {
	db, store := openStore(t)
	ctx := context.Background()
	key := "rule-it-cooldown|inst-it"
	if _, err := db.ExecContext(ctx, "DELETE FROM alert_cooldowns WHERE dedupe_key = $1", key); err != nil {
		t.Fatalf("clean cooldowns: %v", err)
	}
	now := time.Now().UTC()

	ok, err := store.ClaimCooldown(ctx, key, now, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first claim, got ok=%v err=%v", ok, err)
	}
	ok, err = store.ClaimCooldown(ctx, key, now.Add(30*time.Second), time.Minute)
	if err != nil || ok {
		t.Fatalf("expected claim inside cooldown rejected, got ok=%v err=%v", ok, err)
	}
	ok, err = store.ClaimCooldown(ctx, key, now.Add(time.Minute), time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected claim after cooldown, got ok=%v err=%v", ok, err)
	}
}

func TestDeleteRuleCascades_Postgres(t *testing.T) {
	_, store := openStore(t)
	ctx := context.Background()
	rule := seedRule(t, store, "rule-it-cascade")
	now := time.Now().UTC().Truncate(time.Microsecond)

	channel := alerts.NotificationChannel{
		ID:        "channel-it-cascade",
		Name:      "ops",
		Type:      alerts.ChannelWebhook,
		Config:    map[string]string{"url": "http://127.0.0.1/hook"},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_ = store.DeleteChannel(ctx, channel.ID)
	if err := store.CreateChannel(ctx, channel); err != nil {
		t.Fatalf("create channel: %v", err)
	}
	if err := store.SetRuleChannels(ctx, rule.ID, []string{channel.ID, channel.ID}); err != nil {
		t.Fatalf("set rule channels: %v", err)
	}
	if err := store.SetRuleChannels(ctx, rule.ID, []string{"channel-it-missing"}); !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown channel, got %v", err)
	}
	alert := openAlert(rule, "alert-it-cascade", "inst-it", now)
	if err := store.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	if err := store.InsertNotification(ctx, alerts.AlertNotification{
		ID:          "notification-it-cascade",
		AlertID:     alert.ID,
		ChannelID:   channel.ID,
		ChannelType: channel.Type,
		Event:       "fired",
		SentAt:      now,
		Success:     true,
	}); err != nil {
		t.Fatalf("insert notification: %v", err)
	}

	if err := store.DeleteRule(ctx, rule.ID); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	got, err := store.GetAlert(ctx, alert.ID)
	if err != nil || got != nil {
		t.Fatalf("expected alert removed with rule, got %v err=%v", got, err)
	}
	notes, err := store.ListNotifications(ctx, alerts.NotificationFilter{AlertID: alert.ID})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("expected notifications removed, got %d", len(notes))
	}
	if err := store.DeleteRule(ctx, rule.ID); !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	_ = store.DeleteChannel(ctx, channel.ID)
}

func TestTransitionAlertConditional_Postgres(t *testing.T) {
	_, store := openStore(t)
	ctx := context.Background()
	rule := seedRule(t, store, "rule-it-transition")
	now := time.Now().UTC().Truncate(time.Microsecond)

	stored := openAlert(rule, "alert-it-transition", "inst-it", now)
	if err := store.CreateAlert(ctx, stored); err != nil {
		t.Fatalf("create alert: %v", err)
	}
	resolved := stored
	resolved.Resolve(now.Add(time.Minute))
	if err := store.TransitionAlert(ctx, resolved, alerts.StatusActive); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	stale := stored
	if _, err := stale.Acknowledge(now.Add(2 * time.Minute)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := store.TransitionAlert(ctx, stale, alerts.StatusActive); !errors.Is(err, alerts.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	v := 99.0
	if ok, err := store.RefreshAlert(ctx, stored.ID, &v, now.Add(3*time.Minute)); err != nil || ok {
		t.Fatalf("expected refresh of resolved alert refused, got %v %v", ok, err)
	}

	got, err := store.GetAlert(ctx, stored.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != alerts.StatusResolved || got.ResolvedAt == nil || !got.ResolvedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected resolution kept, got %+v", got)
	}
	if got.AcknowledgedAt != nil {
		t.Fatalf("expected no acknowledgement, got %v", got.AcknowledgedAt)
	}
}
