package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
)

func TestCreateAlertRejectsSecondOpenForDedupeKey(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	first := alerts.Alert{ID: "a1", RuleID: "r1", DedupeKey: "r1|A|cpu_percent", Status: alerts.StatusActive, FiredAt: now}
	if err := s.CreateAlert(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}
	second := first
	second.ID = "a2"
	if err := s.CreateAlert(ctx, second); !errors.Is(err, alerts.ErrOpenAlertExists) {
		t.Fatalf("expected ErrOpenAlertExists, got %v", err)
	}

	first.Resolve(now.Add(time.Minute))
	if err := s.TransitionAlert(ctx, first, alerts.StatusActive); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.CreateAlert(ctx, second); err != nil {
		t.Fatalf("expected new open alert after resolve, got %v", err)
	}
	open, _ := s.FindOpen(ctx, first.DedupeKey)
	if open == nil || open.ID != "a2" {
		t.Fatalf("expected a2 open, got %+v", open)
	}
}

func TestClaimCooldown(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ok, _ := s.ClaimCooldown(ctx, "k", now, 5*time.Minute)
	if !ok {
		t.Fatalf("expected first claim")
	}
	ok, _ = s.ClaimCooldown(ctx, "k", now.Add(time.Minute), 5*time.Minute)
	if ok {
		t.Fatalf("expected claim within cooldown to fail")
	}
	ok, _ = s.ClaimCooldown(ctx, "k", now.Add(5*time.Minute), 5*time.Minute)
	if !ok {
		t.Fatalf("expected claim after cooldown")
	}
}

func TestDeleteRuleCascades(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Now().UTC()
	_ = s.CreateRule(ctx, alerts.AlertRule{ID: "r1"})
	_ = s.CreateChannel(ctx, alerts.NotificationChannel{ID: "c1"})
	if err := s.SetRuleChannels(ctx, "r1", []string{"c1", "c1"}); err != nil {
		t.Fatalf("link: %v", err)
	}
	_ = s.CreateAlert(ctx, alerts.Alert{ID: "a1", RuleID: "r1", DedupeKey: "r1|A", Status: alerts.StatusActive, FiredAt: now})
	_ = s.InsertNotification(ctx, alerts.AlertNotification{ID: "n1", AlertID: "a1", ChannelID: "c1", SentAt: now})

	if err := s.DeleteRule(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if a, _ := s.GetAlert(ctx, "a1"); a != nil {
		t.Fatalf("expected alert cascade")
	}
	if ns, _ := s.ListNotifications(ctx, alerts.NotificationFilter{}); len(ns) != 0 {
		t.Fatalf("expected notification cascade, got %d", len(ns))
	}
	if open, _ := s.FindOpen(ctx, "r1|A"); open != nil {
		t.Fatalf("expected dedupe key released")
	}
}

func TestTransitionAlertIsConditional(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stored := alerts.Alert{ID: "a1", RuleID: "r1", DedupeKey: "r1|A", Status: alerts.StatusActive, FiredAt: now}
	if err := s.CreateAlert(ctx, stored); err != nil {
		t.Fatalf("create: %v", err)
	}

	acked := stored
	if _, err := acked.Acknowledge(now.Add(time.Minute)); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := s.TransitionAlert(ctx, acked, alerts.StatusActive); err != nil {
		t.Fatalf("transition ack: %v", err)
	}

	stale := stored
	if err := stale.Silence(now.Add(time.Hour), now.Add(2*time.Minute)); err != nil {
		t.Fatalf("silence: %v", err)
	}
	if err := s.TransitionAlert(ctx, stale, alerts.StatusActive); !errors.Is(err, alerts.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale status, got %v", err)
	}

	resolved := acked
	resolved.Resolve(now.Add(3 * time.Minute))
	if err := s.TransitionAlert(ctx, resolved, alerts.StatusAcknowledged); err != nil {
		t.Fatalf("transition resolve: %v", err)
	}
	if err := s.TransitionAlert(ctx, stored, alerts.StatusResolved); !errors.Is(err, alerts.ErrInvalidTransition) {
		t.Fatalf("expected resolved row to stay put, got %v", err)
	}

	got, _ := s.GetAlert(ctx, "a1")
	if got.Status != alerts.StatusResolved || got.ResolvedAt == nil || got.AcknowledgedAt == nil {
		t.Fatalf("unexpected final state %+v", got)
	}
	if !got.AcknowledgedAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected acknowledgedAt kept, got %v", got.AcknowledgedAt)
	}

	v := 91.0
	if ok, _ := s.RefreshAlert(ctx, "a1", &v, now.Add(4*time.Minute)); ok {
		t.Fatalf("expected refresh of resolved alert to be refused")
	}
	if got, _ := s.GetAlert(ctx, "a1"); got.LastValue != nil {
		t.Fatalf("expected resolved alert untouched, got %v", *got.LastValue)
	}
}
