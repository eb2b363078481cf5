package application

import (
	"context"
	"errors"
	"testing"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
	alertmem "fleet-telemetry/internal/alerts/infrastructure/memory"
	"fleet-telemetry/internal/audit"
	"fleet-telemetry/internal/protocol"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

type countingCache struct{ n int }

func (c *countingCache) Invalidate() { c.n++ }

type serviceFixture struct {
	service    *Service
	engine     *Engine
	store      *alertmem.Store
	clock      *fakeClock
	cache      *countingCache
	audit      *audit.MemoryLogger
	publisher  *recordingPublisher
	dispatcher *recordingDispatcher
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	f := serviceFixture{
		store:      alertmem.NewStore(),
		clock:      newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		cache:      &countingCache{},
		audit:      audit.NewMemoryLogger(),
		publisher:  &recordingPublisher{},
		dispatcher: &recordingDispatcher{},
	}
	engine, err := NewEngine(NewRepositoryRuleSource(f.store), f.store, f.store,
		WithClock(f.clock), WithDispatcher(f.dispatcher), WithPublisher(f.publisher))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	f.engine = engine
	service, err := NewService(f.store,
		WithRuleCache(f.cache),
		WithNotifier(engine),
		WithServicePublisher(f.publisher),
		WithAudit(f.audit),
		WithServiceClock(f.clock))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	f.service = service
	return f
}

func (f serviceFixture) fire(t *testing.T) alerts.Alert {
	t.Helper()
	ctx := context.Background()
	if _, err := f.service.CreateRule(ctx, cpuRule("r-cpu", alerts.RuleThreshold, 80, 0)); err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if err := f.engine.EvaluateSample(ctx, cpuSample("A", f.clock.Now(), 95)); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	list, _ := f.store.ListAlerts(ctx, alerts.AlertFilter{})
	if len(list) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(list))
	}
	return list[0]
}

func TestCreateRuleValidatesAndInvalidatesCache(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	bad := cpuRule("r-bad", alerts.RuleThreshold, 80, 0)
	bad.Conditions.Metric = "gpu_percent"
	if _, err := f.service.CreateRule(ctx, bad); !errors.Is(err, telemetry.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	rule := cpuRule("", "threshold", 80, 60)
	rule.Conditions.Operator = ">"
	created, err := f.service.CreateRule(ctx, rule)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" || created.Type != alerts.RuleThreshold || created.Conditions.Operator != alerts.OperatorGreater {
		t.Fatalf("expected normalized rule with id, got %+v", created)
	}
	if f.cache.n != 1 {
		t.Fatalf("expected cache invalidated once, got %d", f.cache.n)
	}
	if _, err := f.service.CreateRule(ctx, created); !errors.Is(err, telemetry.ErrValidation) {
		t.Fatalf("expected duplicate id rejection, got %v", err)
	}
	if _, err := f.service.UpdateRule(ctx, "missing", created); !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	entries := f.audit.Entries()
	if len(entries) != 1 || entries[0].Action != "rule.create" {
		t.Fatalf("expected one rule.create audit entry, got %+v", entries)
	}
}

func TestChannelSecretsAreRedactedAndPreserved(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	created, err := f.service.CreateChannel(ctx, alerts.NotificationChannel{
		ID: "c-hook", Name: "ops hook", Type: "webhook",
		Config: map[string]string{"url": "https://hooks.example/x", "secret": "s3cr3t"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Config["secret"] != alerts.RedactedSecret {
		t.Fatalf("expected redacted secret, got %q", created.Config["secret"])
	}

	created.Name = "renamed"
	if _, err := f.service.UpdateChannel(ctx, "c-hook", created); err != nil {
		t.Fatalf("update: %v", err)
	}
	stored, _ := f.store.GetChannel(ctx, "c-hook")
	if stored.Config["secret"] != "s3cr3t" || stored.Name != "renamed" {
		t.Fatalf("expected stored secret kept, got %+v", stored.Config)
	}

	if _, err := f.service.CreateChannel(ctx, alerts.NotificationChannel{ID: "c-slack", Name: "s", Type: alerts.ChannelSlack}); !errors.Is(err, telemetry.ErrValidation) {
		t.Fatalf("expected missing webhookUrl rejection, got %v", err)
	}
}

func TestAlertActions(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alert := f.fire(t)

	acked, err := f.service.Acknowledge(ctx, alert.ID)
	if err != nil || acked.Status != alerts.StatusAcknowledged || acked.AcknowledgedAt == nil {
		t.Fatalf("expected ACKNOWLEDGED, got %+v %v", acked, err)
	}
	ackAt := *acked.AcknowledgedAt
	f.clock.Advance(time.Minute)
	again, err := f.service.Acknowledge(ctx, alert.ID)
	if err != nil || !again.AcknowledgedAt.Equal(ackAt) {
		t.Fatalf("expected idempotent acknowledge, got %v", err)
	}
	if _, err := f.service.Silence(ctx, alert.ID, f.clock.Now().Add(time.Hour)); !errors.Is(err, alerts.ErrInvalidTransition) {
		t.Fatalf("expected silence of acknowledged alert rejected, got %v", err)
	}

	resolved, err := f.service.Resolve(ctx, alert.ID)
	if err != nil || resolved.Status != alerts.StatusResolved {
		t.Fatalf("expected RESOLVED, got %+v %v", resolved, err)
	}
	resolvedAt := *resolved.ResolvedAt
	f.clock.Advance(time.Minute)
	resolved, _ = f.service.Resolve(ctx, alert.ID)
	if !resolved.ResolvedAt.Equal(resolvedAt) {
		t.Fatalf("expected resolvedAt frozen")
	}
	if _, err := f.service.Acknowledge(ctx, alert.ID); !errors.Is(err, alerts.ErrInvalidTransition) {
		t.Fatalf("expected acknowledge of resolved alert rejected, got %v", err)
	}
	if _, err := f.service.Acknowledge(ctx, "missing"); !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	if f.publisher.count(protocol.TypeAlertAcknowledged) != 1 || f.publisher.count(protocol.TypeAlertResolved) != 1 {
		t.Fatalf("expected one ack and one resolve transition")
	}
}

func TestSilenceSweepReactivatesAndNotifies(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alert := f.fire(t)
	if f.dispatcher.len() != 1 {
		t.Fatalf("expected initial dispatch, got %d", f.dispatcher.len())
	}

	if _, err := f.service.Silence(ctx, alert.ID, f.clock.Now().Add(-time.Second)); !errors.Is(err, telemetry.ErrValidation) {
		t.Fatalf("expected past silence rejected, got %v", err)
	}
	silenced, err := f.service.Silence(ctx, alert.ID, f.clock.Now().Add(10*time.Minute))
	if err != nil || silenced.Status != alerts.StatusSilenced {
		t.Fatalf("expected SILENCED, got %v", err)
	}

	n, err := f.service.SweepSilences(ctx)
	if err != nil || n != 0 {
		t.Fatalf("expected nothing to reactivate yet, got %d %v", n, err)
	}
	f.clock.Advance(10 * time.Minute)
	n, err = f.service.SweepSilences(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expected 1 reactivation, got %d %v", n, err)
	}
	got, _ := f.store.GetAlert(ctx, alert.ID)
	if got.Status != alerts.StatusActive || got.SilencedUntil != nil {
		t.Fatalf("expected ACTIVE without silence, got %+v", got)
	}
	if f.publisher.count(protocol.TypeAlertReactivated) != 1 {
		t.Fatalf("expected reactivated transition")
	}
	if f.dispatcher.len() != 2 || f.dispatcher.calls[1].event != protocol.TypeAlertReactivated {
		t.Fatalf("expected reactivation dispatch, got %+v", f.dispatcher.calls)
	}
}

func TestSilencedAlertAutoResolves(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alert := f.fire(t)
	if _, err := f.service.Silence(ctx, alert.ID, f.clock.Now().Add(time.Hour)); err != nil {
		t.Fatalf("silence: %v", err)
	}
	_ = f.engine.EvaluateSample(ctx, cpuSample("A", f.clock.Now().Add(time.Minute), 20))
	got, _ := f.store.GetAlert(ctx, alert.ID)
	if got.Status != alerts.StatusResolved || got.SilencedUntil != nil {
		t.Fatalf("expected silenced alert resolved, got %+v", got)
	}
}

func TestDeleteRuleCascadesAlerts(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	alert := f.fire(t)
	if err := f.service.DeleteRule(ctx, "r-cpu"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.service.GetAlert(ctx, alert.ID); !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("expected alert removed with rule, got %v", err)
	}
	if err := f.service.DeleteRule(ctx, "r-cpu"); !errors.Is(err, alerts.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}
