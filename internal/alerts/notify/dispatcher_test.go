package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/alerts/infrastructure/memory"
	"fleet-telemetry/internal/protocol"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

type fixture struct {
	store *memory.Store
	rule  alerts.AlertRule
	alert alerts.Alert
}

func newFixture(t *testing.T, channels ...alerts.NotificationChannel) fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()
	value := 93.5
	rule := alerts.AlertRule{
		ID: "rule-cpu", Name: "CPU high", Type: alerts.RuleThreshold, Severity: alerts.SeverityHigh, Enabled: true,
		Conditions: alerts.Conditions{Metric: telemetry.MetricCPUPercent, Operator: alerts.OperatorGreater, Threshold: 80},
	}
	alert := alerts.Alert{
		ID: "alert-1", RuleID: rule.ID, RuleName: rule.Name, RuleType: rule.Type, InstanceID: "inst-a",
		DedupeKey: "rule-cpu|inst-a|cpu_percent", Metric: telemetry.MetricCPUPercent, Severity: alerts.SeverityHigh,
		Status: alerts.StatusActive, LastValue: &value, FiredAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	_ = store.CreateRule(ctx, rule)
	_ = store.CreateAlert(ctx, alert)
	ids := make([]string, 0, len(channels))
	for _, ch := range channels {
		_ = store.CreateChannel(ctx, ch)
		ids = append(ids, ch.ID)
	}
	if err := store.SetRuleChannels(ctx, rule.ID, ids); err != nil {
		t.Fatalf("link channels: %v", err)
	}
	return fixture{store: store, rule: rule, alert: alert}
}

func (f fixture) notifications(t *testing.T) []alerts.AlertNotification {
	t.Helper()
	out, err := f.store.ListNotifications(context.Background(), alerts.NotificationFilter{AlertID: f.alert.ID})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return out
}

func TestWebhookDeliverySignedAndRecorded(t *testing.T) {
	type received struct {
		body      []byte
		signature string
		timestamp string
		event     string
	}
	got := make(chan received, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- received{body: body, signature: r.Header.Get(HeaderSignature), timestamp: r.Header.Get(HeaderTimestamp), event: r.Header.Get(HeaderEvent)}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	f := newFixture(t, alerts.NotificationChannel{
		ID: "ch-hook", Name: "hook", Type: alerts.ChannelWebhook, Enabled: true,
		Config: map[string]string{"url": server.URL, "secret": "top-secret"},
	})
	d, err := NewDispatcher(f.store, f.store, WithSender(alerts.ChannelWebhook, NewWebhookSender()), WithBaseURL("https://console.example"))
	if err != nil {
		t.Fatalf("new dispatcher: %v", err)
	}
	d.Start()
	d.Dispatch(context.Background(), f.alert, f.rule, protocol.TypeAlertFired)
	d.Close()

	var r received
	select {
	case r = <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected webhook request")
	}
	if r.event != protocol.TypeAlertFired {
		t.Fatalf("expected event header, got %q", r.event)
	}
	if want := "sha256=" + Sign([]byte("top-secret"), r.timestamp, r.body); r.signature != want {
		t.Fatalf("expected signature %s, got %s", want, r.signature)
	}
	var msg Message
	if err := json.Unmarshal(r.body, &msg); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if msg.Alert.ID != "alert-1" || !strings.Contains(msg.Text, "cpu_percent gt 80.00 (observed 93.50)") {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Links["alert"] != "https://console.example/api/v1/alerts/alert-1" {
		t.Fatalf("expected alert link, got %v", msg.Links)
	}

	ns := f.notifications(t)
	if len(ns) != 1 || !ns[0].Success || ns[0].ChannelID != "ch-hook" || len(ns[0].Payload) == 0 {
		t.Fatalf("expected one successful notification with payload, got %+v", ns)
	}
}

func TestFailedDeliveryIsRecordedNotRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	f := newFixture(t,
		alerts.NotificationChannel{ID: "ch-slack", Name: "slack", Type: alerts.ChannelSlack, Enabled: true, Config: map[string]string{"webhookUrl": server.URL}},
		alerts.NotificationChannel{ID: "ch-off", Name: "off", Type: alerts.ChannelSlack, Enabled: false, Config: map[string]string{"webhookUrl": server.URL}},
	)
	d, _ := NewDispatcher(f.store, f.store, WithSender(alerts.ChannelSlack, NewSlackSender()))
	d.Start()
	d.Dispatch(context.Background(), f.alert, f.rule, protocol.TypeAlertFired)
	d.Close()

	ns := f.notifications(t)
	if len(ns) != 1 {
		t.Fatalf("expected 1 attempt (disabled channel skipped), got %d", len(ns))
	}
	if ns[0].Success || !strings.Contains(ns[0].Error, "502") {
		t.Fatalf("expected failed attempt with status, got %+v", ns[0])
	}
	if calls != 1 {
		t.Fatalf("expected no retry, got %d calls", calls)
	}
	alert, _ := f.store.GetAlert(context.Background(), f.alert.ID)
	if alert.Status != alerts.StatusActive {
		t.Fatalf("expected alert state untouched, got %s", alert.Status)
	}
}

func TestHungSenderIsBoundedByTimeout(t *testing.T) {
	f := newFixture(t, alerts.NotificationChannel{ID: "ch-hook", Name: "hook", Type: alerts.ChannelWebhook, Enabled: true, Config: map[string]string{"url": "http://unused"}})
	hung := SenderFunc(func(ctx context.Context, _ alerts.NotificationChannel, _ Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	d, _ := NewDispatcher(f.store, f.store, WithSender(alerts.ChannelWebhook, hung), WithTimeout(50*time.Millisecond))
	d.Start()

	start := time.Now()
	d.Dispatch(context.Background(), f.alert, f.rule, protocol.TypeAlertFired)
	if time.Since(start) > 40*time.Millisecond {
		t.Fatalf("expected Dispatch to return without waiting for the send")
	}
	d.Close()

	ns := f.notifications(t)
	if len(ns) != 1 || ns[0].Success || !strings.Contains(ns[0].Error, "deadline") {
		t.Fatalf("expected deadline failure, got %+v", ns)
	}
}

func TestQueueFullRecordsFailure(t *testing.T) {
	f := newFixture(t,
		alerts.NotificationChannel{ID: "ch-1", Name: "a", Type: alerts.ChannelInApp, Enabled: true},
		alerts.NotificationChannel{ID: "ch-2", Name: "b", Type: alerts.ChannelInApp, Enabled: true},
	)
	d, _ := NewDispatcher(f.store, f.store, WithWorkers(1, 1), WithSender(alerts.ChannelInApp, NewInAppSender(nil)))
	d.Dispatch(context.Background(), f.alert, f.rule, protocol.TypeAlertFired)

	ns := f.notifications(t)
	if len(ns) != 1 || ns[0].Success || !strings.Contains(ns[0].Error, "queue full") {
		t.Fatalf("expected one queue-full failure, got %+v", ns)
	}
	var de *DeliveryError
	if !errors.As(error(&DeliveryError{Err: errors.New("x")}), &de) || !errors.Is(de, ErrDelivery) {
		t.Fatalf("expected DeliveryError to match ErrDelivery")
	}

	d.Start()
	d.Close()
	if ns = f.notifications(t); len(ns) != 2 {
		t.Fatalf("expected queued delivery processed on close, got %d", len(ns))
	}
}

type capturePublisher struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (p *capturePublisher) Publish(env protocol.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
}

func TestInAppPublishesToHub(t *testing.T) {
	f := newFixture(t, alerts.NotificationChannel{ID: "ch-app", Name: "console", Type: alerts.ChannelInApp, Enabled: true})
	pub := &capturePublisher{}
	d, _ := NewDispatcher(f.store, f.store, WithSender(alerts.ChannelInApp, NewInAppSender(pub)))
	d.Start()
	d.Dispatch(context.Background(), f.alert, f.rule, protocol.TypeAlertReactivated)
	d.Close()

	if len(pub.envs) != 1 || pub.envs[0].Type != protocol.TypeNotificationInApp {
		t.Fatalf("expected notification:in_app envelope, got %+v", pub.envs)
	}
	data, ok := pub.envs[0].Data.(*protocol.InAppNotification)
	if !ok || data.ChannelName != "console" || !strings.Contains(data.Title, "REACTIVATED") {
		t.Fatalf("unexpected in-app payload: %+v", pub.envs[0].Data)
	}
}

func TestEmailSenderRendersMessage(t *testing.T) {
	var gotAddr string
	var gotTo []string
	var gotBody string
	sender := NewEmailSender(SMTPConfig{Host: "smtp.example", Port: 2525, From: "alerts@example"})
	sender.sendMail = func(addr string, _ smtp.Auth, _ string, to []string, msg []byte) error {
		gotAddr, gotTo, gotBody = addr, to, string(msg)
		return nil
	}
	ch := alerts.NotificationChannel{ID: "ch-mail", Type: alerts.ChannelEmail, Config: map[string]string{"to": "a@example, b@example"}}
	err := sender.Send(context.Background(), ch, Message{Title: "[HIGH] CPU\nhigh", Text: "line1\nline2"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if gotAddr != "smtp.example:2525" || len(gotTo) != 2 {
		t.Fatalf("unexpected envelope %s %v", gotAddr, gotTo)
	}
	if !strings.Contains(gotBody, "Subject: [HIGH] CPU high\r\n") || !strings.Contains(gotBody, "line1\r\nline2") {
		t.Fatalf("unexpected body %q", gotBody)
	}

	if err := NewEmailSender(SMTPConfig{}).Send(context.Background(), ch, Message{}); err == nil {
		t.Fatalf("expected error without smtp host")
	}
}

func TestDispatchAfterCloseIsDropped(t *testing.T) {
	f := newFixture(t, alerts.NotificationChannel{ID: "ch-app", Name: "console", Type: alerts.ChannelInApp, Enabled: true})
	pub := &capturePublisher{}
	d, _ := NewDispatcher(f.store, f.store, WithSender(alerts.ChannelInApp, NewInAppSender(pub)))
	d.Start()
	d.Close()
	d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Dispatch(context.Background(), f.alert, f.rule, protocol.TypeAlertFired)
		}()
	}
	wg.Wait()
	if ns := f.notifications(t); len(ns) != 0 {
		t.Fatalf("expected no notifications after close, got %+v", ns)
	}
	if len(pub.envs) != 0 {
		t.Fatalf("expected nothing published after close, got %d", len(pub.envs))
	}
}
