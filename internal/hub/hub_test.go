package hub

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"time"

	"fleet-telemetry/internal/protocol"
)

func metricsEnvelope(instanceID string) protocol.Envelope {
	cpu := 42.0
	return protocol.Envelope{
		Channel:    protocol.ChannelMetrics,
		Type:       protocol.TypeMetricsUpdate,
		InstanceID: instanceID,
		Timestamp:  time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC),
		Data:       &protocol.MetricsUpdate{CPUPercent: &cpu},
	}
}

func receive(t *testing.T, sub *Subscriber) protocol.Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		return env
	case <-time.After(time.Second):
		t.Fatalf("expected envelope for %s", sub.ID())
	}
	return protocol.Envelope{}
}

func TestPublishFansOutIdentically(t *testing.T) {
	h := New()
	subs := []*Subscriber{h.Subscribe("inst-a"), h.Subscribe("inst-a"), h.Subscribe("inst-a")}
	env := metricsEnvelope("inst-a")
	h.Publish(env)

	for _, sub := range subs {
		got := receive(t, sub)
		if !reflect.DeepEqual(got, env) {
			t.Fatalf("expected identical envelope, got %+v", got)
		}
	}
}

func TestFilterNarrowsDelivery(t *testing.T) {
	h := New()
	all := h.Subscribe()
	onlyB := h.Subscribe("inst-b")

	h.Publish(metricsEnvelope("inst-a"))
	receive(t, all)
	select {
	case env := <-onlyB.C():
		t.Fatalf("expected no delivery for filtered session, got %s", env.InstanceID)
	default:
	}

	fleetWide := protocol.Envelope{Channel: protocol.ChannelEvents, Type: protocol.TypeAlertFired}
	h.Publish(fleetWide)
	if got := receive(t, onlyB); got.Type != protocol.TypeAlertFired {
		t.Fatalf("expected fleet-wide envelope, got %s", got.Type)
	}

	onlyB.Unsubscribe()
	h.Publish(metricsEnvelope("inst-a"))
	if got := receive(t, onlyB); got.InstanceID != "inst-a" {
		t.Fatalf("expected cleared filter to receive inst-a, got %s", got.InstanceID)
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := New(WithBuffer(1))
	slow := h.Subscribe()
	fast := h.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Publish(metricsEnvelope("inst-a"))
			<-fast.C()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected publish to proceed past a full subscriber")
	}
	if len(slow.C()) != 1 {
		t.Fatalf("expected slow subscriber buffer full with 1, got %d", len(slow.C()))
	}
}

type failingMirror struct{ calls int }

func (m *failingMirror) Mirror(protocol.Envelope) error {
	m.calls++
	return errors.New("bus down")
}

func TestMirrorFailureDoesNotAffectDelivery(t *testing.T) {
	mirror := &failingMirror{}
	h := New(WithMirror(mirror))
	sub := h.Subscribe()
	h.Publish(metricsEnvelope("inst-a"))
	receive(t, sub)
	if mirror.calls != 1 {
		t.Fatalf("expected mirror called once, got %d", mirror.calls)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	h := New()
	sub := h.Subscribe()
	h.Unsubscribe(sub)
	h.Unsubscribe(sub)
	if _, ok := <-sub.C(); ok {
		t.Fatalf("expected closed channel")
	}
	if h.Len() != 0 {
		t.Fatalf("expected no sessions, got %d", h.Len())
	}
}

func TestSubject(t *testing.T) {
	got := Subject("fleet", metricsEnvelope("web.01"))
	if got != "fleet.metrics.web_01" {
		t.Fatalf("expected fleet.metrics.web_01, got %s", got)
	}
	got = Subject("fleet", protocol.Envelope{Channel: protocol.ChannelEvents})
	if got != "fleet.events.fleet" {
		t.Fatalf("expected fleet.events.fleet, got %s", got)
	}
}

func TestStreamHandlerWritesEvents(t *testing.T) {
	h := New()
	server := httptest.NewServer(NewStreamHandler(h, nil))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"?instanceId=inst-a", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %s", ct)
	}

	reader := bufio.NewReader(resp.Body)
	ready, _ := reader.ReadString('\n')
	if !strings.HasPrefix(ready, "event: ready") {
		t.Fatalf("expected ready event, got %q", ready)
	}
	_, _ = reader.ReadString('\n')
	_, _ = reader.ReadString('\n')

	deadline := time.Now().Add(time.Second)
	for h.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.Publish(metricsEnvelope("inst-a"))

	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	if strings.TrimSpace(line) != "event: "+protocol.TypeMetricsUpdate {
		t.Fatalf("expected metrics event, got %q", line)
	}
	data, _ := reader.ReadString('\n')
	if !strings.Contains(data, `"instanceId":"inst-a"`) {
		t.Fatalf("expected instance in data, got %q", data)
	}
}
