package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"fleet-telemetry/internal/audit"
	"fleet-telemetry/internal/protocol"
	"fleet-telemetry/internal/telemetry/application"
	telemetry "fleet-telemetry/internal/telemetry/domain"
	"fleet-telemetry/internal/telemetry/infrastructure/memory"
)

var errOffline = errors.New("offline")

type stubInstances []application.InstanceStatus

func (s stubInstances) Snapshot() []application.InstanceStatus { return s }

type stubDispatcher struct {
	online map[string]bool
	sent   []protocol.CommandDispatch
}

func (d *stubDispatcher) Dispatch(_ context.Context, instanceID string, cmd protocol.CommandDispatch) (string, error) {
	if !d.online[instanceID] {
		return "", errOffline
	}
	d.sent = append(d.sent, cmd)
	return "cmd-1", nil
}

func newTestMux(t *testing.T, store *memory.Store, dispatcher *stubDispatcher, auditLog audit.Logger) *http.ServeMux {
	t.Helper()
	query, err := application.NewQueryService(store, store)
	if err != nil {
		t.Fatalf("query service: %v", err)
	}
	instances := stubInstances{{InstanceID: "A", Connected: true}}
	handler, err := NewHandler(query, store, instances, WithCommands(dispatcher, errOffline), WithAudit(auditLog))
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	return mux
}

func seedSamples(t *testing.T, store *memory.Store, start time.Time, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.InsertSample(context.Background(), telemetry.MetricSample{
			InstanceID: "A",
			Timestamp:  start.Add(time.Duration(i) * time.Second),
			CPUPercent: float64(i),
			MemUsed:    1,
			MemTotal:   2,
			DiskUsed:   1,
			DiskTotal:  2,
		})
		if err != nil {
			t.Fatalf("insert sample: %v", err)
		}
	}
}

func TestTimeSeriesEndpoint(t *testing.T) {
	store := memory.NewStore()
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	seedSamples(t, store, start, 5)
	mux := newTestMux(t, store, &stubDispatcher{}, nil)

	url := "/api/v1/metrics/timeseries?instanceId=A&from=" + start.Format(time.RFC3339) +
		"&to=" + strconv.FormatInt(start.Add(time.Minute).UnixMilli(), 10) + "&limit=3"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp timeSeriesResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(resp.Points))
	}
	if resp.Granularity != telemetry.ResolutionRaw {
		t.Fatalf("expected raw granularity, got %q", resp.Granularity)
	}
}

func TestTimeSeriesRejectsBadParams(t *testing.T) {
	mux := newTestMux(t, memory.NewStore(), &stubDispatcher{}, nil)
	cases := []string{
		"/api/v1/metrics/timeseries?to=2026-05-01T00:00:00Z",
		"/api/v1/metrics/timeseries?from=2026-05-01T01:00:00Z&to=2026-05-01T00:00:00Z",
		"/api/v1/metrics/timeseries?from=2026-05-01T00:00:00Z&to=2026-05-01T01:00:00Z&limit=501",
		"/api/v1/metrics/timeseries?from=2026-05-01T00:00:00Z&to=2026-05-01T01:00:00Z&granularity=2m",
		"/api/v1/metrics/aggregate?from=2026-05-01T00:00:00Z&to=2026-05-01T01:00:00Z&metrics=bogus",
	}
	for _, url := range cases {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", url, rec.Code)
		}
	}
}

func TestLatestAcceptsArrayParams(t *testing.T) {
	store := memory.NewStore()
	seedSamples(t, store, time.Now().UTC().Add(-time.Minute), 2)
	mux := newTestMux(t, store, &stubDispatcher{}, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics/latest?instanceIds[]=A&instanceIds[]=B", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Instances []application.Snapshot `json:"instances"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Instances) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(resp.Instances))
	}
}

func TestEventsAndInstances(t *testing.T) {
	store := memory.NewStore()
	now := time.Now().UTC()
	for i, typ := range []string{protocol.TypeHeartbeatLost, protocol.TypeHeartbeatRecovered} {
		if err := store.InsertEvent(context.Background(), telemetry.Event{
			ID: "e" + strconv.Itoa(i), InstanceID: "A", Type: typ, Timestamp: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("insert event: %v", err)
		}
	}
	mux := newTestMux(t, store, &stubDispatcher{}, nil)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/events?instanceId=A&limit=1", nil))
	var events struct {
		Events []telemetry.Event `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(events.Events) != 1 || events.Events[0].ID != "e1" {
		t.Fatalf("expected newest event only, got %+v", events.Events)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil))
	if rec.Code != http.StatusOK || !bytes.Contains(rec.Body.Bytes(), []byte(`"connected":true`)) {
		t.Fatalf("unexpected instances response %d %s", rec.Code, rec.Body.String())
	}
}

func TestCommandDispatch(t *testing.T) {
	dispatcher := &stubDispatcher{online: map[string]bool{"A": true}}
	auditLog := audit.NewMemoryLogger()
	mux := newTestMux(t, memory.NewStore(), dispatcher, auditLog)

	body := []byte(`{"command":"restart","args":{"service":"nginx"}}`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/instances/A/commands", bytes.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(dispatcher.sent) != 1 || dispatcher.sent[0].Args["service"] != "nginx" {
		t.Fatalf("unexpected dispatched commands %+v", dispatcher.sent)
	}
	if len(auditLog.Entries()) != 1 {
		t.Fatalf("expected audit entry")
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/instances/B/commands", bytes.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for offline instance, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/instances/A/commands", bytes.NewReader([]byte(`{}`))))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing command, got %d", rec.Code)
	}
}
