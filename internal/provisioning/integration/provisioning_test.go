package integration_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	alertapp "fleet-telemetry/internal/alerts/application"
	alertspostgres "fleet-telemetry/internal/alerts/infrastructure/postgres"
	"fleet-telemetry/internal/audit"
	"fleet-telemetry/internal/auth"
	"fleet-telemetry/internal/database/postgres"
	provisioning "fleet-telemetry/internal/provisioning/application"
	provisioninghttp "fleet-telemetry/internal/provisioning/interfaces/http"
)

const document = `
agents:
  - instanceId: prov-agent
    key: prov-key
channels:
  - id: prov-hook
    name: prov webhook
    type: webhook
    config:
      url: http://hooks.invalid/prov
rules:
  - id: prov-rule
    name: disk nearly full
    type: threshold
    conditions:
      metric: disk_percent
      operator: gt
      threshold: 90
    channels: [prov-hook]
`

func TestProvisioning_IdempotentPostgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	ctx := context.Background()
	db, err := postgres.Open(ctx, dsn, postgres.DefaultOptions())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	store := alertspostgres.NewStore(db)
	_ = store.DeleteRule(ctx, "prov-rule")
	_ = store.DeleteChannel(ctx, "prov-hook")

	auditRepo := audit.NewRepository(db)
	admin, err := alertapp.NewService(store, alertapp.WithAudit(auditRepo))
	if err != nil {
		t.Fatalf("alert service: %v", err)
	}
	service, err := provisioning.NewService(auth.NewAgentKeyring(), admin, nil)
	if err != nil {
		t.Fatalf("provisioning service: %v", err)
	}
	handler, err := provisioninghttp.NewHandler(service, auditRepo, nil)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/provisioning", bytes.NewReader([]byte(document))))
		if rec.Code != http.StatusOK {
			t.Fatalf("apply #%d: expected 200, got %d %s", i+1, rec.Code, rec.Body.String())
		}
	}

	channels, err := store.RuleChannels(ctx, "prov-rule")
	if err != nil {
		t.Fatalf("rule channels: %v", err)
	}
	if len(channels) != 1 || channels[0].ID != "prov-hook" {
		t.Fatalf("expected one linked channel, got %+v", channels)
	}
	rule, err := store.GetRule(ctx, "prov-rule")
	if err != nil || rule == nil {
		t.Fatalf("expected rule persisted, got %v %v", rule, err)
	}
	if rule.Severity == "" {
		t.Fatalf("expected severity default applied")
	}
}
