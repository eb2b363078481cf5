package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleet-telemetry/internal/alerts/export"
	"fleet-telemetry/internal/observability/metrics"
)

const exportLimit = 10000

// ExportHandler serves /api/v1/exports/alerts.{csv,xlsx,pdf}.
type ExportHandler struct {
	handler *Handler
}

// NewExportHandler shares the alert service of h.
func NewExportHandler(h *Handler) *ExportHandler {
	return &ExportHandler{handler: h}
}

var exportFormats = map[string]struct {
	contentType string
	build       func(export.Report) ([]byte, error)
}{
	"csv":  {"text/csv; charset=utf-8", export.BuildAlertsCSV},
	"xlsx": {"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", export.BuildAlertsXLSX},
	"pdf":  {"application/pdf", export.BuildAlertsPDF},
}

// ServeHTTP renders the filtered alert history in the requested format.
func (e *ExportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v1/exports/")
	format := strings.TrimPrefix(name, "alerts.")
	out, ok := exportFormats[format]
	if !ok || !strings.HasPrefix(name, "alerts.") {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	start := time.Now()
	filter, err := alertFilterFromQuery(r)
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		e.handler.writeError(w, err)
		return
	}
	if filter.Limit == 0 {
		filter.Limit = exportLimit
	}
	list, err := e.handler.service.ListAlerts(r.Context(), filter)
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		e.handler.writeError(w, err)
		return
	}
	body, err := out.build(export.Report{
		From:        filter.From,
		To:          filter.To,
		GeneratedAt: time.Now().UTC(),
		Alerts:      list,
	})
	if err != nil {
		metrics.ObserveExport(format, metrics.ResultError, time.Since(start))
		e.handler.logger.Error("alerts export: render failed", zap.String("format", format), zap.Error(err))
		http.Error(w, "export failed", http.StatusInternalServerError)
		return
	}
	metrics.ObserveExport(format, metrics.ResultSuccess, time.Since(start))
	w.Header().Set("Content-Type", out.contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "alerts-"+time.Now().UTC().Format("20060102-150405")+"."+format))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
