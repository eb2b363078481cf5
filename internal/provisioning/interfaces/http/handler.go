package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"fleet-telemetry/internal/audit"
	provisioning "fleet-telemetry/internal/provisioning/application"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const maxDocumentBytes = 1 << 20

// Handler applies a provisioning document posted at runtime.
type Handler struct {
	service     *provisioning.Service
	auditLogger audit.Logger
	logger      *zap.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *provisioning.Service, auditLogger audit.Logger, logger *zap.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("provisioning handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, auditLogger: auditLogger, logger: logger}, nil
}

// ServeHTTP handles POST /api/v1/provisioning with a YAML or JSON body.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	doc, err := provisioning.Parse(http.MaxBytesReader(w, r.Body, maxDocumentBytes))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctx := audit.WithRequest(r.Context(), r)
	summary, err := h.service.Apply(ctx, doc)
	if err != nil {
		if errors.Is(err, telemetry.ErrValidation) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Warn("provisioning handler: apply failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}

	audit.Record(ctx, h.auditLogger, h.logger, audit.Entry{
		Action:       "provisioning.apply",
		ResourceType: "provisioning",
		UserAgent:    r.UserAgent(),
	}, summary)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}
