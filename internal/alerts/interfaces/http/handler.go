package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	alertapp "fleet-telemetry/internal/alerts/application"
	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/audit"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const (
	maxBodyBytes = 256 * 1024
	maxListLimit = 1000
)

// Handler provides alert rule, channel, alert and notification endpoints.
type Handler struct {
	service *alertapp.Service
	logger  *zap.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *alertapp.Service, logger *zap.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{service: service, logger: logger}, nil
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/v1/alert-rules", h)
	mux.Handle("/api/v1/alert-rules/", h)
	mux.Handle("/api/v1/notification-channels", h)
	mux.Handle("/api/v1/notification-channels/", h)
	mux.Handle("/api/v1/alerts", h)
	mux.Handle("/api/v1/alerts/", h)
	mux.Handle("/api/v1/alert-notifications", h)
}

// ServeHTTP dispatches on the resource prefix.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	r = r.WithContext(audit.WithRequest(r.Context(), r))
	path := strings.TrimSuffix(r.URL.Path, "/")
	switch {
	case path == "/api/v1/alert-rules":
		h.handleRules(w, r)
	case strings.HasPrefix(path, "/api/v1/alert-rules/"):
		h.handleRule(w, r, strings.TrimPrefix(path, "/api/v1/alert-rules/"))
	case path == "/api/v1/notification-channels":
		h.handleChannels(w, r)
	case strings.HasPrefix(path, "/api/v1/notification-channels/"):
		h.handleChannel(w, r, strings.TrimPrefix(path, "/api/v1/notification-channels/"))
	case path == "/api/v1/alerts":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleListAlerts(w, r)
	case strings.HasPrefix(path, "/api/v1/alerts/"):
		h.handleAlert(w, r, strings.TrimPrefix(path, "/api/v1/alerts/"))
	case path == "/api/v1/alert-notifications":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleNotifications(w, r, "")
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		filter := alerts.RuleFilter{
			Type:       alerts.RuleType(r.URL.Query().Get("type")),
			InstanceID: r.URL.Query().Get("instanceId"),
		}
		if raw := r.URL.Query().Get("enabled"); raw != "" {
			enabled, err := strconv.ParseBool(raw)
			if err != nil {
				http.Error(w, "enabled must be a boolean", http.StatusBadRequest)
				return
			}
			filter.Enabled = &enabled
		}
		rules, err := h.service.ListRules(r.Context(), filter)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rules": rules})
	case http.MethodPost:
		var rule alerts.AlertRule
		if err := decodeBody(w, r, &rule); err != nil {
			h.writeError(w, err)
			return
		}
		created, err := h.service.CreateRule(r.Context(), rule)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleRule(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "channels" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.handleRuleChannels(w, r, id)
		return
	}
	switch r.Method {
	case http.MethodGet:
		rule, err := h.service.GetRule(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rule)
	case http.MethodPut:
		var rule alerts.AlertRule
		if err := decodeBody(w, r, &rule); err != nil {
			h.writeError(w, err)
			return
		}
		updated, err := h.service.UpdateRule(r.Context(), id, rule)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := h.service.DeleteRule(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

type ruleChannelsRequest struct {
	ChannelIDs []string `json:"channelIds"`
}

func (h *Handler) handleRuleChannels(w http.ResponseWriter, r *http.Request, ruleID string) {
	var (
		channels []alerts.NotificationChannel
		err      error
	)
	switch r.Method {
	case http.MethodGet:
		channels, err = h.service.RuleChannels(r.Context(), ruleID)
	case http.MethodPut:
		var req ruleChannelsRequest
		if err := decodeBody(w, r, &req); err != nil {
			h.writeError(w, err)
			return
		}
		channels, err = h.service.SetRuleChannels(r.Context(), ruleID, req.ChannelIDs)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ruleId": ruleID, "channels": channels})
}

func (h *Handler) handleChannels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		channels, err := h.service.ListChannels(r.Context())
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
	case http.MethodPost:
		var channel alerts.NotificationChannel
		if err := decodeBody(w, r, &channel); err != nil {
			h.writeError(w, err)
			return
		}
		created, err := h.service.CreateChannel(r.Context(), channel)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleChannel(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" || strings.Contains(id, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodGet:
		channel, err := h.service.GetChannel(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, channel)
	case http.MethodPut:
		var channel alerts.NotificationChannel
		if err := decodeBody(w, r, &channel); err != nil {
			h.writeError(w, err)
			return
		}
		updated, err := h.service.UpdateChannel(r.Context(), id, channel)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	case http.MethodDelete:
		if err := h.service.DeleteChannel(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	filter, err := alertFilterFromQuery(r)
	if err != nil {
		h.writeError(w, err)
		return
	}
	list, err := h.service.ListAlerts(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list})
}

type silenceRequest struct {
	Until       string `json:"until"`
	DurationSec int64  `json:"durationSec"`
}

func (h *Handler) handleAlert(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	id := parts[0]
	if id == "" || len(parts) > 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		alert, err := h.service.GetAlert(r.Context(), id)
		if err != nil {
			h.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alert)
		return
	}

	action := parts[1]
	if action == "notifications" {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if _, err := h.service.GetAlert(r.Context(), id); err != nil {
			h.writeError(w, err)
			return
		}
		h.handleNotifications(w, r, id)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var (
		alert *alerts.Alert
		err   error
	)
	switch action {
	case "ack", "acknowledge":
		alert, err = h.service.Acknowledge(r.Context(), id)
	case "resolve":
		alert, err = h.service.Resolve(r.Context(), id)
	case "silence":
		var until time.Time
		until, err = h.silenceUntil(w, r)
		if err == nil {
			alert, err = h.service.Silence(r.Context(), id, until)
		}
	case "unsilence":
		alert, err = h.service.Unsilence(r.Context(), id)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alert)
}

func (h *Handler) silenceUntil(w http.ResponseWriter, r *http.Request) (time.Time, error) {
	var req silenceRequest
	if err := decodeBody(w, r, &req); err != nil {
		return time.Time{}, err
	}
	switch {
	case req.Until != "":
		until, err := time.Parse(time.RFC3339Nano, req.Until)
		if err != nil {
			return time.Time{}, telemetry.NewValidationError("until", "must be RFC3339")
		}
		return until.UTC(), nil
	case req.DurationSec > 0:
		return time.Now().UTC().Add(time.Duration(req.DurationSec) * time.Second), nil
	default:
		return time.Time{}, telemetry.NewValidationError("until", "until or durationSec is required")
	}
}

func (h *Handler) handleNotifications(w http.ResponseWriter, r *http.Request, alertID string) {
	q := r.URL.Query()
	filter := alerts.NotificationFilter{AlertID: alertID, ChannelID: q.Get("channelId")}
	if alertID == "" {
		filter.AlertID = q.Get("alertId")
	}
	if raw := q.Get("success"); raw != "" {
		success, err := strconv.ParseBool(raw)
		if err != nil {
			h.writeError(w, telemetry.NewValidationError("success", "must be a boolean"))
			return
		}
		filter.Success = &success
	}
	var err error
	if filter.From, err = optionalTime(q.Get("from"), "from"); err != nil {
		h.writeError(w, err)
		return
	}
	if filter.To, err = optionalTime(q.Get("to"), "to"); err != nil {
		h.writeError(w, err)
		return
	}
	if filter.Limit, err = optionalLimit(q.Get("limit")); err != nil {
		h.writeError(w, err)
		return
	}
	list, err := h.service.ListNotifications(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

func alertFilterFromQuery(r *http.Request) (alerts.AlertFilter, error) {
	q := r.URL.Query()
	filter := alerts.AlertFilter{
		RuleID:     q.Get("ruleId"),
		InstanceID: q.Get("instanceId"),
		Severity:   alerts.Severity(q.Get("severity")),
	}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				filter.Statuses = append(filter.Statuses, alerts.Status(st))
			}
		}
	}
	var err error
	if filter.From, err = optionalTime(q.Get("from"), "from"); err != nil {
		return filter, err
	}
	if filter.To, err = optionalTime(q.Get("to"), "to"); err != nil {
		return filter, err
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		return filter, telemetry.NewValidationError("to", "must be after from")
	}
	filter.Limit, err = optionalLimit(q.Get("limit"))
	return filter, err
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, telemetry.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, alerts.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, alerts.ErrInvalidTransition), errors.Is(err, alerts.ErrOpenAlertExists), errors.Is(err, alerts.ErrConflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		h.logger.Warn("alerts handler: request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return telemetry.NewValidationError("body", "invalid json: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func optionalTime(value, field string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, telemetry.NewValidationError(field, "must be RFC3339 or epoch milliseconds")
	}
	return t.UTC(), nil
}

func optionalLimit(value string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, telemetry.NewValidationError("limit", "must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
