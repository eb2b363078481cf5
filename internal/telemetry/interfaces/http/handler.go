package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleet-telemetry/internal/audit"
	"fleet-telemetry/internal/protocol"
	"fleet-telemetry/internal/telemetry/application"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

// InstanceLister reports liveness of every known instance.
type InstanceLister interface {
	Snapshot() []application.InstanceStatus
}

// CommandDispatcher delivers a command to a connected agent.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, instanceID string, cmd protocol.CommandDispatch) (string, error)
}

// Handler serves the query API, the events listing and instance endpoints.
type Handler struct {
	query     *application.QueryService
	events    telemetry.EventRepository
	instances InstanceLister
	commands  CommandDispatcher
	offline   error
	audit     audit.Logger
	logger    *zap.Logger
}

// Option configures the handler.
type Option func(*Handler)

// WithCommands enables POST /api/v1/instances/{id}/commands. offline is the
// error the dispatcher returns for a disconnected instance.
func WithCommands(commands CommandDispatcher, offline error) Option {
	return func(h *Handler) {
		h.commands = commands
		h.offline = offline
	}
}

// WithAudit records dispatched commands.
func WithAudit(logger audit.Logger) Option {
	return func(h *Handler) { h.audit = logger }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a handler.
func NewHandler(query *application.QueryService, events telemetry.EventRepository, instances InstanceLister, opts ...Option) (*Handler, error) {
	if query == nil {
		return nil, errors.New("telemetry handler: nil query service")
	}
	if events == nil {
		return nil, errors.New("telemetry handler: nil event repository")
	}
	if instances == nil {
		return nil, errors.New("telemetry handler: nil instance lister")
	}
	h := &Handler{query: query, events: events, instances: instances, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/metrics/timeseries", h.get(h.handleTimeSeries))
	mux.HandleFunc("/api/v1/metrics/aggregate", h.get(h.handleAggregate))
	mux.HandleFunc("/api/v1/metrics/latest", h.get(h.handleLatest))
	mux.HandleFunc("/api/v1/metrics/fleet-rollup", h.get(h.handleFleet))
	mux.HandleFunc("/api/v1/events", h.get(h.handleEvents))
	mux.HandleFunc("/api/v1/instances", h.get(h.handleInstances))
	mux.HandleFunc("/api/v1/instances/", h.handleInstanceAction)
}

func (h *Handler) get(fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		fn(w, r)
	}
}

type timeSeriesResponse struct {
	InstanceID  string               `json:"instanceId,omitempty"`
	Granularity telemetry.Resolution `json:"granularity"`
	From        time.Time            `json:"from"`
	To          time.Time            `json:"to"`
	Points      []telemetry.Point    `json:"points"`
}

func (h *Handler) handleTimeSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"), "from")
	if err != nil {
		h.writeError(w, err)
		return
	}
	to, err := parseTimeParam(q.Get("to"), "to")
	if err != nil {
		h.writeError(w, err)
		return
	}
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	res := telemetry.ResolutionRaw
	if raw := q.Get("granularity"); raw != "" {
		res, err = telemetry.ParseResolution(raw)
		if err != nil {
			h.writeError(w, telemetry.NewValidationError("granularity", "unsupported value %q", raw))
			return
		}
	}
	instanceID := strings.TrimSpace(q.Get("instanceId"))
	points, err := h.query.TimeSeries(r.Context(), application.TimeSeriesQuery{
		InstanceID: instanceID,
		From:       from,
		To:         to,
		Resolution: res,
		Limit:      limit,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timeSeriesResponse{
		InstanceID:  instanceID,
		Granularity: res,
		From:        from,
		To:          to,
		Points:      points,
	})
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := parseTimeParam(q.Get("from"), "from")
	if err != nil {
		h.writeError(w, err)
		return
	}
	to, err := parseTimeParam(q.Get("to"), "to")
	if err != nil {
		h.writeError(w, err)
		return
	}
	result, err := h.query.Aggregate(r.Context(), q.Get("instanceId"), from, to, listParam(r, "metrics"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	ids := append(listParam(r, "instanceIds"), listParam(r, "instanceId")...)
	snapshots, err := h.query.Latest(r.Context(), ids)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instances": snapshots})
}

func (h *Handler) handleFleet(w http.ResponseWriter, r *http.Request) {
	fleet, err := h.query.Fleet(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, fleet)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := telemetry.EventFilter{
		InstanceID: strings.TrimSpace(q.Get("instanceId")),
		Type:       strings.TrimSpace(q.Get("type")),
		Limit:      defaultEventLimit,
	}
	var err error
	if raw := q.Get("from"); raw != "" {
		if filter.From, err = parseTimeParam(raw, "from"); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if raw := q.Get("to"); raw != "" {
		if filter.To, err = parseTimeParam(raw, "to"); err != nil {
			h.writeError(w, err)
			return
		}
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && !filter.To.After(filter.From) {
		h.writeError(w, telemetry.NewValidationError("to", "must be after from"))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, telemetry.NewValidationError("limit", "must be a positive integer"))
			return
		}
		if n > maxEventLimit {
			n = maxEventLimit
		}
		filter.Limit = n
	}
	events, err := h.events.ListEvents(r.Context(), filter)
	if err != nil {
		h.writeError(w, telemetry.WrapStore("list events", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (h *Handler) handleInstances(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"instances": h.instances.Snapshot()})
}

type commandRequest struct {
	Command string            `json:"command"`
	Args    map[string]string `json:"args,omitempty"`
}

// handleInstanceAction serves POST /api/v1/instances/{id}/commands.
func (h *Handler) handleInstanceAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/instances/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "commands" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.commands == nil {
		http.Error(w, "commands unavailable", http.StatusServiceUnavailable)
		return
	}
	instanceID := parts[0]

	var req commandRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
		h.writeError(w, telemetry.NewValidationError("body", "invalid json"))
		return
	}
	req.Command = strings.TrimSpace(req.Command)
	if req.Command == "" {
		h.writeError(w, telemetry.NewValidationError("command", "required"))
		return
	}
	ctx := audit.WithRequest(r.Context(), r)
	commandID, err := h.commands.Dispatch(ctx, instanceID, protocol.CommandDispatch{Command: req.Command, Args: req.Args})
	if err != nil {
		if h.offline != nil && errors.Is(err, h.offline) {
			http.Error(w, "instance offline", http.StatusConflict)
			return
		}
		h.logger.Warn("telemetry handler: command dispatch failed",
			zap.String("instance_id", instanceID), zap.Error(err))
		http.Error(w, "command not dispatched", http.StatusServiceUnavailable)
		return
	}
	audit.Record(ctx, h.audit, h.logger, audit.Entry{
		Action:       "command.dispatch",
		ResourceType: "command",
		ResourceID:   commandID,
		InstanceID:   instanceID,
		UserAgent:    r.UserAgent(),
	}, req)
	writeJSON(w, http.StatusAccepted, map[string]string{"commandId": commandID, "instanceId": instanceID})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, telemetry.ErrValidation), errors.Is(err, telemetry.ErrInvalidResolution):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, telemetry.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		h.logger.Warn("telemetry handler: request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// parseTimeParam accepts RFC3339 or epoch milliseconds.
func parseTimeParam(value, field string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, telemetry.NewValidationError(field, "required")
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, telemetry.NewValidationError(field, "must be RFC3339 or epoch milliseconds")
	}
	return parsed.UTC(), nil
}

func parseLimit(value string) (int, error) {
	if value == "" {
		return application.DefaultQueryLimit, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n <= 0 {
		return 0, telemetry.NewValidationError("limit", "must be a positive integer")
	}
	if n > application.MaxQueryLimit {
		return 0, telemetry.NewValidationError("limit", "must not exceed %d", application.MaxQueryLimit)
	}
	return n, nil
}

// listParam collects key, key[] and comma separated values.
func listParam(r *http.Request, key string) []string {
	q := r.URL.Query()
	var out []string
	for _, raw := range append(q[key], q[key+"[]"]...) {
		for _, v := range strings.Split(raw, ",") {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}
