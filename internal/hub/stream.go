package hub

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"fleet-telemetry/internal/protocol"
)

// StreamHandler serves the hub as server-sent events.
type StreamHandler struct {
	hub    *Hub
	logger *zap.Logger
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(hub *Hub, logger *zap.Logger) *StreamHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamHandler{hub: hub, logger: logger}
}

// ServeHTTP handles GET /api/v1/stream?instanceId=a&instanceId=b.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.hub == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.hub.Subscribe(instanceIDs(r)...)
	defer h.hub.Unsubscribe(sub)

	_, _ = w.Write([]byte("event: ready\ndata: {}\n\n"))
	flusher.Flush()

	done := r.Context().Done()
	for {
		select {
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := protocol.JSON.Encode(env)
			if err != nil {
				h.logger.Warn("hub stream: encode failed", zap.String("type", env.Type), zap.Error(err))
				continue
			}
			_, _ = w.Write([]byte("event: " + env.Type + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-done:
			return
		}
	}
}

func instanceIDs(r *http.Request) []string {
	var out []string
	for _, raw := range r.URL.Query()["instanceId"] {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				out = append(out, id)
			}
		}
	}
	return out
}
