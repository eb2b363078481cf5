package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleet-telemetry/internal/protocol"
)

// Sender writes an envelope to the server.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Heartbeat sends heartbeat:ping every interval, the first one immediately.
type Heartbeat struct {
	sender   Sender
	interval time.Duration
	started  time.Time
	logger   *zap.Logger
}

// NewHeartbeat constructs a heartbeat manager.
func NewHeartbeat(sender Sender, interval time.Duration, logger *zap.Logger) *Heartbeat {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heartbeat{sender: sender, interval: interval, started: time.Now(), logger: logger}
}

// Run blocks until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	h.beat()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.beat()
		}
	}
}

// Ping builds the heartbeat envelope.
func (h *Heartbeat) Ping() protocol.Envelope {
	uptime := int64(time.Since(h.started).Seconds())
	return protocol.Envelope{
		Channel: protocol.ChannelHeartbeat,
		Type:    protocol.TypeHeartbeatPing,
		Data:    &protocol.HeartbeatPing{UptimeSec: &uptime},
	}
}

func (h *Heartbeat) beat() {
	if err := h.sender.Send(h.Ping()); err != nil {
		if errors.Is(err, ErrNotConnected) {
			h.logger.Debug("agent heartbeat: skipped while disconnected")
			return
		}
		h.logger.Warn("agent heartbeat: send failed", zap.Error(err))
	}
}
