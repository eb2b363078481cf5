package notify

import (
	"context"
	"encoding/json"

	alerts "fleet-telemetry/internal/alerts/domain"
)

// Message is one rendered notification for one alert transition.
type Message struct {
	Event string            `json:"event"`
	Title string            `json:"title"`
	Text  string            `json:"text"`
	Alert alerts.Alert      `json:"alert"`
	Rule  alerts.AlertRule  `json:"-"`
	Links map[string]string `json:"links,omitempty"`
}

// Snapshot is the payload recorded on the AlertNotification row.
func (m Message) Snapshot() json.RawMessage {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	return raw
}

// Sender delivers a message to one channel of its type.
type Sender interface {
	Send(ctx context.Context, channel alerts.NotificationChannel, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, channel alerts.NotificationChannel, msg Message) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, channel alerts.NotificationChannel, msg Message) error {
	return f(ctx, channel, msg)
}
