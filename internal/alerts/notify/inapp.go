package notify

import (
	"context"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/protocol"
)

// Publisher pushes envelopes to connected dashboards.
type Publisher interface {
	Publish(env protocol.Envelope)
}

// InAppSender publishes a notification:in_app envelope through the hub.
type InAppSender struct {
	publisher Publisher
}

// NewInAppSender constructs an in-app sender.
func NewInAppSender(publisher Publisher) *InAppSender {
	return &InAppSender{publisher: publisher}
}

// Send implements Sender.
func (s *InAppSender) Send(_ context.Context, channel alerts.NotificationChannel, msg Message) error {
	if s == nil || s.publisher == nil {
		return nil
	}
	s.publisher.Publish(protocol.Envelope{
		Channel:    protocol.ChannelEvents,
		Type:       protocol.TypeNotificationInApp,
		InstanceID: msg.Alert.InstanceID,
		Timestamp:  time.Now().UTC(),
		Data: &protocol.InAppNotification{
			AlertID:     msg.Alert.ID,
			ChannelID:   channel.ID,
			ChannelName: channel.Name,
			Title:       msg.Title,
			Body:        msg.Text,
			Severity:    string(msg.Alert.Severity),
		},
	})
	return nil
}
