package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	alerts "fleet-telemetry/internal/alerts/domain"
)

type slackPayload struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

// SlackSender posts to a Slack incoming webhook.
type SlackSender struct {
	client *http.Client
}

// NewSlackSender constructs a Slack sender.
func NewSlackSender(opts ...HTTPOption) *SlackSender {
	return &SlackSender{client: newHTTPClient(opts)}
}

// Send implements Sender.
func (s *SlackSender) Send(ctx context.Context, channel alerts.NotificationChannel, msg Message) error {
	url := channel.Config["webhookUrl"]
	if url == "" {
		return errors.New("slack: empty webhookUrl")
	}
	body, err := json.Marshal(slackPayload{Text: msg.Text, Channel: channel.Config["channel"]})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return doPost(s.client, req, "slack")
}
