package alerts

import (
	"encoding/json"
	"strings"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// ChannelType names a notification sink kind.
type ChannelType string

const (
	ChannelWebhook ChannelType = "WEBHOOK"
	ChannelSlack   ChannelType = "SLACK"
	ChannelEmail   ChannelType = "EMAIL"
	ChannelInApp   ChannelType = "IN_APP"
)

// Valid returns true when the channel type is supported.
func (t ChannelType) Valid() bool {
	switch t {
	case ChannelWebhook, ChannelSlack, ChannelEmail, ChannelInApp:
		return true
	default:
		return false
	}
}

// NotificationChannel is a named sink with type-specific config.
//
// Config keys:
//   - WEBHOOK: url (required), secret (optional HMAC-SHA256 signing key)
//   - SLACK: webhookUrl (required), channel (optional)
//   - EMAIL: to (required, comma separated)
//   - IN_APP: none
type NotificationChannel struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Type      ChannelType       `json:"type"`
	Config    map[string]string `json:"config"`
	Enabled   bool              `json:"enabled"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// Normalize upper-cases the type and trims the name.
func (c *NotificationChannel) Normalize() {
	c.Name = strings.TrimSpace(c.Name)
	c.Type = ChannelType(strings.ToUpper(strings.TrimSpace(string(c.Type))))
	if c.Config == nil {
		c.Config = map[string]string{}
	}
}

// Validate checks channel invariants.
func (c NotificationChannel) Validate() error {
	if c.ID == "" {
		return telemetry.NewValidationError("id", "required")
	}
	if c.Name == "" {
		return telemetry.NewValidationError("name", "required")
	}
	if !c.Type.Valid() {
		return telemetry.NewValidationError("type", "unsupported channel type %q", c.Type)
	}
	required := map[ChannelType]string{
		ChannelWebhook: "url",
		ChannelSlack:   "webhookUrl",
		ChannelEmail:   "to",
	}
	if key, ok := required[c.Type]; ok && strings.TrimSpace(c.Config[key]) == "" {
		return telemetry.NewValidationError("config."+key, "required for %s", c.Type)
	}
	return nil
}

// RedactedSecret replaces secret config values in API responses.
const RedactedSecret = "********"

// Redacted hides secrets for API responses.
func (c NotificationChannel) Redacted() NotificationChannel {
	out := c
	out.Config = make(map[string]string, len(c.Config))
	for k, v := range c.Config {
		if strings.EqualFold(k, "secret") {
			v = RedactedSecret
		}
		out.Config[k] = v
	}
	return out
}

// AlertNotification records one delivery attempt. Rows are append-only.
type AlertNotification struct {
	ID          string          `json:"id"`
	AlertID     string          `json:"alertId"`
	ChannelID   string          `json:"channelId"`
	ChannelType ChannelType     `json:"channelType"`
	Event       string          `json:"event"`
	SentAt      time.Time       `json:"sentAt"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// NotificationFilter narrows notification listings.
type NotificationFilter struct {
	AlertID   string
	ChannelID string
	Success   *bool
	From      time.Time
	To        time.Time
	Limit     int
}
