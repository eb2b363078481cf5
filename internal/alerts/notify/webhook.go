package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
)

const (
	HeaderSignature = "X-Fleet-Signature"
	HeaderEvent     = "X-Fleet-Event"
	HeaderTimestamp = "X-Fleet-Timestamp"
)

// HTTPOption configures HTTP based senders.
type HTTPOption func(*http.Client)

// WithHTTPClient overrides the HTTP client transport and timeout.
func WithHTTPClient(client *http.Client) HTTPOption {
	return func(c *http.Client) {
		if client != nil {
			*c = *client
		}
	}
}

func newHTTPClient(opts []HTTPOption) *http.Client {
	client := &http.Client{Timeout: 10 * time.Second}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// WebhookSender posts the message as JSON. When the channel config carries a
// secret the body is signed with HMAC-SHA256 over "<timestamp>.<body>".
type WebhookSender struct {
	client *http.Client
	now    func() time.Time
}

// NewWebhookSender constructs a webhook sender.
func NewWebhookSender(opts ...HTTPOption) *WebhookSender {
	return &WebhookSender{client: newHTTPClient(opts), now: time.Now}
}

// Send implements Sender.
func (w *WebhookSender) Send(ctx context.Context, channel alerts.NotificationChannel, msg Message) error {
	url := channel.Config["url"]
	if url == "" {
		return errors.New("webhook: empty url")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, msg.Event)
	if secret := channel.Config["secret"]; secret != "" {
		ts := fmt.Sprintf("%d", w.now().Unix())
		req.Header.Set(HeaderTimestamp, ts)
		req.Header.Set(HeaderSignature, "sha256="+Sign([]byte(secret), ts, body))
	}
	return doPost(w.client, req, "webhook")
}

// Sign computes the hex HMAC-SHA256 of "<timestamp>.<body>".
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func doPost(client *http.Client, req *http.Request, kind string) error {
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s: non-2xx response %d", kind, resp.StatusCode)
	}
	return nil
}
