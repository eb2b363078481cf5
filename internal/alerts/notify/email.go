package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
)

// SMTPConfig configures the EMAIL sender.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailSender delivers plain-text mail through an SMTP relay.
type EmailSender struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	now      func() time.Time
}

// NewEmailSender constructs an email sender.
func NewEmailSender(cfg SMTPConfig) *EmailSender {
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	return &EmailSender{cfg: cfg, sendMail: smtp.SendMail, now: time.Now}
}

// Send implements Sender. net/smtp has no context support, so the send runs
// in a goroutine and ctx bounds how long the dispatcher waits for it.
func (e *EmailSender) Send(ctx context.Context, channel alerts.NotificationChannel, msg Message) error {
	if e.cfg.Host == "" {
		return errors.New("email: smtp host not configured")
	}
	to := splitAddresses(channel.Config["to"])
	if len(to) == 0 {
		return errors.New("email: no recipients")
	}
	from := e.cfg.From
	if from == "" {
		from = e.cfg.Username
	}
	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}
	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	body := e.render(from, to, msg)

	done := make(chan error, 1)
	go func() { done <- e.sendMail(addr, auth, from, to, body) }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *EmailSender) render(from string, to []string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", sanitizeHeader(msg.Title))
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Text, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}

func splitAddresses(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(v)
}
