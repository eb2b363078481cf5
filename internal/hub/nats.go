package hub

import (
	"strings"

	"github.com/nats-io/nats.go"

	"fleet-telemetry/internal/protocol"
)

const defaultSubjectPrefix = "fleet"

// NATSMirror publishes every hub envelope to
// <prefix>.<channel>.<instanceId|fleet> as a JSON frame.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
}

// NewNATSMirror connects to url.
func NewNATSMirror(url, prefix string) (*NATSMirror, error) {
	conn, err := nats.Connect(url, nats.Name("fleet-telemetry"))
	if err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}
	return &NATSMirror{conn: conn, prefix: prefix}, nil
}

// Subject returns the subject for an envelope.
func (m *NATSMirror) Subject(env protocol.Envelope) string {
	return Subject(m.prefix, env)
}

// Subject builds <prefix>.<channel>.<instanceId|fleet>. NATS tokens may not
// contain dots or whitespace, so those are replaced.
func Subject(prefix string, env protocol.Envelope) string {
	instance := env.InstanceID
	if instance == "" {
		instance = "fleet"
	}
	return prefix + "." + string(env.Channel) + "." + subjectToken(instance)
}

func subjectToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '\t', '*', '>':
			return '_'
		}
		return r
	}, s)
}

// Mirror implements Mirror.
func (m *NATSMirror) Mirror(env protocol.Envelope) error {
	data, err := protocol.JSON.Encode(env)
	if err != nil {
		return err
	}
	return m.conn.Publish(m.Subject(env), data)
}

// Close drains and closes the connection.
func (m *NATSMirror) Close() {
	if m == nil || m.conn == nil {
		return
	}
	_ = m.conn.Drain()
	m.conn.Close()
}
