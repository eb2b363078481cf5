package protocol

import (
	"errors"
	"time"
)

// Channel is one of the four logical channels multiplexed over a connection.
type Channel string

const (
	ChannelHeartbeat Channel = "heartbeat"
	ChannelMetrics   Channel = "metrics"
	ChannelEvents    Channel = "events"
	ChannelCommands  Channel = "commands"
)

// Valid reports whether the channel is known.
func (c Channel) Valid() bool {
	switch c {
	case ChannelHeartbeat, ChannelMetrics, ChannelEvents, ChannelCommands:
		return true
	default:
		return false
	}
}

const (
	TypeHeartbeatPing      = "heartbeat:ping"
	TypeHeartbeatLost      = "heartbeat:lost"
	TypeHeartbeatRecovered = "heartbeat:recovered"

	TypeMetricsUpdate = "metrics:update"

	TypeEventInstance = "event:instance"
	TypeEventSecurity = "event:security"
	TypeEventCost     = "event:cost"

	TypeAlertFired        = "alert:fired"
	TypeAlertAcknowledged = "alert:acknowledged"
	TypeAlertResolved     = "alert:resolved"
	TypeAlertSilenced     = "alert:silenced"
	TypeAlertReactivated  = "alert:reactivated"
	TypeNotificationInApp = "notification:in_app"

	TypeCommandDispatch   = "command:dispatch"
	TypeCommandResult     = "command:result"
	TypeClientSubscribe   = "client:subscribe"
	TypeClientUnsubscribe = "client:unsubscribe"
)

var (
	// ErrUnknownType is returned when (channel, type) is not a registered tag.
	ErrUnknownType = errors.New("protocol: unknown envelope type")
	// ErrMalformed is returned when a frame cannot be decoded.
	ErrMalformed = errors.New("protocol: malformed envelope")
)

// Envelope is the transport unit. Data holds the concrete payload for the
// (Channel, Type) tag: *HeartbeatPing, *MetricsUpdate, *EventData, and so on.
type Envelope struct {
	Channel    Channel
	Type       string
	InstanceID string
	// Timestamp is zero when the sender omitted it.
	Timestamp time.Time
	Data      any
}

type payloadFactory func() any

var registry = map[Channel]map[string]payloadFactory{
	ChannelHeartbeat: {
		TypeHeartbeatPing:      func() any { return &HeartbeatPing{} },
		TypeHeartbeatLost:      func() any { return &HeartbeatStatus{} },
		TypeHeartbeatRecovered: func() any { return &HeartbeatStatus{} },
	},
	ChannelMetrics: {
		TypeMetricsUpdate: func() any { return &MetricsUpdate{} },
	},
	ChannelEvents: {
		TypeEventInstance:     func() any { return &EventData{} },
		TypeEventSecurity:     func() any { return &EventData{} },
		TypeEventCost:         func() any { return &EventData{} },
		TypeAlertFired:        func() any { return &AlertTransition{} },
		TypeAlertAcknowledged: func() any { return &AlertTransition{} },
		TypeAlertResolved:     func() any { return &AlertTransition{} },
		TypeAlertSilenced:     func() any { return &AlertTransition{} },
		TypeAlertReactivated:  func() any { return &AlertTransition{} },
		TypeNotificationInApp: func() any { return &InAppNotification{} },
	},
	ChannelCommands: {
		TypeCommandDispatch:   func() any { return &CommandDispatch{} },
		TypeCommandResult:     func() any { return &CommandResult{} },
		TypeClientSubscribe:   func() any { return &Subscription{} },
		TypeClientUnsubscribe: func() any { return &Subscription{} },
	},
}

var agentTags = map[string]struct{}{
	TypeHeartbeatPing: {},
	TypeMetricsUpdate: {},
	TypeEventInstance: {},
	TypeEventSecurity: {},
	TypeEventCost:     {},
	TypeCommandResult: {},
}

var clientTags = map[string]struct{}{
	TypeClientSubscribe:   {},
	TypeClientUnsubscribe: {},
}

// Known reports whether (channel, type) is a registered tag.
func Known(channel Channel, typ string) bool {
	_, ok := registry[channel][typ]
	return ok
}

// AgentOriginated reports whether agents are allowed to send the tag.
func AgentOriginated(channel Channel, typ string) bool {
	if !Known(channel, typ) {
		return false
	}
	_, ok := agentTags[typ]
	return ok
}

// ClientOriginated reports whether dashboard clients are allowed to send the tag.
func ClientOriginated(channel Channel, typ string) bool {
	if !Known(channel, typ) {
		return false
	}
	_, ok := clientTags[typ]
	return ok
}

func newPayload(channel Channel, typ string) (any, error) {
	factory, ok := registry[channel][typ]
	if !ok {
		return nil, ErrUnknownType
	}
	return factory(), nil
}

// EpochMillis converts t to epoch milliseconds.
func EpochMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromEpochMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
