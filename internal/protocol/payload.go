package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// U64 is an unsigned 64-bit magnitude. It decodes from a JSON integer or a
// decimal string and always encodes to JSON as a decimal string, so values
// above 2^53 survive clients that parse numbers as doubles.
type U64 uint64

// ErrInvalidU64 is returned for negative, fractional or out-of-range magnitudes.
var ErrInvalidU64 = errors.New("protocol: value is not a non-negative 64-bit integer")

// UnmarshalJSON accepts 123 and "123".
func (u *U64) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) >= 2 && data[0] == '"' && data[len(data)-1] == '"' {
		data = data[1 : len(data)-1]
	}
	if len(data) == 0 {
		return ErrInvalidU64
	}
	for _, c := range data {
		if c < '0' || c > '9' {
			return ErrInvalidU64
		}
	}
	v, err := strconv.ParseUint(string(data), 10, 64)
	if err != nil {
		return ErrInvalidU64
	}
	*u = U64(v)
	return nil
}

// MarshalJSON renders the value as a decimal string.
func (u U64) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(u), 10))
}

// Ptr returns a pointer to the uint64 value, or nil.
func (u *U64) Ptr() *uint64 {
	if u == nil {
		return nil
	}
	v := uint64(*u)
	return &v
}

// U64Ptr wraps an optional uint64.
func U64Ptr(v *uint64) *U64 {
	if v == nil {
		return nil
	}
	u := U64(*v)
	return &u
}

// HeartbeatPing is sent by agents on the heartbeat channel.
type HeartbeatPing struct {
	UptimeSec *int64 `json:"uptimeSec,omitempty"`
}

// HeartbeatStatus accompanies server-synthesised heartbeat:lost and heartbeat:recovered.
type HeartbeatStatus struct {
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	Staleness       string    `json:"staleness,omitempty"`
}

// MetricsUpdate is the metrics:update payload. Required fields are pointers so
// that a missing field is distinguishable from an observed zero.
type MetricsUpdate struct {
	CPUPercent        *float64  `json:"cpuPercent"`
	MemUsed           *U64      `json:"memUsed"`
	MemTotal          *U64      `json:"memTotal"`
	DiskUsed          *U64      `json:"diskUsed"`
	DiskTotal         *U64      `json:"diskTotal"`
	LoadAvg           []float64 `json:"loadAvg,omitempty"`
	NetworkBytesOut   *U64      `json:"networkBytesOut,omitempty"`
	NetworkBytesIn    *U64      `json:"networkBytesIn,omitempty"`
	NetworkPacketsOut *U64      `json:"networkPacketsOut,omitempty"`
	NetworkPacketsIn  *U64      `json:"networkPacketsIn,omitempty"`
	SwapUsed          *U64      `json:"swapUsed,omitempty"`
	SwapTotal         *U64      `json:"swapTotal,omitempty"`
	DiskReadBps       *float64  `json:"diskReadBps,omitempty"`
	DiskWriteBps      *float64  `json:"diskWriteBps,omitempty"`
	CoreCount         *U64      `json:"coreCount,omitempty"`
	ProcessCount      *U64      `json:"processCount,omitempty"`
}

// EventData is the payload of event:instance, event:security and event:cost.
type EventData struct {
	EventType string            `json:"eventType"`
	Message   string            `json:"message,omitempty"`
	Severity  string            `json:"severity,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AlertTransition is republished to dashboards on every alert state change.
type AlertTransition struct {
	AlertID        string     `json:"alertId"`
	RuleID         string     `json:"ruleId"`
	RuleName       string     `json:"ruleName,omitempty"`
	RuleType       string     `json:"ruleType,omitempty"`
	DedupeKey      string     `json:"dedupeKey"`
	Severity       string     `json:"severity"`
	Status         string     `json:"status"`
	Metric         string     `json:"metric,omitempty"`
	Value          *float64   `json:"value,omitempty"`
	Message        string     `json:"message,omitempty"`
	FiredAt        time.Time  `json:"firedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	ResolvedAt     *time.Time `json:"resolvedAt,omitempty"`
	SilencedUntil  *time.Time `json:"silencedUntil,omitempty"`
}

// InAppNotification is delivered to dashboards by the IN_APP channel.
type InAppNotification struct {
	AlertID     string `json:"alertId"`
	ChannelID   string `json:"channelId"`
	ChannelName string `json:"channelName,omitempty"`
	Title       string `json:"title"`
	Body        string `json:"body"`
	Severity    string `json:"severity"`
}

// CommandDispatch is sent from the server to one agent.
type CommandDispatch struct {
	CommandID string            `json:"commandId"`
	Command   string            `json:"command"`
	Args      map[string]string `json:"args,omitempty"`
}

// CommandResult is the agent's reply to a dispatched command.
type CommandResult struct {
	CommandID string `json:"commandId"`
	Success   bool   `json:"success"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Subscription adjusts a dashboard client's instance filter.
type Subscription struct {
	InstanceIDs []string `json:"instanceIds"`
}
