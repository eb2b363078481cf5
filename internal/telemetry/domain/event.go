package telemetry

import "time"

// Event is a persisted non-metric occurrence: heartbeat transitions,
// agent lifecycle, security and cost signals, and command results.
type Event struct {
	ID         string            `json:"id"`
	InstanceID string            `json:"instanceId"`
	Type       string            `json:"type"`
	EventType  string            `json:"eventType,omitempty"`
	Message    string            `json:"message,omitempty"`
	Severity   string            `json:"severity,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"ts"`
}

// EventFilter narrows event listings. Zero values are unbounded.
type EventFilter struct {
	InstanceID string
	Type       string
	From       time.Time
	To         time.Time
	Limit      int
}
