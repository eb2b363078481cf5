package application

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleet-telemetry/internal/protocol"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const defaultStaleness = 90 * time.Second

func newEventID() string { return "evt-" + uuid.NewString() }

// InstanceStatus is the liveness view of one instance.
type InstanceStatus struct {
	InstanceID      string    `json:"instanceId"`
	FirstSeenAt     time.Time `json:"firstSeenAt"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt,omitempty"`
	Stale           bool      `json:"stale"`
	Connected       bool      `json:"connected"`
}

type instanceState struct {
	firstSeen time.Time
	lastBeat  time.Time
	lost      bool
	sessions  int
}

// HeartbeatMonitor tracks the last heartbeat per instance and synthesises
// exactly one heartbeat:lost per silence and one heartbeat:recovered per resumption.
type HeartbeatMonitor struct {
	mu        sync.Mutex
	staleness time.Duration
	clock     Clock
	newID     func() string
	instances map[string]*instanceState
}

// HeartbeatOption customizes the monitor.
type HeartbeatOption func(*HeartbeatMonitor)

// WithHeartbeatClock assigns a clock.
func WithHeartbeatClock(clock Clock) HeartbeatOption {
	return func(m *HeartbeatMonitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// NewHeartbeatMonitor constructs a monitor. Non-positive staleness uses 90s.
func NewHeartbeatMonitor(staleness time.Duration, opts ...HeartbeatOption) *HeartbeatMonitor {
	if staleness <= 0 {
		staleness = defaultStaleness
	}
	m := &HeartbeatMonitor{
		staleness: staleness,
		clock:     systemClock{},
		newID:     newEventID,
		instances: make(map[string]*instanceState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Staleness returns the configured window.
func (m *HeartbeatMonitor) Staleness() time.Duration { return m.staleness }

// Beat records a heartbeat received now. It returns a heartbeat:recovered
// event when the instance had been declared lost.
func (m *HeartbeatMonitor) Beat(instanceID string) *telemetry.Event {
	now := m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(instanceID, now)
	prev := st.lastBeat
	st.lastBeat = now
	if !st.lost {
		return nil
	}
	st.lost = false
	return &telemetry.Event{
		ID:         m.newID(),
		InstanceID: instanceID,
		Type:       protocol.TypeHeartbeatRecovered,
		EventType:  "heartbeat_recovered",
		Message:    "heartbeat resumed after " + now.Sub(st.baseline(prev)).Truncate(time.Second).String(),
		Severity:   "info",
		Metadata:   beatMetadata(prev),
		Timestamp:  now,
	}
}

// Sweep declares lost every instance whose last heartbeat is older than the
// staleness window and returns one heartbeat:lost event per newly lost instance.
// An instance that never beat is measured from when it was first seen.
func (m *HeartbeatMonitor) Sweep() []telemetry.Event {
	now := m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []telemetry.Event
	for id, st := range m.instances {
		since := st.baseline(st.lastBeat)
		if st.lost || now.Sub(since) <= m.staleness {
			continue
		}
		st.lost = true
		out = append(out, telemetry.Event{
			ID:         m.newID(),
			InstanceID: id,
			Type:       protocol.TypeHeartbeatLost,
			EventType:  "heartbeat_lost",
			Message:    "no heartbeat for " + now.Sub(since).Truncate(time.Second).String(),
			Severity:   "warning",
			Metadata:   beatMetadata(st.lastBeat),
			Timestamp:  now,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// SessionOpened and SessionClosed track live agent connections.
func (m *HeartbeatMonitor) SessionOpened(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state(instanceID, m.clock.Now().UTC()).sessions++
}

func (m *HeartbeatMonitor) SessionClosed(instanceID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.instances[instanceID]; ok && st.sessions > 0 {
		st.sessions--
	}
}

// Status returns one instance's liveness.
func (m *HeartbeatMonitor) Status(instanceID string) (InstanceStatus, bool) {
	now := m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.instances[instanceID]
	if !ok {
		return InstanceStatus{}, false
	}
	return m.status(instanceID, st, now), true
}

// Snapshot returns every instance seen since start, ordered by id.
func (m *HeartbeatMonitor) Snapshot() []InstanceStatus {
	now := m.clock.Now().UTC()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]InstanceStatus, 0, len(m.instances))
	for id, st := range m.instances {
		out = append(out, m.status(id, st, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Stale reports whether the instance is lost or has never sent a heartbeat.
// Unknown instances are stale.
func (m *HeartbeatMonitor) Stale(instanceID string) bool {
	st, ok := m.Status(instanceID)
	return !ok || st.Stale
}

func (m *HeartbeatMonitor) status(id string, st *instanceState, now time.Time) InstanceStatus {
	stale := st.lost || st.lastBeat.IsZero() || now.Sub(st.lastBeat) > m.staleness
	return InstanceStatus{
		InstanceID:      id,
		FirstSeenAt:     st.firstSeen,
		LastHeartbeatAt: st.lastBeat,
		Stale:           stale,
		Connected:       st.sessions > 0,
	}
}

func (m *HeartbeatMonitor) state(id string, now time.Time) *instanceState {
	st, ok := m.instances[id]
	if !ok {
		st = &instanceState{firstSeen: now}
		m.instances[id] = st
	}
	return st
}

func (st *instanceState) baseline(lastBeat time.Time) time.Time {
	if lastBeat.IsZero() {
		return st.firstSeen
	}
	return lastBeat
}

func beatMetadata(lastBeat time.Time) map[string]string {
	if lastBeat.IsZero() {
		return map[string]string{}
	}
	return map[string]string{"lastHeartbeatAt": lastBeat.Format(time.RFC3339Nano)}
}
