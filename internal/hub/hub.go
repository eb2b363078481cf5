// Package hub fans validated envelopes and alert transitions out to the
// attached dashboard sessions.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/protocol"
)

const defaultBuffer = 64

// Mirror forwards published envelopes to an external bus.
type Mirror interface {
	Mirror(env protocol.Envelope) error
}

// Subscriber is one attached session. An empty filter receives every
// envelope; otherwise only envelopes for the listed instances plus
// fleet-wide envelopes (no instance id) are delivered.
type Subscriber struct {
	id     string
	ch     chan protocol.Envelope
	mu     sync.RWMutex
	filter map[string]struct{}
	once   sync.Once
}

// ID returns the session id.
func (s *Subscriber) ID() string { return s.id }

// C returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscriber) C() <-chan protocol.Envelope { return s.ch }

// Subscribe adds instance ids to the filter.
func (s *Subscriber) Subscribe(instanceIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range instanceIDs {
		if id == "" {
			continue
		}
		if s.filter == nil {
			s.filter = make(map[string]struct{})
		}
		s.filter[id] = struct{}{}
	}
}

// Unsubscribe removes instance ids from the filter. An empty list clears it.
func (s *Subscriber) Unsubscribe(instanceIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(instanceIDs) == 0 {
		s.filter = nil
		return
	}
	for _, id := range instanceIDs {
		delete(s.filter, id)
	}
	if len(s.filter) == 0 {
		s.filter = nil
	}
}

// Filter returns the subscribed instance ids.
func (s *Subscriber) Filter() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.filter))
	for id := range s.filter {
		out = append(out, id)
	}
	return out
}

// Wants reports whether the envelope passes the filter.
func (s *Subscriber) Wants(env protocol.Envelope) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.filter) == 0 || env.InstanceID == "" {
		return true
	}
	_, ok := s.filter[env.InstanceID]
	return ok
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.ch) })
}

// Hub owns the session registry. Publish never blocks: a subscriber whose
// buffer is full misses the envelope.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]*Subscriber
	buffer int
	mirror Mirror
	logger *zap.Logger
}

// Option configures the hub.
type Option func(*Hub)

// WithBuffer sets the per-subscriber buffer size.
func WithBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithMirror forwards every published envelope to m.
func WithMirror(m Mirror) Option {
	return func(h *Hub) {
		h.mirror = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// New constructs a hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:   make(map[string]*Subscriber),
		buffer: defaultBuffer,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe attaches a new session, optionally narrowed to instanceIDs.
func (h *Hub) Subscribe(instanceIDs ...string) *Subscriber {
	sub := &Subscriber{
		id: "sub-" + uuid.NewString(),
		ch: make(chan protocol.Envelope, h.buffer),
	}
	sub.Subscribe(instanceIDs...)
	h.mu.Lock()
	h.subs[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// Unsubscribe detaches the session and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if h == nil || sub == nil {
		return
	}
	h.mu.Lock()
	delete(h.subs, sub.id)
	h.mu.Unlock()
	sub.close()
}

// Len returns the number of attached sessions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers env to every interested session.
func (h *Hub) Publish(env protocol.Envelope) {
	if h == nil {
		return
	}
	h.mu.RLock()
	delivered, dropped := 0, 0
	for _, sub := range h.subs {
		if !sub.Wants(env) {
			continue
		}
		select {
		case sub.ch <- env:
			delivered++
		default:
			dropped++
			metrics.IncHubDrop()
		}
	}
	h.mu.RUnlock()
	metrics.AddHubDeliveries(delivered)
	if dropped > 0 {
		h.logger.Debug("hub: slow subscribers dropped envelope",
			zap.String("type", env.Type), zap.Int("dropped", dropped))
	}

	if h.mirror != nil {
		if err := h.mirror.Mirror(env); err != nil {
			metrics.IncMirrorError()
			h.logger.Warn("hub: mirror failed", zap.String("type", env.Type), zap.Error(err))
		}
	}
}

// Close detaches every session.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}
