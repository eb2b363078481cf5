package agent

import (
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// State is a connection state of the agent client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var allowedTransitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateReconnecting, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnecting, StateDisconnected},
}

// Machine holds the current state and rejects transitions the lifecycle does not allow.
type Machine struct {
	mu       sync.Mutex
	state    State
	onChange func(from, to State)
}

// NewMachine starts in StateDisconnected. onChange may be nil.
func NewMachine(onChange func(from, to State)) *Machine {
	return &Machine{state: StateDisconnected, onChange: onChange}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next.
func (m *Machine) Transition(next State) error {
	m.mu.Lock()
	from := m.state
	ok := false
	for _, s := range allowedTransitions[from] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent: illegal transition %s -> %s", from, next)
	}
	m.state = next
	m.mu.Unlock()
	if m.onChange != nil {
		m.onChange(from, next)
	}
	return nil
}

// Backoff computes full-jitter exponential delays: each delay is uniform in
// [0, min(limit, base*2^attempt)]. A connection that stayed up for at least
// stableAfter resets the attempt counter.
type Backoff struct {
	base        time.Duration
	limit       time.Duration
	stableAfter time.Duration

	mu      sync.Mutex
	attempt int
	jitter  func(n int64) int64
}

// NewBackoff constructs a backoff.
func NewBackoff(base, limit, stableAfter time.Duration) *Backoff {
	if base <= 0 {
		base = 2 * time.Second
	}
	if limit < base {
		limit = base
	}
	return &Backoff{base: base, limit: limit, stableAfter: stableAfter, jitter: rand.Int64N}
}

// Ceiling returns the upper bound of the next delay.
func (b *Backoff) Ceiling() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ceiling()
}

func (b *Backoff) ceiling() time.Duration {
	d := b.base
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d >= b.limit {
			return b.limit
		}
	}
	return d
}

// Next returns the next delay and advances the attempt counter.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	ceiling := b.ceiling()
	if ceiling < b.limit {
		b.attempt++
	}
	return time.Duration(b.jitter(int64(ceiling) + 1))
}

// Reset returns to the first attempt.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.attempt = 0
	b.mu.Unlock()
}

// Connected records how long a connection lasted and resets when it was stable.
func (b *Backoff) Connected(lasted time.Duration) {
	if lasted >= b.stableAfter {
		b.Reset()
	}
}
