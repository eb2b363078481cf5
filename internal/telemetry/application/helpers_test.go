package application

import (
	"context"
	"sync"
	"time"

	"fleet-telemetry/internal/protocol"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(now time.Time) *fakeClock { return &fakeClock{now: now.UTC()} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu   sync.Mutex
	envs []protocol.Envelope
}

func (p *recordingPublisher) Publish(env protocol.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.envs))
	for _, env := range p.envs {
		out = append(out, env.Type)
	}
	return out
}

type recordingEvaluator struct {
	mu      sync.Mutex
	samples []telemetry.MetricSample
	events  []telemetry.Event
}

func (e *recordingEvaluator) EvaluateSample(_ context.Context, sample telemetry.MetricSample) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.samples = append(e.samples, sample)
	return nil
}

func (e *recordingEvaluator) EvaluateEvent(_ context.Context, event telemetry.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	return nil
}

func u64(v uint64) *protocol.U64 {
	u := protocol.U64(v)
	return &u
}

func f64(v float64) *float64 { return &v }

func metricsEnvelope(instanceID string, ts time.Time, cpu float64, memUsed, memTotal uint64) protocol.Envelope {
	return protocol.Envelope{
		Channel:    protocol.ChannelMetrics,
		Type:       protocol.TypeMetricsUpdate,
		InstanceID: instanceID,
		Timestamp:  ts,
		Data: &protocol.MetricsUpdate{
			CPUPercent: f64(cpu),
			MemUsed:    u64(memUsed),
			MemTotal:   u64(memTotal),
			DiskUsed:   u64(10),
			DiskTotal:  u64(100),
		},
	}
}

func pingEnvelope(instanceID string) protocol.Envelope {
	return protocol.Envelope{
		Channel:    protocol.ChannelHeartbeat,
		Type:       protocol.TypeHeartbeatPing,
		InstanceID: instanceID,
		Data:       &protocol.HeartbeatPing{},
	}
}
