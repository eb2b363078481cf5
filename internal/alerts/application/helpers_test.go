package application

import (
	"context"
	"sync"
	"time"

	alerts "fleet-telemetry/internal/alerts/domain"
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

func (p *recordingPublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, env := range p.envs {
		if env.Type == typ {
			n++
		}
	}
	return n
}

type dispatched struct {
	alertID string
	event   string
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatched
}

func (d *recordingDispatcher) Dispatch(_ context.Context, alert alerts.Alert, _ alerts.AlertRule, event string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, dispatched{alertID: alert.ID, event: event})
}

func (d *recordingDispatcher) len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type staticRules []alerts.AlertRule

func (r staticRules) EnabledRules(context.Context) ([]alerts.AlertRule, error) {
	return r, nil
}

func cpuSample(instanceID string, ts time.Time, cpu float64) telemetry.MetricSample {
	return telemetry.MetricSample{
		InstanceID: instanceID,
		Timestamp:  ts,
		IngestedAt: ts,
		CPUPercent: cpu,
		MemUsed:    1,
		MemTotal:   2,
		DiskUsed:   1,
		DiskTotal:  2,
	}
}

func cpuRule(id string, typ alerts.RuleType, threshold float64, cooldownSec int) alerts.AlertRule {
	rule := alerts.AlertRule{
		ID:          id,
		Name:        id,
		Type:        typ,
		Severity:    alerts.SeverityMedium,
		Enabled:     true,
		CooldownSec: cooldownSec,
		Conditions: alerts.Conditions{
			Metric:    telemetry.MetricCPUPercent,
			Operator:  alerts.OperatorGreater,
			Threshold: threshold,
		},
	}
	return rule
}
