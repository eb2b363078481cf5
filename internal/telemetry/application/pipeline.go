package application

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"fleet-telemetry/internal/observability/metrics"
	"fleet-telemetry/internal/protocol"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// Publisher fans envelopes out to dashboard subscribers.
type Publisher interface {
	Publish(env protocol.Envelope)
}

// AlertEvaluator consumes validated samples and events.
type AlertEvaluator interface {
	EvaluateSample(ctx context.Context, sample telemetry.MetricSample) error
	EvaluateEvent(ctx context.Context, event telemetry.Event) error
}

// Pipeline runs validate, store, publish and evaluate for each agent envelope.
type Pipeline struct {
	validator  *Validator
	samples    telemetry.SampleRepository
	events     telemetry.EventRepository
	heartbeats *HeartbeatMonitor
	publisher  Publisher
	evaluator  AlertEvaluator
	logger     *zap.Logger
}

// PipelineOption customizes the pipeline.
type PipelineOption func(*Pipeline)

// WithPublisher assigns the hub.
func WithPublisher(publisher Publisher) PipelineOption {
	return func(p *Pipeline) { p.publisher = publisher }
}

// WithEvaluator assigns the alert engine.
func WithEvaluator(evaluator AlertEvaluator) PipelineOption {
	return func(p *Pipeline) { p.evaluator = evaluator }
}

// WithPipelineLogger assigns a logger.
func WithPipelineLogger(logger *zap.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPipeline constructs an ingest pipeline.
func NewPipeline(validator *Validator, samples telemetry.SampleRepository, events telemetry.EventRepository, heartbeats *HeartbeatMonitor, opts ...PipelineOption) (*Pipeline, error) {
	if validator == nil {
		return nil, errors.New("telemetry ingest: nil validator")
	}
	if samples == nil || events == nil {
		return nil, errors.New("telemetry ingest: nil repository")
	}
	if heartbeats == nil {
		return nil, errors.New("telemetry ingest: nil heartbeat monitor")
	}
	p := &Pipeline{
		validator:  validator,
		samples:    samples,
		events:     events,
		heartbeats: heartbeats,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Heartbeats exposes the monitor for status queries.
func (p *Pipeline) Heartbeats() *HeartbeatMonitor { return p.heartbeats }

// Ingest processes one agent envelope. A ValidationError or StoreError
// concerns only this envelope; callers log it and keep reading.
// Processing is detached from ctx cancellation so that a closing
// connection does not abort writes for envelopes already received.
func (p *Pipeline) Ingest(ctx context.Context, env protocol.Envelope, boundInstance string) error {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	err := p.ingest(ctx, env, boundInstance)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		reason := "store"
		if errors.Is(err, telemetry.ErrValidation) {
			reason = "validation"
		}
		metrics.IncEnvelopeRejected(string(env.Channel), reason)
	}
	metrics.ObserveIngest(result, time.Since(start))
	return err
}

func (p *Pipeline) ingest(ctx context.Context, env protocol.Envelope, boundInstance string) error {
	res, err := p.validator.Validate(env, boundInstance)
	if err != nil {
		p.logger.Debug("telemetry ingest: envelope rejected",
			zap.String("instance_id", firstNonEmpty(env.InstanceID, boundInstance)),
			zap.String("type", env.Type),
			zap.Error(err))
		return err
	}

	switch res.Kind {
	case ResultHeartbeat:
		if recovered := p.heartbeats.Beat(res.InstanceID); recovered != nil {
			metrics.IncHeartbeatTransition(recovered.Type)
			if err := p.RecordEvent(ctx, *recovered); err != nil {
				p.logger.Warn("telemetry ingest: heartbeat recovery not recorded",
					zap.String("instance_id", res.InstanceID), zap.Error(err))
			}
		}
		p.publish(protocol.Envelope{
			Channel:    protocol.ChannelHeartbeat,
			Type:       protocol.TypeHeartbeatPing,
			InstanceID: res.InstanceID,
			Timestamp:  res.At,
			Data:       env.Data,
		})
		return nil
	case ResultSample:
		return p.recordSample(ctx, *res.Sample, env.Data)
	case ResultEvent:
		return p.RecordEvent(ctx, *res.Event)
	default:
		return telemetry.NewValidationError("type", "unsupported")
	}
}

func (p *Pipeline) recordSample(ctx context.Context, sample telemetry.MetricSample, data any) error {
	inserted, err := p.samples.InsertSample(ctx, sample)
	if err != nil {
		p.logger.Warn("telemetry ingest: sample not stored",
			zap.String("instance_id", sample.InstanceID), zap.Error(err))
		return telemetry.WrapStore("insert sample", err)
	}
	if !inserted {
		p.logger.Debug("telemetry ingest: duplicate sample ignored",
			zap.String("instance_id", sample.InstanceID), zap.Time("ts", sample.Timestamp))
		return nil
	}
	p.publish(protocol.Envelope{
		Channel:    protocol.ChannelMetrics,
		Type:       protocol.TypeMetricsUpdate,
		InstanceID: sample.InstanceID,
		Timestamp:  sample.Timestamp,
		Data:       data,
	})
	if p.evaluator != nil {
		if err := p.evaluator.EvaluateSample(ctx, sample); err != nil {
			p.logger.Warn("telemetry ingest: alert evaluation failed",
				zap.String("instance_id", sample.InstanceID), zap.Error(err))
		}
	}
	return nil
}

// RecordEvent stores, publishes and evaluates one event. Server-synthesised
// heartbeat transitions enter here as well as agent events. The monitor has
// already flipped state for a heartbeat transition, so it is published and
// evaluated even when the insert fails; the store error is still returned.
func (p *Pipeline) RecordEvent(ctx context.Context, event telemetry.Event) error {
	var storeErr error
	if err := p.events.InsertEvent(ctx, event); err != nil {
		p.logger.Warn("telemetry ingest: event not stored",
			zap.String("instance_id", event.InstanceID), zap.String("type", event.Type), zap.Error(err))
		storeErr = telemetry.WrapStore("insert event", err)
		if !isHeartbeatTransition(event.Type) {
			return storeErr
		}
	}
	p.publish(EnvelopeForEvent(event))
	if p.evaluator != nil {
		if err := p.evaluator.EvaluateEvent(ctx, event); err != nil {
			p.logger.Warn("telemetry ingest: alert evaluation failed",
				zap.String("instance_id", event.InstanceID), zap.String("type", event.Type), zap.Error(err))
		}
	}
	return storeErr
}

func isHeartbeatTransition(typ string) bool {
	return typ == protocol.TypeHeartbeatLost || typ == protocol.TypeHeartbeatRecovered
}

// SweepHeartbeats records a heartbeat:lost event for every newly stale instance.
func (p *Pipeline) SweepHeartbeats(ctx context.Context) int {
	lost := p.heartbeats.Sweep()
	for _, event := range lost {
		metrics.IncHeartbeatTransition(event.Type)
		if err := p.RecordEvent(ctx, event); err != nil {
			p.logger.Warn("telemetry heartbeat: lost event not recorded",
				zap.String("instance_id", event.InstanceID), zap.Error(err))
		}
	}
	return len(lost)
}

// EnvelopeForEvent renders an event for the hub.
func EnvelopeForEvent(event telemetry.Event) protocol.Envelope {
	switch event.Type {
	case protocol.TypeHeartbeatLost, protocol.TypeHeartbeatRecovered:
		var last time.Time
		if raw := event.Metadata["lastHeartbeatAt"]; raw != "" {
			last, _ = time.Parse(time.RFC3339Nano, raw)
		}
		return protocol.Envelope{
			Channel:    protocol.ChannelHeartbeat,
			Type:       event.Type,
			InstanceID: event.InstanceID,
			Timestamp:  event.Timestamp,
			Data:       &protocol.HeartbeatStatus{LastHeartbeatAt: last, Staleness: event.Message},
		}
	case protocol.TypeCommandResult:
		return protocol.Envelope{
			Channel:    protocol.ChannelCommands,
			Type:       event.Type,
			InstanceID: event.InstanceID,
			Timestamp:  event.Timestamp,
			Data: &protocol.CommandResult{
				CommandID: event.Metadata["commandId"],
				Success:   event.Metadata["success"] == "true",
				Output:    event.Message,
			},
		}
	default:
		return protocol.Envelope{
			Channel:    protocol.ChannelEvents,
			Type:       event.Type,
			InstanceID: event.InstanceID,
			Timestamp:  event.Timestamp,
			Data: &protocol.EventData{
				EventType: event.EventType,
				Message:   event.Message,
				Severity:  event.Severity,
				Metadata:  event.Metadata,
			},
		}
	}
}

func (p *Pipeline) publish(env protocol.Envelope) {
	if p.publisher != nil {
		p.publisher.Publish(env)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
