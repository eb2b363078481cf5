package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	alerts "fleet-telemetry/internal/alerts/domain"
	"fleet-telemetry/internal/observability/metrics"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultTimeout   = 10 * time.Second
)

// ChannelReader resolves the channels linked to a rule.
type ChannelReader interface {
	RuleChannels(ctx context.Context, ruleID string) ([]alerts.NotificationChannel, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type job struct {
	channel alerts.NotificationChannel
	msg     Message
}

// Dispatcher delivers alert notifications to linked channels on a bounded
// worker pool and records one AlertNotification per attempt. Delivery never
// blocks the caller; a full queue is recorded as a failed attempt.
type Dispatcher struct {
	channels      ChannelReader
	notifications alerts.NotificationRepository
	senders       map[alerts.ChannelType]Sender
	template      *Template
	baseURL       string
	timeout       time.Duration
	workers       int
	queue         chan job
	clock         Clock
	logger        *zap.Logger

	startOnce sync.Once
	wg        sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithSender registers the sender for a channel type.
func WithSender(t alerts.ChannelType, sender Sender) Option {
	return func(d *Dispatcher) {
		if sender != nil {
			d.senders[t] = sender
		}
	}
}

// WithTemplate overrides the message template.
func WithTemplate(t *Template) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.template = t
		}
	}
}

// WithBaseURL adds alert links to messages.
func WithBaseURL(url string) Option {
	return func(d *Dispatcher) { d.baseURL = url }
}

// WithTimeout bounds each send.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithWorkers sets the worker count and queue capacity.
func WithWorkers(workers, queueSize int) Option {
	return func(d *Dispatcher) {
		if workers > 0 {
			d.workers = workers
		}
		if queueSize > 0 {
			d.queue = make(chan job, queueSize)
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher constructs a dispatcher. Call Start before dispatching.
func NewDispatcher(channels ChannelReader, notifications alerts.NotificationRepository, opts ...Option) (*Dispatcher, error) {
	if channels == nil || notifications == nil {
		return nil, errors.New("notify dispatcher: nil repository")
	}
	tpl, err := NewTemplate("")
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		channels:      channels,
		notifications: notifications,
		senders:       make(map[alerts.ChannelType]Sender),
		template:      tpl,
		timeout:       defaultTimeout,
		workers:       defaultWorkers,
		queue:         make(chan job, defaultQueueSize),
		clock:         systemClock{},
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Close stops accepting work and waits for queued deliveries. Dispatches
// after Close are dropped.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// Dispatch enqueues one delivery per enabled channel linked to the rule.
func (d *Dispatcher) Dispatch(ctx context.Context, alert alerts.Alert, rule alerts.AlertRule, event string) {
	channels, err := d.channels.RuleChannels(ctx, rule.ID)
	if err != nil {
		d.logger.Warn("notify dispatcher: resolve channels failed",
			zap.String("rule_id", rule.ID),
			zap.String("alert_id", alert.ID),
			zap.Error(err))
		return
	}
	if len(channels) == 0 {
		return
	}
	msg, err := d.message(event, alert, rule)
	if err != nil {
		d.logger.Warn("notify dispatcher: render failed", zap.String("alert_id", alert.ID), zap.Error(err))
		return
	}
	for _, ch := range channels {
		if !ch.Enabled {
			continue
		}
		err := d.enqueue(job{channel: ch, msg: msg})
		switch {
		case errors.Is(err, errClosed):
			d.logger.Debug("notify dispatcher: closed, delivery dropped",
				zap.String("alert_id", alert.ID),
				zap.String("channel_id", ch.ID))
			return
		case err != nil:
			d.record(context.WithoutCancel(ctx), ch, msg, &DeliveryError{ChannelID: ch.ID, ChannelType: ch.Type, Err: err})
		}
	}
}

var (
	errClosed    = errors.New("dispatcher closed")
	errQueueFull = errors.New("queue full")
)

func (d *Dispatcher) enqueue(j job) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return errClosed
	}
	select {
	case d.queue <- j:
		return nil
	default:
		return errQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.queue {
		d.deliver(j)
	}
}

func (d *Dispatcher) deliver(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	var err error
	sender, ok := d.senders[j.channel.Type]
	if !ok {
		err = fmt.Errorf("no sender for channel type %s", j.channel.Type)
	} else {
		err = sender.Send(ctx, j.channel, j.msg)
	}
	if err != nil {
		err = &DeliveryError{ChannelID: j.channel.ID, ChannelType: j.channel.Type, Err: err}
	}
	d.record(context.Background(), j.channel, j.msg, err)
}

func (d *Dispatcher) record(ctx context.Context, ch alerts.NotificationChannel, msg Message, err error) {
	n := alerts.AlertNotification{
		ID:          "notification-" + uuid.NewString(),
		AlertID:     msg.Alert.ID,
		ChannelID:   ch.ID,
		ChannelType: ch.Type,
		Event:       msg.Event,
		SentAt:      d.clock.Now().UTC(),
		Success:     err == nil,
		Payload:     msg.Snapshot(),
	}
	if err != nil {
		n.Error = err.Error()
		d.logger.Warn("notify dispatcher: delivery failed",
			zap.String("alert_id", msg.Alert.ID),
			zap.String("channel_id", ch.ID),
			zap.Error(err))
	}
	metrics.IncNotification(string(ch.Type), err == nil)
	if insertErr := d.notifications.InsertNotification(ctx, n); insertErr != nil {
		d.logger.Error("notify dispatcher: record notification failed",
			zap.String("alert_id", msg.Alert.ID),
			zap.String("channel_id", ch.ID),
			zap.Error(insertErr))
	}
}

func (d *Dispatcher) message(event string, alert alerts.Alert, rule alerts.AlertRule) (Message, error) {
	data := buildTemplateData(event, alert, rule, d.baseURL)
	text, err := d.template.Render(data)
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		Event: event,
		Title: fmt.Sprintf("[%s] %s %s on %s", data.Severity, data.Rule, data.EventLabel, data.Instance),
		Text:  text,
		Alert: alert,
		Rule:  rule,
	}
	if data.AlertURL != "" {
		msg.Links = map[string]string{"alert": data.AlertURL}
	}
	return msg, nil
}
