package application

import (
	"math"
	"strconv"
	"strings"
	"time"

	"fleet-telemetry/internal/protocol"
	telemetry "fleet-telemetry/internal/telemetry/domain"
)

const (
	defaultMaxSampleAge  = 24 * time.Hour
	defaultMaxFutureSkew = 5 * time.Minute
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ResultKind tags what an envelope validated into.
type ResultKind int

const (
	ResultSample ResultKind = iota + 1
	ResultEvent
	ResultHeartbeat
)

// Result is the typed output of validation.
type Result struct {
	Kind       ResultKind
	InstanceID string
	At         time.Time
	Sample     *telemetry.MetricSample
	Event      *telemetry.Event
}

// Validator checks agent envelopes before anything else sees them.
type Validator struct {
	clock         Clock
	maxAge        time.Duration
	maxFutureSkew time.Duration
	newID         func() string
}

// ValidatorOption customizes the validator.
type ValidatorOption func(*Validator)

// WithValidatorClock assigns a clock.
func WithValidatorClock(clock Clock) ValidatorOption {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// WithSampleWindow bounds accepted timestamps relative to now. Zero disables a bound.
func WithSampleWindow(maxAge, maxFutureSkew time.Duration) ValidatorOption {
	return func(v *Validator) {
		v.maxAge = maxAge
		v.maxFutureSkew = maxFutureSkew
	}
}

// NewValidator constructs a validator.
func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		clock:         systemClock{},
		maxAge:        defaultMaxSampleAge,
		maxFutureSkew: defaultMaxFutureSkew,
		newID:         newEventID,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate converts an agent envelope into a sample, an event or a heartbeat.
// boundInstance is the instance the session authenticated as; when set, the
// envelope must match it.
func (v *Validator) Validate(env protocol.Envelope, boundInstance string) (Result, error) {
	if !protocol.AgentOriginated(env.Channel, env.Type) {
		return Result{}, telemetry.NewValidationError("type", "%s/%s is not accepted from agents", env.Channel, env.Type)
	}
	instanceID := strings.TrimSpace(env.InstanceID)
	switch {
	case instanceID == "" && boundInstance == "":
		return Result{}, telemetry.NewValidationError("instanceId", "required")
	case instanceID == "":
		instanceID = boundInstance
	case boundInstance != "" && instanceID != boundInstance:
		return Result{}, telemetry.NewValidationError("instanceId", "does not match the authenticated instance")
	}

	now := v.clock.Now().UTC()
	at := env.Timestamp.UTC()
	if env.Timestamp.IsZero() {
		at = now
	}
	if v.maxAge > 0 && at.Before(now.Add(-v.maxAge)) {
		return Result{}, telemetry.NewValidationError("ts", "older than %s", v.maxAge)
	}
	if v.maxFutureSkew > 0 && at.After(now.Add(v.maxFutureSkew)) {
		return Result{}, telemetry.NewValidationError("ts", "more than %s in the future", v.maxFutureSkew)
	}

	switch data := env.Data.(type) {
	case *protocol.HeartbeatPing:
		return Result{Kind: ResultHeartbeat, InstanceID: instanceID, At: at}, nil
	case *protocol.MetricsUpdate:
		sample, err := sampleFromUpdate(instanceID, at, now, data)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultSample, InstanceID: instanceID, At: at, Sample: sample}, nil
	case *protocol.EventData:
		event, err := v.eventFromData(instanceID, env.Type, at, data)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultEvent, InstanceID: instanceID, At: at, Event: event}, nil
	case *protocol.CommandResult:
		event, err := v.eventFromCommandResult(instanceID, at, data)
		if err != nil {
			return Result{}, err
		}
		return Result{Kind: ResultEvent, InstanceID: instanceID, At: at, Event: event}, nil
	default:
		return Result{}, telemetry.NewValidationError("data", "missing or unexpected payload %T", env.Data)
	}
}

func sampleFromUpdate(instanceID string, at, ingestedAt time.Time, data *protocol.MetricsUpdate) (*telemetry.MetricSample, error) {
	if data.CPUPercent == nil {
		return nil, telemetry.NewValidationError("cpuPercent", "required")
	}
	cpu := *data.CPUPercent
	if math.IsNaN(cpu) || cpu < 0 || cpu > 100 {
		return nil, telemetry.NewValidationError("cpuPercent", "%v outside [0,100]", cpu)
	}
	required := []struct {
		name  string
		value *protocol.U64
	}{
		{"memUsed", data.MemUsed},
		{"memTotal", data.MemTotal},
		{"diskUsed", data.DiskUsed},
		{"diskTotal", data.DiskTotal},
	}
	for _, field := range required {
		if field.value == nil {
			return nil, telemetry.NewValidationError(field.name, "required")
		}
	}
	if *data.MemUsed > *data.MemTotal {
		return nil, telemetry.NewValidationError("memUsed", "exceeds memTotal")
	}
	if *data.DiskUsed > *data.DiskTotal {
		return nil, telemetry.NewValidationError("diskUsed", "exceeds diskTotal")
	}
	if data.SwapUsed != nil && data.SwapTotal != nil && *data.SwapUsed > *data.SwapTotal {
		return nil, telemetry.NewValidationError("swapUsed", "exceeds swapTotal")
	}

	sample := &telemetry.MetricSample{
		InstanceID:     instanceID,
		Timestamp:      at,
		IngestedAt:     ingestedAt,
		CPUPercent:     cpu,
		MemUsed:        uint64(*data.MemUsed),
		MemTotal:       uint64(*data.MemTotal),
		DiskUsed:       uint64(*data.DiskUsed),
		DiskTotal:      uint64(*data.DiskTotal),
		NetBytesSent:   data.NetworkBytesOut.Ptr(),
		NetBytesRecv:   data.NetworkBytesIn.Ptr(),
		NetPacketsSent: data.NetworkPacketsOut.Ptr(),
		NetPacketsRecv: data.NetworkPacketsIn.Ptr(),
		SwapUsed:       data.SwapUsed.Ptr(),
		SwapTotal:      data.SwapTotal.Ptr(),
		CoreCount:      data.CoreCount.Ptr(),
		ProcessCount:   data.ProcessCount.Ptr(),
	}

	if len(data.LoadAvg) > 3 {
		return nil, telemetry.NewValidationError("loadAvg", "expected at most 3 values, got %d", len(data.LoadAvg))
	}
	loads := []**float64{&sample.LoadAvg1, &sample.LoadAvg5, &sample.LoadAvg15}
	for i, value := range data.LoadAvg {
		if !finiteNonNegative(value) {
			return nil, telemetry.NewValidationError("loadAvg", "value %d must be a non-negative number", i)
		}
		v := value
		*loads[i] = &v
	}

	rates := []struct {
		name  string
		value *float64
		dst   **float64
	}{
		{"diskReadBps", data.DiskReadBps, &sample.DiskReadBps},
		{"diskWriteBps", data.DiskWriteBps, &sample.DiskWriteBps},
	}
	for _, rate := range rates {
		if rate.value == nil {
			continue
		}
		if !finiteNonNegative(*rate.value) {
			return nil, telemetry.NewValidationError(rate.name, "must be a non-negative number")
		}
		v := *rate.value
		*rate.dst = &v
	}
	return sample, nil
}

func (v *Validator) eventFromData(instanceID, typ string, at time.Time, data *protocol.EventData) (*telemetry.Event, error) {
	eventType := strings.TrimSpace(data.EventType)
	if eventType == "" {
		return nil, telemetry.NewValidationError("eventType", "required")
	}
	return &telemetry.Event{
		ID:         v.newID(),
		InstanceID: instanceID,
		Type:       typ,
		EventType:  eventType,
		Message:    data.Message,
		Severity:   strings.ToLower(strings.TrimSpace(data.Severity)),
		Metadata:   data.Metadata,
		Timestamp:  at,
	}, nil
}

func (v *Validator) eventFromCommandResult(instanceID string, at time.Time, data *protocol.CommandResult) (*telemetry.Event, error) {
	if strings.TrimSpace(data.CommandID) == "" {
		return nil, telemetry.NewValidationError("commandId", "required")
	}
	severity := "info"
	message := data.Output
	if !data.Success {
		severity = "warning"
		message = data.Error
	}
	return &telemetry.Event{
		ID:         v.newID(),
		InstanceID: instanceID,
		Type:       protocol.TypeCommandResult,
		EventType:  "command_result",
		Message:    message,
		Severity:   severity,
		Metadata: map[string]string{
			"commandId": data.CommandID,
			"success":   strconv.FormatBool(data.Success),
		},
		Timestamp: at,
	}, nil
}

func finiteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}
