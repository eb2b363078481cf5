package alerts

import (
	"strings"
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// RuleType selects what "condition true" means for a rule.
type RuleType string

const (
	RuleThreshold RuleType = "THRESHOLD"
	RuleAnomaly   RuleType = "ANOMALY"
	RuleLifecycle RuleType = "LIFECYCLE"
	RuleSecurity  RuleType = "SECURITY"
	RuleCost      RuleType = "COST"
)

// Valid returns true when the type is supported.
func (t RuleType) Valid() bool {
	switch t {
	case RuleThreshold, RuleAnomaly, RuleLifecycle, RuleSecurity, RuleCost:
		return true
	default:
		return false
	}
}

// MetricDriven reports whether the rule is evaluated against samples.
func (t RuleType) MetricDriven() bool {
	return t == RuleThreshold || t == RuleAnomaly
}

// Severity is ordered CRITICAL > HIGH > MEDIUM > LOW > INFO.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

var severityOrder = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns 0 for INFO up to 4 for CRITICAL, and -1 when unknown.
func (s Severity) Rank() int {
	for i, v := range severityOrder {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid returns true when the severity is known.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// Bump raises the severity one level, saturating at CRITICAL.
func (s Severity) Bump() Severity {
	r := s.Rank()
	if r < 0 || r == len(severityOrder)-1 {
		return s
	}
	return severityOrder[r+1]
}

// Operator compares a metric value to a threshold.
type Operator string

const (
	OperatorGreater        Operator = "gt"
	OperatorGreaterOrEqual Operator = "gte"
	OperatorLess           Operator = "lt"
	OperatorLessOrEqual    Operator = "lte"
	OperatorEqual          Operator = "eq"
	OperatorNotEqual       Operator = "neq"
)

var operatorAliases = map[string]Operator{
	">":  OperatorGreater,
	">=": OperatorGreaterOrEqual,
	"<":  OperatorLess,
	"<=": OperatorLessOrEqual,
	"==": OperatorEqual,
	"!=": OperatorNotEqual,
}

// ParseOperator accepts both symbolic and named forms.
func ParseOperator(value string) Operator {
	value = strings.ToLower(strings.TrimSpace(value))
	if op, ok := operatorAliases[value]; ok {
		return op
	}
	return Operator(value)
}

// Valid returns true when operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreater, OperatorGreaterOrEqual, OperatorLess, OperatorLessOrEqual, OperatorEqual, OperatorNotEqual:
		return true
	default:
		return false
	}
}

// Breached reports whether value satisfies the operator against threshold.
func (o Operator) Breached(value, threshold float64) bool {
	switch o {
	case OperatorGreater:
		return value > threshold
	case OperatorGreaterOrEqual:
		return value >= threshold
	case OperatorLess:
		return value < threshold
	case OperatorLessOrEqual:
		return value <= threshold
	case OperatorEqual:
		return value == threshold
	case OperatorNotEqual:
		return value != threshold
	default:
		return false
	}
}

// Conditions is the structured predicate of a rule. Metric rules use
// Metric/Operator/Threshold/ForSec; event rules use EventTypes and
// ResolveEventTypes.
type Conditions struct {
	Metric            telemetry.Metric `json:"metric,omitempty" yaml:"metric,omitempty"`
	Operator          Operator         `json:"operator,omitempty" yaml:"operator,omitempty"`
	Threshold         float64          `json:"threshold" yaml:"threshold"`
	ForSec            int              `json:"forSec,omitempty" yaml:"forSec,omitempty"`
	EventTypes        []string         `json:"eventTypes,omitempty" yaml:"eventTypes,omitempty"`
	ResolveEventTypes []string         `json:"resolveEventTypes,omitempty" yaml:"resolveEventTypes,omitempty"`
}

// AlertRule is a named, typed condition definition.
type AlertRule struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Type        RuleType   `json:"type"`
	Severity    Severity   `json:"severity"`
	Enabled     bool       `json:"enabled"`
	InstanceID  string     `json:"instanceId,omitempty"`
	Conditions  Conditions `json:"conditions"`
	CooldownSec int        `json:"cooldownSec"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Normalize upper-cases enums and fills defaults.
func (r *AlertRule) Normalize() {
	r.Name = strings.TrimSpace(r.Name)
	r.InstanceID = strings.TrimSpace(r.InstanceID)
	r.Type = RuleType(strings.ToUpper(strings.TrimSpace(string(r.Type))))
	r.Severity = Severity(strings.ToUpper(strings.TrimSpace(string(r.Severity))))
	if r.Severity == "" {
		r.Severity = SeverityMedium
	}
	if r.Conditions.Operator != "" {
		r.Conditions.Operator = ParseOperator(string(r.Conditions.Operator))
	}
}

// Validate checks rule invariants.
func (r AlertRule) Validate() error {
	if r.ID == "" {
		return telemetry.NewValidationError("id", "required")
	}
	if r.Name == "" {
		return telemetry.NewValidationError("name", "required")
	}
	if !r.Type.Valid() {
		return telemetry.NewValidationError("type", "unsupported rule type %q", r.Type)
	}
	if !r.Severity.Valid() {
		return telemetry.NewValidationError("severity", "unsupported severity %q", r.Severity)
	}
	if r.CooldownSec < 0 {
		return telemetry.NewValidationError("cooldownSec", "must not be negative")
	}
	if r.Type.MetricDriven() {
		if !r.Conditions.Metric.Known() && !r.Conditions.Metric.Derived() {
			return telemetry.NewValidationError("conditions.metric", "unknown metric %q", r.Conditions.Metric)
		}
		if !r.Conditions.Operator.Valid() {
			return telemetry.NewValidationError("conditions.operator", "unsupported operator %q", r.Conditions.Operator)
		}
		if r.Conditions.ForSec < 0 {
			return telemetry.NewValidationError("conditions.forSec", "must not be negative")
		}
	}
	return nil
}

// Matches reports whether the rule scope covers the instance.
func (r AlertRule) Matches(instanceID string) bool {
	return r.InstanceID == "" || r.InstanceID == instanceID
}

// Cooldown returns the notification cooldown.
func (r AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSec) * time.Second
}

// RuleFilter narrows rule listings.
type RuleFilter struct {
	Type       RuleType
	InstanceID string
	Enabled    *bool
}
