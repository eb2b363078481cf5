package alerts

import (
	"time"

	telemetry "fleet-telemetry/internal/telemetry/domain"
)

// Status is the lifecycle state of an Alert.
type Status string

const (
	StatusActive       Status = "ACTIVE"
	StatusAcknowledged Status = "ACKNOWLEDGED"
	StatusSilenced     Status = "SILENCED"
	StatusResolved     Status = "RESOLVED"
)

// OpenStatuses are the states covered by the open dedupe key constraint.
var OpenStatuses = []Status{StatusActive, StatusAcknowledged, StatusSilenced}

// Valid returns true when the status is known.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusAcknowledged, StatusSilenced, StatusResolved:
		return true
	default:
		return false
	}
}

// Open reports whether the status holds the dedupe key.
func (s Status) Open() bool {
	return s == StatusActive || s == StatusAcknowledged || s == StatusSilenced
}

// Alert is one occurrence of a rule's condition being true.
type Alert struct {
	ID              string           `json:"id"`
	RuleID          string           `json:"ruleId"`
	RuleName        string           `json:"ruleName,omitempty"`
	RuleType        RuleType         `json:"ruleType"`
	InstanceID      string           `json:"instanceId"`
	DedupeKey       string           `json:"dedupeKey"`
	Metric          telemetry.Metric `json:"metric,omitempty"`
	Severity        Severity         `json:"severity"`
	Status          Status           `json:"status"`
	Message         string           `json:"message,omitempty"`
	LastValue       *float64         `json:"lastValue,omitempty"`
	FiredAt         time.Time        `json:"firedAt"`
	AcknowledgedAt  *time.Time       `json:"acknowledgedAt,omitempty"`
	ResolvedAt      *time.Time       `json:"resolvedAt,omitempty"`
	SilencedUntil   *time.Time       `json:"silencedUntil,omitempty"`
	LastEvaluatedAt time.Time        `json:"lastEvaluatedAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// DedupeKey derives the identity of an open alert condition.
func DedupeKey(ruleID, instanceID string, metric telemetry.Metric) string {
	key := ruleID + "|" + instanceID
	if metric != "" {
		key += "|" + string(metric)
	}
	return key
}

// Acknowledge moves ACTIVE to ACKNOWLEDGED. Acknowledging twice is a no-op.
func (a *Alert) Acknowledge(now time.Time) (bool, error) {
	switch a.Status {
	case StatusAcknowledged:
		return false, nil
	case StatusActive:
		a.Status = StatusAcknowledged
		if a.AcknowledgedAt == nil {
			at := now.UTC()
			a.AcknowledgedAt = &at
		}
		a.UpdatedAt = now.UTC()
		return true, nil
	default:
		return false, ErrInvalidTransition
	}
}

// Resolve closes an open alert. Resolving twice is a no-op and never moves resolvedAt.
func (a *Alert) Resolve(now time.Time) bool {
	if !a.Status.Open() {
		return false
	}
	a.Status = StatusResolved
	if a.ResolvedAt == nil {
		at := now.UTC()
		a.ResolvedAt = &at
	}
	a.SilencedUntil = nil
	a.UpdatedAt = now.UTC()
	return true
}

// Silence moves ACTIVE (or an already silenced alert) to SILENCED until the given time.
func (a *Alert) Silence(until, now time.Time) error {
	if a.Status != StatusActive && a.Status != StatusSilenced {
		return ErrInvalidTransition
	}
	if !until.After(now) {
		return telemetry.NewValidationError("until", "must be in the future")
	}
	u := until.UTC()
	a.Status = StatusSilenced
	a.SilencedUntil = &u
	a.UpdatedAt = now.UTC()
	return nil
}

// Reactivate moves SILENCED back to ACTIVE.
func (a *Alert) Reactivate(now time.Time) error {
	if a.Status != StatusSilenced {
		return ErrInvalidTransition
	}
	a.Status = StatusActive
	a.SilencedUntil = nil
	a.UpdatedAt = now.UTC()
	return nil
}

// SilenceExpired reports whether a silenced alert is due for reactivation.
func (a Alert) SilenceExpired(now time.Time) bool {
	return a.Status == StatusSilenced && a.SilencedUntil != nil && !a.SilencedUntil.After(now)
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	RuleID     string
	InstanceID string
	Statuses   []Status
	Severity   Severity
	From       time.Time
	To         time.Time
	Limit      int
}
