package alerts

import "errors"

var (
	// ErrNotFound indicates a missing rule, alert or channel.
	ErrNotFound = errors.New("alerts: not found")
	// ErrInvalidTransition rejects a state change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("alerts: invalid state transition")
	// ErrOpenAlertExists is returned when an open alert already holds the dedupe key.
	ErrOpenAlertExists = errors.New("alerts: open alert exists for dedupe key")
	// ErrConflict is returned when an alert's stored status no longer matches
	// the status a transition was computed from.
	ErrConflict = errors.New("alerts: alert changed concurrently")
)
