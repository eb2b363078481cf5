package application

import (
	"context"
	"errors"

	alerts "fleet-telemetry/internal/alerts/domain"
)

const transitionAttempts = 3

// applyTransition loads an alert, applies change and writes it conditionally
// on the status it was loaded with. On ErrConflict the alert is reloaded and
// change re-applied to the fresh row. A nil alert from load ends the attempt.
func applyTransition(
	ctx context.Context,
	repo alerts.AlertRepository,
	load func(ctx context.Context, attempt int) (*alerts.Alert, error),
	change func(alert *alerts.Alert) (bool, error),
) (*alerts.Alert, bool, error) {
	for attempt := 0; ; attempt++ {
		alert, err := load(ctx, attempt)
		if err != nil || alert == nil {
			return alert, false, err
		}
		from := alert.Status
		changed, err := change(alert)
		if err != nil || !changed {
			return alert, false, err
		}
		err = repo.TransitionAlert(ctx, *alert, from)
		if err == nil {
			return alert, true, nil
		}
		if !errors.Is(err, alerts.ErrConflict) || attempt+1 >= transitionAttempts {
			return nil, false, err
		}
	}
}
