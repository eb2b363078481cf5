package notify

import (
	"errors"

	alerts "fleet-telemetry/internal/alerts/domain"
)

// ErrDelivery matches every DeliveryError.
var ErrDelivery = errors.New("notify: delivery failed")

// DeliveryError records a failed send to one channel.
type DeliveryError struct {
	ChannelID   string
	ChannelType alerts.ChannelType
	Err         error
}

func (e *DeliveryError) Error() string {
	return "notify " + string(e.ChannelType) + " " + e.ChannelID + ": " + e.Err.Error()
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDelivery) true.
func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }
