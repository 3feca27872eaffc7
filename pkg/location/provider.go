package location

import (
	"context"
	"time"
)

// Provider is an upstream source of location fixes.
type Provider interface {
	GetLocation(ctx context.Context) (Location, error)
	Close() error
}

// Location represents the geographical coordinates of a device
type Location struct {
	Latitude  float64
	Longitude float64
	Accuracy  float64   // meters for network providers, HDOP for GPS
	Timestamp time.Time // observation time, zero when the provider has none
}
