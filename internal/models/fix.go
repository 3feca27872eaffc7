package models

import (
	"fmt"
	"time"

	"github.com/benmeehan/speed-agent/internal/constants"
)

// Fix represents a single location observation from a location provider
type Fix struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks that the coordinates are within the WGS 84 ranges.
func (f Fix) Validate() error {
	if f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("latitude %f out of range [-90,90]", f.Latitude)
	}
	if f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("longitude %f out of range [-180,180]", f.Longitude)
	}
	return nil
}

// IncomingFix is a fix published by a remote device over MQTT. An empty Mode
// uses the agent's default.
type IncomingFix struct {
	DeviceID  string         `json:"device_id"`
	Latitude  float64        `json:"latitude"`
	Longitude float64        `json:"longitude"`
	Timestamp time.Time      `json:"timestamp"`
	Mode      constants.Mode `json:"mode,omitempty"`
}

// Fix drops the device envelope.
func (i IncomingFix) Fix() Fix {
	return Fix{Latitude: i.Latitude, Longitude: i.Longitude, Timestamp: i.Timestamp}
}
