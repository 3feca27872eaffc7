package models

import (
	"errors"
	"fmt"
)

// RoadSegment is one record of the bundled road-geometry dataset.
// Geometry vertices are [lon, lat] pairs.
type RoadSegment struct {
	ID       int64       `json:"id"`
	MaxSpeed string      `json:"maxspeed"`
	Geometry [][]float64 `json:"geometry"`
}

// Validate enforces the at-least-one-vertex invariant and the [lon, lat] vertex shape.
func (r RoadSegment) Validate() error {
	if len(r.Geometry) == 0 {
		return errors.New("road segment has no geometry")
	}
	for i, v := range r.Geometry {
		if len(v) < 2 {
			return fmt.Errorf("road segment %d: vertex %d has %d coordinates", r.ID, i, len(v))
		}
	}
	return nil
}

// IndexedRoadPoint is a single speed limit sample row from the geometry store
type IndexedRoadPoint struct {
	Latitude   float64
	Longitude  float64
	SpeedLimit string
}

// Candidate is a speed limit scored by its distance to a fix
type Candidate struct {
	SpeedLimit     string
	DistanceMeters float64
}
