package models

import "time"

// OutcomeSource tells the consumer where a resolution ended up.
type OutcomeSource string

const (
	SourceLocal       OutcomeSource = "local"
	SourceRemote      OutcomeSource = "remote"
	SourceNotFound    OutcomeSource = "not_found"
	SourceUnavailable OutcomeSource = "unavailable"
)

// ResolutionOutcome is the single result delivered for a completed fix.
// SpeedLimit is nil unless Source is SourceLocal or SourceRemote.
type ResolutionOutcome struct {
	ResolutionID string        `json:"resolution_id"`
	StreamID     string        `json:"stream_id,omitempty"`
	Latitude     float64       `json:"latitude"`
	Longitude    float64       `json:"longitude"`
	SpeedLimit   *string       `json:"speed_limit"`
	Source       OutcomeSource `json:"source"`
	Reason       string        `json:"reason,omitempty"`
	FixTime      time.Time     `json:"fix_time"`
	ResolvedAt   time.Time     `json:"resolved_at"`
}

// Found reports whether the outcome carries a speed limit.
func (o ResolutionOutcome) Found() bool {
	return o.SpeedLimit != nil
}

// Label renders the outcome the way a display would show it.
func (o ResolutionOutcome) Label() string {
	switch {
	case o.SpeedLimit != nil:
		return *o.SpeedLimit
	case o.Source == SourceUnavailable:
		return "Unavailable"
	default:
		return "Not found"
	}
}
