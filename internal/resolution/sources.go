package resolution

import (
	"fmt"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/internal/speedsource"
)

// Sources holds one configured source per mode. A nil field means the mode
// is not available on this agent.
type Sources struct {
	Local       speedsource.SpeedSource
	LocalStream speedsource.SpeedSource
	Remote      speedsource.SpeedSource
}

// For returns the source dispatched to for mode.
func (s Sources) For(mode constants.Mode) (speedsource.SpeedSource, error) {
	var src speedsource.SpeedSource
	switch mode {
	case constants.ModeLocal:
		src = s.Local
	case constants.ModeLocalStream:
		src = s.LocalStream
	case constants.ModeRemote:
		src = s.Remote
	default:
		return nil, fmt.Errorf("%w: mode %q", speedsource.ErrSourceUnsupported, mode)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: mode %q is not configured", speedsource.ErrSourceUnsupported, mode)
	}
	return src, nil
}

// Modes lists the configured modes.
func (s Sources) Modes() []constants.Mode {
	var modes []constants.Mode
	if s.Local != nil {
		modes = append(modes, constants.ModeLocal)
	}
	if s.LocalStream != nil {
		modes = append(modes, constants.ModeLocalStream)
	}
	if s.Remote != nil {
		modes = append(modes, constants.ModeRemote)
	}
	return modes
}

// foundSource is the outcome source reported when mode finds a limit.
func foundSource(mode constants.Mode) models.OutcomeSource {
	if mode == constants.ModeRemote {
		return models.SourceRemote
	}
	return models.SourceLocal
}
