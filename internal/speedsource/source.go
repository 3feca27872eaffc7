// Package speedsource implements the speed limit backends: the indexed
// geometry store, the bundled geometry stream and the remote query service.
package speedsource

import (
	"context"

	"github.com/benmeehan/speed-agent/internal/models"
)

// SpeedSource resolves the speed limit nearest to a fix. A nil candidate with
// a nil error means the source answered and found nothing. Context errors are
// returned unwrapped so callers can tell cancellation from failure.
type SpeedSource interface {
	Name() string
	Resolve(ctx context.Context, fix models.Fix) (*models.Candidate, error)
}
