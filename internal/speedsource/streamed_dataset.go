package speedsource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/pkg/file"
	"github.com/benmeehan/speed-agent/pkg/geo"
	"github.com/rs/zerolog"
)

// DatasetOpener opens a fresh forward-only reader over the packaged dataset.
// Every scan calls it once, so concurrent scans never share a reader.
type DatasetOpener func(ctx context.Context) (io.ReadCloser, error)

// FileDataset opens the dataset from a path on disk.
func FileDataset(path string, fileClient file.FileOperations) DatasetOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return fileClient.Open(path)
	}
}

// ObjectDataset opens the dataset from object storage.
func ObjectDataset(bucket, object string, storage ObjectOpener) DatasetOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return storage.Open(ctx, bucket, object)
	}
}

// StreamedDataset scans a JSON array of road segments one record at a time.
// There is no index: every scan visits every vertex.
type StreamedDataset struct {
	open          DatasetOpener
	maxDistMeters float64
	logger        zerolog.Logger
}

// NewStreamedDataset creates a dataset source using the stream max distance.
func NewStreamedDataset(open DatasetOpener, logger zerolog.Logger) *StreamedDataset {
	return &StreamedDataset{
		open:          open,
		maxDistMeters: constants.StreamMaxDistanceMeters,
		logger:        logger,
	}
}

// Name identifies the source in logs and metrics.
func (d *StreamedDataset) Name() string {
	return "streamed_dataset"
}

// Resolve scans the dataset with the stream max distance.
func (d *StreamedDataset) Resolve(ctx context.Context, fix models.Fix) (*models.Candidate, error) {
	return d.ScanNearest(ctx, fix.Latitude, fix.Longitude, d.maxDistMeters)
}

// ScanNearest returns the speed limit of the segment owning the vertex
// nearest to (lat, lon), considering only vertices within maxDistanceMeters.
// Polylines are treated as sets of vertices; edges are not interpolated.
// A decode error discards everything found so far.
func (d *StreamedDataset) ScanNearest(ctx context.Context, lat, lon, maxDistanceMeters float64) (*models.Candidate, error) {
	var best *models.Candidate

	segments, err := d.Each(ctx, func(seg models.RoadSegment) error {
		for _, v := range seg.Geometry {
			dist := geo.Haversine(lat, lon, v[1], v[0])
			if dist <= maxDistanceMeters && (best == nil || dist < best.DistanceMeters) {
				best = &models.Candidate{SpeedLimit: seg.MaxSpeed, DistanceMeters: dist}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d.logger.Debug().Int("segments", segments).Bool("found", best != nil).Msg("Dataset scan finished")
	return best, nil
}

// Each decodes the dataset and calls fn for every segment in file order.
// It checks ctx before each record and returns the number of segments seen.
func (d *StreamedDataset) Each(ctx context.Context, fn func(models.RoadSegment) error) (int, error) {
	r, err := d.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, newSourceError(KindStreamDecodeError, "open", err)
	}
	defer r.Close()

	dec := json.NewDecoder(r)

	if err := expectDelim(dec, '['); err != nil {
		return 0, err
	}

	count := 0
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return count, err
		}

		var seg models.RoadSegment
		if err := dec.Decode(&seg); err != nil {
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			return count, newSourceError(KindStreamDecodeError, "decode", fmt.Errorf("record %d: %w", count, err))
		}
		if err := seg.Validate(); err != nil {
			return count, newSourceError(KindStreamDecodeError, "decode", fmt.Errorf("record %d: %w", count, err))
		}

		if err := fn(seg); err != nil {
			return count, err
		}
		count++
	}

	if err := expectDelim(dec, ']'); err != nil {
		return count, err
	}
	return count, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return newSourceError(KindStreamDecodeError, "decode", fmt.Errorf("expected %q: %w", want, err))
	}
	if delim, ok := tok.(json.Delim); !ok || delim != want {
		return newSourceError(KindStreamDecodeError, "decode", fmt.Errorf("expected %q, got %v", want, tok))
	}
	return nil
}
