package speedsource_test

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/internal/speedsource"
	"github.com/benmeehan/speed-agent/pkg/file"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stringDataset(body string) speedsource.DatasetOpener {
	return func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(body)), nil
	}
}

func segmentJSON(id int64, maxspeed string, vertices ...[2]float64) string {
	parts := make([]string, len(vertices))
	for i, v := range vertices {
		parts[i] = fmt.Sprintf("[%v,%v]", v[0], v[1])
	}
	return fmt.Sprintf(`{"id":%d,"maxspeed":%q,"geometry":[%s]}`, id, maxspeed, strings.Join(parts, ","))
}

func TestStreamedDataset_ScanNearest_PicksNearestVertexWithinMax(t *testing.T) {
	body := "[" + strings.Join([]string{
		segmentJSON(1, "70", [2]float64{eiffelLon, metersNorth(eiffelLat, 60)}),
		segmentJSON(2, "30",
			[2]float64{eiffelLon, metersNorth(eiffelLat, 400)},
			[2]float64{eiffelLon, metersNorth(eiffelLat, 20)},
		),
	}, ",") + "]"
	dataset := speedsource.NewStreamedDataset(stringDataset(body), zerolog.Nop())

	candidate, err := dataset.ScanNearest(context.Background(), eiffelLat, eiffelLon, 50)

	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "30", candidate.SpeedLimit)
	assert.InDelta(t, 20, candidate.DistanceMeters, 0.01)
}

func TestStreamedDataset_ScanNearest_NothingWithinMax(t *testing.T) {
	body := "[" + segmentJSON(1, "70", [2]float64{eiffelLon, metersNorth(eiffelLat, 60)}) + "]"
	dataset := speedsource.NewStreamedDataset(stringDataset(body), zerolog.Nop())

	candidate, err := dataset.Resolve(context.Background(), models.Fix{Latitude: eiffelLat, Longitude: eiffelLon})

	assert.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestStreamedDataset_ScanNearest_EmptyArray(t *testing.T) {
	dataset := speedsource.NewStreamedDataset(stringDataset("[]"), zerolog.Nop())

	candidate, err := dataset.ScanNearest(context.Background(), eiffelLat, eiffelLon, 50)

	assert.NoError(t, err)
	assert.Nil(t, candidate)
}

func TestStreamedDataset_ScanNearest_TieKeepsFirstVertex(t *testing.T) {
	lat := metersNorth(eiffelLat, 10)
	body := "[" + segmentJSON(1, "30", [2]float64{eiffelLon, lat}) + "," +
		segmentJSON(2, "50", [2]float64{eiffelLon, lat}) + "]"
	dataset := speedsource.NewStreamedDataset(stringDataset(body), zerolog.Nop())

	candidate, err := dataset.ScanNearest(context.Background(), eiffelLat, eiffelLon, 50)

	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "30", candidate.SpeedLimit)
}

func TestStreamedDataset_ScanNearest_DecodeErrorDiscardsPartialResult(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"truncated record", "[" + segmentJSON(1, "30", [2]float64{eiffelLon, eiffelLat}) + `,{"id":2,"maxspeed":"50","geometry":[[2.29`},
		{"wrong id type", "[" + segmentJSON(1, "30", [2]float64{eiffelLon, eiffelLat}) + `,{"id":"two","maxspeed":"50","geometry":[[2.29,48.85]]}]`},
		{"empty geometry", "[" + segmentJSON(1, "30", [2]float64{eiffelLon, eiffelLat}) + `,{"id":2,"maxspeed":"50","geometry":[]}]`},
		{"short vertex", `[{"id":1,"maxspeed":"50","geometry":[[2.29]]}]`},
		{"not an array", `{"id":1}`},
		{"missing close", "[" + segmentJSON(1, "30", [2]float64{eiffelLon, eiffelLat})},
		{"empty input", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dataset := speedsource.NewStreamedDataset(stringDataset(tt.body), zerolog.Nop())

			candidate, err := dataset.ScanNearest(context.Background(), eiffelLat, eiffelLon, 50)

			assert.Nil(t, candidate)
			assert.ErrorIs(t, err, speedsource.ErrStreamDecode)
		})
	}
}

func TestStreamedDataset_ScanNearest_CancelledContext(t *testing.T) {
	body := "[" + segmentJSON(1, "30", [2]float64{eiffelLon, eiffelLat}) + "]"
	dataset := speedsource.NewStreamedDataset(stringDataset(body), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	candidate, err := dataset.ScanNearest(ctx, eiffelLat, eiffelLon, 50)

	assert.Nil(t, candidate)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStreamedDataset_Each_StopsOnCallbackError(t *testing.T) {
	body := "[" + segmentJSON(1, "30", [2]float64{eiffelLon, eiffelLat}) + "," +
		segmentJSON(2, "50", [2]float64{eiffelLon, eiffelLat}) + "]"
	dataset := speedsource.NewStreamedDataset(stringDataset(body), zerolog.Nop())
	stop := fmt.Errorf("stop")

	var seen []int64
	count, err := dataset.Each(context.Background(), func(seg models.RoadSegment) error {
		seen = append(seen, seg.ID)
		return stop
	})

	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 0, count)
	assert.Equal(t, []int64{1}, seen)
}

func TestStreamedDataset_FileDataset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roads.json")
	body := "[" + segmentJSON(7, "50", [2]float64{eiffelLon, eiffelLat}) + "]"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	dataset := speedsource.NewStreamedDataset(speedsource.FileDataset(path, file.NewFileService()), zerolog.Nop())

	candidate, err := dataset.ScanNearest(context.Background(), eiffelLat, eiffelLon, 50)

	require.NoError(t, err)
	require.NotNil(t, candidate)
	assert.Equal(t, "50", candidate.SpeedLimit)
	assert.Equal(t, "streamed_dataset", dataset.Name())
}

func TestStreamedDataset_MissingFileIsDecodeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.json")
	dataset := speedsource.NewStreamedDataset(speedsource.FileDataset(path, file.NewFileService()), zerolog.Nop())

	_, err := dataset.ScanNearest(context.Background(), eiffelLat, eiffelLon, 50)

	assert.ErrorIs(t, err, speedsource.ErrStreamDecode)
}
