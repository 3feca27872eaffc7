package speedsource

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/rs/zerolog"
)

const createSpeedLimitsTable = `
	CREATE TABLE IF NOT EXISTS speed_limits (
		id          INTEGER PRIMARY KEY,
		lat         REAL,
		lon         REAL,
		speed_limit INTEGER
	)`

const createSpeedLimitsLatLonIndex = `
	CREATE INDEX IF NOT EXISTS speed_limits_lat_lon ON speed_limits (lat, lon)`

const upsertSpeedLimit = `
	INSERT INTO speed_limits (id, lat, lon, speed_limit)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		lat = excluded.lat,
		lon = excluded.lon,
		speed_limit = excluded.speed_limit`

// ImportStats reports the result of an import.
type ImportStats struct {
	Inserted int
	Skipped  int
}

// OpenWritableStore opens (creating if needed) a sqlite store for import.
func OpenWritableStore(path string) (*sql.DB, error) {
	db, err := sql.Open(DriverSQLite, "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// ImportSegments writes one indexed point per segment into the speed_limits
// table, creating it if needed. The point is the middle vertex of the
// geometry and the limit is the leading integer of maxspeed; segments with a
// non-numeric maxspeed or malformed geometry are skipped. Everything runs in one transaction.
func ImportSegments(ctx context.Context, db *sql.DB, segments []models.RoadSegment) (ImportStats, error) {
	return importWith(ctx, db, func(insert func(models.RoadSegment) error) error {
		for _, seg := range segments {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := insert(seg); err != nil {
				return err
			}
		}
		return nil
	})
}

// ImportDataset streams the dataset into the store without holding it in
// memory. Decode failures abort the import and roll it back.
func ImportDataset(ctx context.Context, db *sql.DB, dataset *StreamedDataset, logger zerolog.Logger) (ImportStats, error) {
	stats, err := importWith(ctx, db, func(insert func(models.RoadSegment) error) error {
		_, err := dataset.Each(ctx, insert)
		return err
	})
	if err != nil {
		return stats, err
	}

	logger.Info().Int("inserted", stats.Inserted).Int("skipped", stats.Skipped).Msg("Dataset imported")
	return stats, nil
}

func importWith(ctx context.Context, db *sql.DB, feed func(insert func(models.RoadSegment) error) error) (ImportStats, error) {
	var stats ImportStats

	for _, stmt := range []string{createSpeedLimitsTable, createSpeedLimitsLatLonIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return stats, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin import: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, upsertSpeedLimit)
	if err != nil {
		return stats, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	err = feed(func(seg models.RoadSegment) error {
		point, ok := IndexPoint(seg)
		if !ok {
			stats.Skipped++
			return nil
		}
		limit, _ := strconv.Atoi(point.SpeedLimit)
		if _, err := stmt.ExecContext(ctx, seg.ID, point.Latitude, point.Longitude, limit); err != nil {
			return fmt.Errorf("failed to insert segment %d: %w", seg.ID, err)
		}
		stats.Inserted++
		return nil
	})
	if err != nil {
		return ImportStats{}, err
	}

	if err := tx.Commit(); err != nil {
		return ImportStats{}, fmt.Errorf("failed to commit import: %w", err)
	}
	return stats, nil
}

// IndexPoint reduces a segment to the point stored in the index. It returns
// false when the geometry is empty or malformed, or the limit is not numeric.
func IndexPoint(seg models.RoadSegment) (models.IndexedRoadPoint, bool) {
	if err := seg.Validate(); err != nil {
		return models.IndexedRoadPoint{}, false
	}
	limit, ok := leadingInt(seg.MaxSpeed)
	if !ok {
		return models.IndexedRoadPoint{}, false
	}

	mid := seg.Geometry[len(seg.Geometry)/2]
	return models.IndexedRoadPoint{
		Latitude:   mid[1],
		Longitude:  mid[0],
		SpeedLimit: strconv.Itoa(limit),
	}, true
}

// leadingInt parses the first whitespace separated field, so "50 mph" is 50
// and "walk" or "50mph" are rejected.
func leadingInt(maxspeed string) (int, bool) {
	fields := strings.Fields(maxspeed)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	return n, true
}
