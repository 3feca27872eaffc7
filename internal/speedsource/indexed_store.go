package speedsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/benmeehan/speed-agent/internal/constants"
	"github.com/benmeehan/speed-agent/internal/models"
	"github.com/benmeehan/speed-agent/pkg/geo"
	"github.com/rs/zerolog"

	// Register the "pgx" and "sqlite" database/sql drivers.
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
)

// StoreConfig describes where the indexed store lives.
type StoreConfig struct {
	Driver string // "sqlite" (default) or "pgx"
	DSN    string // pgx connection string; ignored for sqlite
}

// IndexedStore answers nearest-point queries from the speed_limits table.
// Each query opens its own handle and closes it, together with the cursor,
// on every exit path.
type IndexedStore struct {
	driver       string
	dsn          string
	provisioner  *Provisioner
	radiusMeters float64
	logger       zerolog.Logger
}

// NewIndexedStore creates the store. The provisioner is required for sqlite
// and unused for pgx.
func NewIndexedStore(cfg StoreConfig, provisioner *Provisioner, logger zerolog.Logger) (*IndexedStore, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" {
		driver = DriverSQLite
	}

	switch driver {
	case DriverSQLite:
		if provisioner == nil {
			return nil, errors.New("sqlite store requires a provisioner")
		}
	case DriverPgx:
		if strings.TrimSpace(cfg.DSN) == "" {
			return nil, errors.New("pgx store requires a dsn")
		}
	default:
		return nil, fmt.Errorf("%w: store driver %q", ErrSourceUnsupported, cfg.Driver)
	}

	return &IndexedStore{
		driver:       driver,
		dsn:          cfg.DSN,
		provisioner:  provisioner,
		radiusMeters: constants.LocalStoreRadiusMeters,
		logger:       logger,
	}, nil
}

// Name identifies the source in logs and metrics.
func (s *IndexedStore) Name() string {
	return "indexed_store"
}

// Resolve queries the store with the local store radius.
func (s *IndexedStore) Resolve(ctx context.Context, fix models.Fix) (*models.Candidate, error) {
	return s.QueryNear(ctx, fix.Latitude, fix.Longitude, s.radiusMeters)
}

// QueryNear returns the sample nearest to (lat, lon) within radiusMeters.
// Rows are pre-filtered by bounding box and re-checked with Haversine; on
// equal distances the first row in id order wins.
func (s *IndexedStore) QueryNear(ctx context.Context, lat, lon, radiusMeters float64) (*models.Candidate, error) {
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	box := geo.BoundingBox(lat, lon, radiusMeters)

	rows, err := db.QueryContext(ctx, s.nearQuery(), box.MinLat, box.MaxLat, box.MinLon, box.MaxLon)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newSourceError(KindStoreQueryError, "query", err)
	}
	defer rows.Close()

	var (
		best    *models.Candidate
		scanned int
	)
	for rows.Next() {
		var (
			speed sql.NullString
			point models.IndexedRoadPoint
		)
		if err := rows.Scan(&speed, &point.Latitude, &point.Longitude); err != nil {
			return nil, newSourceError(KindStoreQueryError, "scan", err)
		}
		point.SpeedLimit = speed.String
		scanned++

		dist := geo.Haversine(lat, lon, point.Latitude, point.Longitude)
		if dist <= radiusMeters && (best == nil || dist < best.DistanceMeters) {
			best = &models.Candidate{SpeedLimit: point.SpeedLimit, DistanceMeters: dist}
		}
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newSourceError(KindStoreQueryError, "iterate", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	event := s.logger.Debug().Int("rows", scanned).Float64("radius_m", radiusMeters)
	if best == nil {
		event.Msg("No nearby speed limit in store")
	} else {
		event.Str("speed_limit", best.SpeedLimit).Float64("distance_m", best.DistanceMeters).Msg("Closest store speed limit")
	}
	return best, nil
}

// open provisions (sqlite only) and opens a handle verified to contain the
// speed_limits table. Any failure here is StoreUnavailable.
func (s *IndexedStore) open(ctx context.Context) (*sql.DB, error) {
	dsn := s.dsn
	if s.driver == DriverSQLite {
		if err := s.provisioner.Ensure(ctx); err != nil {
			return nil, err
		}
		dsn = sqliteReadOnlyDSN(s.provisioner.Path())
	}

	db, err := sql.Open(s.driver, dsn)
	if err != nil {
		return nil, newSourceError(KindStoreUnavailable, "open", err)
	}
	if s.driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	var one int
	err = db.QueryRowContext(ctx, `SELECT 1 FROM speed_limits LIMIT 1`).Scan(&one)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		db.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, newSourceError(KindStoreUnavailable, "open", err)
	}

	return db, nil
}

func (s *IndexedStore) nearQuery() string {
	if s.driver == DriverPgx {
		return `
			SELECT speed_limit, lat, lon
			FROM speed_limits
			WHERE lat BETWEEN $1 AND $2
			  AND lon BETWEEN $3 AND $4
			ORDER BY id`
	}
	return `
		SELECT speed_limit, lat, lon
		FROM speed_limits
		WHERE lat BETWEEN ? AND ?
		  AND lon BETWEEN ? AND ?
		ORDER BY id`
}

func sqliteReadOnlyDSN(path string) string {
	return "file:" + path + "?_pragma=query_only(1)&_pragma=busy_timeout(5000)"
}
