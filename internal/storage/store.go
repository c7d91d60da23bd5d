package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"crowdsense/internal/config"
	"crowdsense/internal/model"
)

// Store is the relational backing for sightings, zones, and predictions.
// Aggregations that are natural in SQL (sums, group-bys) live here; the
// distinct-visitor classification lives in the engine so the threshold and
// window-boundary rules exist in exactly one place.
type Store interface {
	Init(ctx context.Context) error
	Close() error

	InsertZone(ctx context.Context, zone model.Zone) (int64, error)
	ZoneByID(ctx context.Context, id int64) (model.Zone, error)
	Zones(ctx context.Context) ([]model.Zone, error)

	InsertSighting(ctx context.Context, s model.Sighting) error
	SightingsInRange(ctx context.Context, start, end time.Time, zoneID *int64) ([]model.Sighting, error)
	// ClaimUndisplayed flips up to limit unprocessed sightings to processed
	// in a single statement and reports how many were claimed. This is the
	// at-most-once consumption step of the live feed: two concurrent ticks
	// can never claim the same row.
	ClaimUndisplayed(ctx context.Context, limit int) (int, error)

	InsertPrediction(ctx context.Context, p model.Prediction) error
	PredictionsByZone(ctx context.Context, zoneID int64) ([]model.Prediction, error)
	AllPredictions(ctx context.Context) ([]model.Prediction, error)

	EstimatedVisitorsInRange(ctx context.Context, start, end time.Time, zoneID *int64) (int, error)
	SectionUtilization(ctx context.Context) ([]model.SectionUtilization, error)
	VisitorsPerDay(ctx context.Context) ([]model.TimeSeriesPoint, error)
	VisitorsPerHour(ctx context.Context) ([]model.TimeSeriesPoint, error)
	PeakHoursInRange(ctx context.Context, start, end time.Time) ([]model.HourTotal, error)
	DailyTotalsInRange(ctx context.Context, start, end time.Time) ([]model.DailyTotal, error)
	AverageScanMinutesByZone(ctx context.Context, start, end time.Time) ([]model.ZoneAverage, error)
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres", "postgresql":
		return NewPostgres(cfg.DSN)
	default:
		return nil, errors.New("unsupported storage driver")
	}
}

type baseStore struct {
	db *sql.DB
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseStoredTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.New("unparseable stored timestamp: " + value)
}
