package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"crowdsense/internal/model"
)

type postgresStore struct {
	baseStore
}

func NewPostgres(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "postgres://localhost:5432/crowdsense?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &postgresStore{baseStore{db: db}}, nil
}

func (s *postgresStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS zones (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sightings (
			id BIGSERIAL PRIMARY KEY,
			device_addr TEXT NOT NULL,
			date_detected TIMESTAMPTZ NOT NULL,
			device_power INTEGER NOT NULL,
			frame_type TEXT NOT NULL,
			zone_id BIGINT NOT NULL,
			is_randomized BOOLEAN NOT NULL DEFAULT FALSE,
			processed BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_detected ON sightings(date_detected)`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_zone ON sightings(zone_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_processed ON sightings(processed) WHERE NOT processed`,
		`CREATE TABLE IF NOT EXISTS predictions (
			id BIGSERIAL PRIMARY KEY,
			zone_id BIGINT NOT NULL,
			score DOUBLE PRECISION,
			estimated_count INTEGER NOT NULL,
			first_seen TIMESTAMPTZ NOT NULL,
			last_seen TIMESTAMPTZ NOT NULL,
			scanned_minutes INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_zone ON predictions(zone_id)`,
		`CREATE INDEX IF NOT EXISTS idx_predictions_first_seen ON predictions(first_seen)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *postgresStore) InsertZone(ctx context.Context, zone model.Zone) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO zones (name, description) VALUES ($1, $2) RETURNING id`,
		zone.Name, zone.Description).Scan(&id)
	return id, err
}

func (s *postgresStore) ZoneByID(ctx context.Context, id int64) (model.Zone, error) {
	var z model.Zone
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM zones WHERE id = $1`, id).
		Scan(&z.ID, &z.Name, &z.Description)
	if err == sql.ErrNoRows {
		return model.Zone{}, model.ErrNotFound
	}
	if err != nil {
		return model.Zone{}, err
	}
	return z, nil
}

func (s *postgresStore) Zones(ctx context.Context) ([]model.Zone, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description FROM zones ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Zone
	for rows.Next() {
		var z model.Zone
		if err := rows.Scan(&z.ID, &z.Name, &z.Description); err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (s *postgresStore) InsertSighting(ctx context.Context, sg model.Sighting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sightings (device_addr, date_detected, device_power, frame_type, zone_id, is_randomized, processed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sg.Addr,
		sg.DetectedAt.UTC(),
		sg.Power,
		string(sg.Frame),
		sg.ZoneID,
		sg.Randomized,
		sg.Processed,
	)
	return err
}

func (s *postgresStore) SightingsInRange(ctx context.Context, start, end time.Time, zoneID *int64) ([]model.Sighting, error) {
	query := `SELECT id, device_addr, date_detected, device_power, frame_type, zone_id, is_randomized, processed
		FROM sightings WHERE date_detected >= $1 AND date_detected < $2`
	args := []any{start.UTC(), end.UTC()}
	if zoneID != nil {
		query += ` AND zone_id = $3`
		args = append(args, *zoneID)
	}
	query += ` ORDER BY date_detected`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Sighting
	for rows.Next() {
		var sg model.Sighting
		var frame string
		if err := rows.Scan(&sg.ID, &sg.Addr, &sg.DetectedAt, &sg.Power, &frame, &sg.ZoneID, &sg.Randomized, &sg.Processed); err != nil {
			return nil, err
		}
		sg.DetectedAt = sg.DetectedAt.UTC()
		sg.Frame = model.FrameType(frame)
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *postgresStore) ClaimUndisplayed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	// SKIP LOCKED keeps two feed instances from fighting over the same
	// batch; each claims a disjoint set.
	res, err := s.db.ExecContext(ctx,
		`UPDATE sightings SET processed = TRUE
		WHERE id IN (
			SELECT id FROM sightings WHERE processed = FALSE
			ORDER BY date_detected LIMIT $1
			FOR UPDATE SKIP LOCKED
		)`,
		limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *postgresStore) InsertPrediction(ctx context.Context, p model.Prediction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions (zone_id, score, estimated_count, first_seen, last_seen, scanned_minutes)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ZoneID,
		p.Score,
		p.EstimatedCount,
		p.FirstSeen.UTC(),
		p.LastSeen.UTC(),
		p.ScannedMinutes,
	)
	return err
}

const pgPredictionSelect = `SELECT p.id, p.zone_id, z.name, p.score, p.estimated_count, p.first_seen, p.last_seen, p.scanned_minutes
	FROM predictions p JOIN zones z ON z.id = p.zone_id`

func (s *postgresStore) PredictionsByZone(ctx context.Context, zoneID int64) ([]model.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, pgPredictionSelect+` WHERE p.zone_id = $1 ORDER BY p.id`, zoneID)
	if err != nil {
		return nil, err
	}
	return scanPGPredictions(rows)
}

func (s *postgresStore) AllPredictions(ctx context.Context) ([]model.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, pgPredictionSelect+` ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	return scanPGPredictions(rows)
}

func scanPGPredictions(rows *sql.Rows) ([]model.Prediction, error) {
	defer rows.Close()
	var out []model.Prediction
	for rows.Next() {
		var p model.Prediction
		if err := rows.Scan(&p.ID, &p.ZoneID, &p.ZoneName, &p.Score, &p.EstimatedCount, &p.FirstSeen, &p.LastSeen, &p.ScannedMinutes); err != nil {
			return nil, err
		}
		p.FirstSeen = p.FirstSeen.UTC()
		p.LastSeen = p.LastSeen.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

const pgOverlap = `((first_seen >= $1 AND first_seen < $2)
	OR (last_seen >= $1 AND last_seen < $2)
	OR (first_seen <= $1 AND last_seen >= $2))`

func (s *postgresStore) EstimatedVisitorsInRange(ctx context.Context, start, end time.Time, zoneID *int64) (int, error) {
	query := `SELECT COALESCE(SUM(estimated_count), 0) FROM predictions WHERE ` + pgOverlap
	args := []any{start.UTC(), end.UTC()}
	if zoneID != nil {
		query += ` AND zone_id = $3`
		args = append(args, *zoneID)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *postgresStore) SectionUtilization(ctx context.Context) ([]model.SectionUtilization, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT z.name, COALESCE(SUM(p.estimated_count), 0)
		FROM predictions p JOIN zones z ON z.id = p.zone_id
		GROUP BY z.name ORDER BY z.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.SectionUtilization
	for rows.Next() {
		var u model.SectionUtilization
		if err := rows.Scan(&u.SectionName, &u.Count); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *postgresStore) VisitorsPerDay(ctx context.Context) ([]model.TimeSeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date_trunc('day', first_seen), SUM(estimated_count)
		FROM predictions GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	return scanPGSeries(rows)
}

func (s *postgresStore) VisitorsPerHour(ctx context.Context) ([]model.TimeSeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date_trunc('hour', first_seen), SUM(estimated_count)
		FROM predictions GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	return scanPGSeries(rows)
}

func scanPGSeries(rows *sql.Rows) ([]model.TimeSeriesPoint, error) {
	defer rows.Close()
	var out []model.TimeSeriesPoint
	for rows.Next() {
		var p model.TimeSeriesPoint
		if err := rows.Scan(&p.Timestamp, &p.Count); err != nil {
			return nil, err
		}
		p.Timestamp = p.Timestamp.UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *postgresStore) PeakHoursInRange(ctx context.Context, start, end time.Time) ([]model.HourTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT EXTRACT(HOUR FROM first_seen)::INT AS hour, SUM(estimated_count)
		FROM predictions WHERE first_seen >= $1 AND first_seen < $2
		GROUP BY hour ORDER BY hour`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.HourTotal
	for rows.Next() {
		var h model.HourTotal
		if err := rows.Scan(&h.Hour, &h.TotalVisits); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *postgresStore) DailyTotalsInRange(ctx context.Context, start, end time.Time) ([]model.DailyTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date_trunc('day', first_seen), SUM(estimated_count)
		FROM predictions WHERE first_seen >= $1 AND first_seen < $2
		GROUP BY 1 ORDER BY 1`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DailyTotal
	for rows.Next() {
		var day time.Time
		var total int
		if err := rows.Scan(&day, &total); err != nil {
			return nil, err
		}
		out = append(out, model.DailyTotal{Date: day.UTC().Format("01-02-2006"), TotalVisits: total})
	}
	return out, rows.Err()
}

func (s *postgresStore) AverageScanMinutesByZone(ctx context.Context, start, end time.Time) ([]model.ZoneAverage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT z.name, AVG(p.scanned_minutes)
		FROM predictions p JOIN zones z ON z.id = p.zone_id
		WHERE p.first_seen >= $1 AND p.first_seen < $2
		GROUP BY z.name ORDER BY z.name`,
		start.UTC(), end.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.ZoneAverage
	for rows.Next() {
		var a model.ZoneAverage
		if err := rows.Scan(&a.ZoneName, &a.Average); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
