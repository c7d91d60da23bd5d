package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crowdsense/internal/model"
)

type sqliteStore struct {
	baseStore
}

func NewSQLite(dsn string) (Store, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file:crowdsense.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	return &sqliteStore{baseStore{db: db}}, nil
}

func (s *sqliteStore) Init(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS zones (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS sightings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_addr TEXT NOT NULL,
			date_detected TEXT NOT NULL,
			device_power INTEGER NOT NULL,
			frame_type TEXT NOT NULL,
			zone_id INTEGER NOT NULL,
			is_randomized INTEGER NOT NULL DEFAULT 0,
			processed INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_detected ON sightings(date_detected)`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_zone ON sightings(zone_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sightings_processed ON sightings(processed)`,
		`CREATE TABLE IF NOT EXISTS predictions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			zone_id INTEGER NOT NULL,
			score REAL,
			estimated_count INTEGER NOT NULL,
			first_seen TEXT NOT NULL,
			last_seen TEXT NOT NULL,
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

// sqliteTime uses a fixed-width fraction so lexical order matches
// chronological order and sqlite's date functions still parse the value.
func sqliteTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

func (s *sqliteStore) InsertZone(ctx context.Context, zone model.Zone) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO zones (name, description) VALUES (?, ?)`,
		zone.Name, zone.Description)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) ZoneByID(ctx context.Context, id int64) (model.Zone, error) {
	var z model.Zone
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description FROM zones WHERE id = ?`, id).
		Scan(&z.ID, &z.Name, &z.Description)
	if err == sql.ErrNoRows {
		return model.Zone{}, model.ErrNotFound
	}
	if err != nil {
		return model.Zone{}, err
	}
	return z, nil
}

func (s *sqliteStore) Zones(ctx context.Context) ([]model.Zone, error) {
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

func (s *sqliteStore) InsertSighting(ctx context.Context, sg model.Sighting) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sightings (device_addr, date_detected, device_power, frame_type, zone_id, is_randomized, processed)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sg.Addr,
		sqliteTime(sg.DetectedAt),
		sg.Power,
		string(sg.Frame),
		sg.ZoneID,
		boolToInt(sg.Randomized),
		boolToInt(sg.Processed),
	)
	return err
}

func (s *sqliteStore) SightingsInRange(ctx context.Context, start, end time.Time, zoneID *int64) ([]model.Sighting, error) {
	query := `SELECT id, device_addr, date_detected, device_power, frame_type, zone_id, is_randomized, processed
		FROM sightings WHERE date_detected >= ? AND date_detected < ?`
	args := []any{sqliteTime(start), sqliteTime(end)}
	if zoneID != nil {
		query += ` AND zone_id = ?`
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
		var detected, frame string
		var randomized, processed int
		if err := rows.Scan(&sg.ID, &sg.Addr, &detected, &sg.Power, &frame, &sg.ZoneID, &randomized, &processed); err != nil {
			return nil, err
		}
		ts, err := parseStoredTime(detected)
		if err != nil {
			return nil, err
		}
		sg.DetectedAt = ts
		sg.Frame = model.FrameType(frame)
		sg.Randomized = randomized != 0
		sg.Processed = processed != 0
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimUndisplayed(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sightings SET processed = 1
		WHERE id IN (SELECT id FROM sightings WHERE processed = 0 ORDER BY date_detected LIMIT ?)`,
		limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) InsertPrediction(ctx context.Context, p model.Prediction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO predictions (zone_id, score, estimated_count, first_seen, last_seen, scanned_minutes)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ZoneID,
		p.Score,
		p.EstimatedCount,
		sqliteTime(p.FirstSeen),
		sqliteTime(p.LastSeen),
		p.ScannedMinutes,
	)
	return err
}

const sqlitePredictionSelect = `SELECT p.id, p.zone_id, z.name, p.score, p.estimated_count, p.first_seen, p.last_seen, p.scanned_minutes
	FROM predictions p JOIN zones z ON z.id = p.zone_id`

func (s *sqliteStore) PredictionsByZone(ctx context.Context, zoneID int64) ([]model.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, sqlitePredictionSelect+` WHERE p.zone_id = ? ORDER BY p.id`, zoneID)
	if err != nil {
		return nil, err
	}
	return scanSQLitePredictions(rows)
}

func (s *sqliteStore) AllPredictions(ctx context.Context) ([]model.Prediction, error) {
	rows, err := s.db.QueryContext(ctx, sqlitePredictionSelect+` ORDER BY p.id`)
	if err != nil {
		return nil, err
	}
	return scanSQLitePredictions(rows)
}

func scanSQLitePredictions(rows *sql.Rows) ([]model.Prediction, error) {
	defer rows.Close()
	var out []model.Prediction
	for rows.Next() {
		var p model.Prediction
		var first, last string
		if err := rows.Scan(&p.ID, &p.ZoneID, &p.ZoneName, &p.Score, &p.EstimatedCount, &first, &last, &p.ScannedMinutes); err != nil {
			return nil, err
		}
		var err error
		if p.FirstSeen, err = parseStoredTime(first); err != nil {
			return nil, err
		}
		if p.LastSeen, err = parseStoredTime(last); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Overlap is boundary-inclusive for spans that straddle the window: a scan
// session that started before the window and ended after it still counts.
const sqliteOverlap = `((first_seen >= ? AND first_seen < ?)
	OR (last_seen >= ? AND last_seen < ?)
	OR (first_seen <= ? AND last_seen >= ?))`

func (s *sqliteStore) EstimatedVisitorsInRange(ctx context.Context, start, end time.Time, zoneID *int64) (int, error) {
	st, en := sqliteTime(start), sqliteTime(end)
	query := `SELECT COALESCE(SUM(estimated_count), 0) FROM predictions WHERE ` + sqliteOverlap
	args := []any{st, en, st, en, st, en}
	if zoneID != nil {
		query += ` AND zone_id = ?`
		args = append(args, *zoneID)
	}
	var total int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, err
	}
	return total, nil
}

func (s *sqliteStore) SectionUtilization(ctx context.Context) ([]model.SectionUtilization, error) {
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

func (s *sqliteStore) VisitorsPerDay(ctx context.Context) ([]model.TimeSeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date(first_seen), SUM(estimated_count)
		FROM predictions GROUP BY date(first_seen) ORDER BY date(first_seen)`)
	if err != nil {
		return nil, err
	}
	return scanSQLiteSeries(rows)
}

func (s *sqliteStore) VisitorsPerHour(ctx context.Context) ([]model.TimeSeriesPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT strftime('%Y-%m-%dT%H:00:00Z', first_seen), SUM(estimated_count)
		FROM predictions GROUP BY 1 ORDER BY 1`)
	if err != nil {
		return nil, err
	}
	return scanSQLiteSeries(rows)
}

func scanSQLiteSeries(rows *sql.Rows) ([]model.TimeSeriesPoint, error) {
	defer rows.Close()
	var out []model.TimeSeriesPoint
	for rows.Next() {
		var bucket string
		var count int
		if err := rows.Scan(&bucket, &count); err != nil {
			return nil, err
		}
		ts, err := parseStoredTime(bucket)
		if err != nil {
			return nil, err
		}
		out = append(out, model.TimeSeriesPoint{Timestamp: ts, Count: count})
	}
	return out, rows.Err()
}

func (s *sqliteStore) PeakHoursInRange(ctx context.Context, start, end time.Time) ([]model.HourTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT CAST(strftime('%H', first_seen) AS INTEGER) AS hour, SUM(estimated_count)
		FROM predictions WHERE first_seen >= ? AND first_seen < ?
		GROUP BY hour ORDER BY hour`,
		sqliteTime(start), sqliteTime(end))
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

func (s *sqliteStore) DailyTotalsInRange(ctx context.Context, start, end time.Time) ([]model.DailyTotal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date(first_seen), SUM(estimated_count)
		FROM predictions WHERE first_seen >= ? AND first_seen < ?
		GROUP BY date(first_seen) ORDER BY date(first_seen)`,
		sqliteTime(start), sqliteTime(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DailyTotal
	for rows.Next() {
		var day string
		var total int
		if err := rows.Scan(&day, &total); err != nil {
			return nil, err
		}
		ts, err := parseStoredTime(day)
		if err != nil {
			return nil, err
		}
		out = append(out, model.DailyTotal{Date: ts.Format("01-02-2006"), TotalVisits: total})
	}
	return out, rows.Err()
}

func (s *sqliteStore) AverageScanMinutesByZone(ctx context.Context, start, end time.Time) ([]model.ZoneAverage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT z.name, AVG(p.scanned_minutes)
		FROM predictions p JOIN zones z ON z.id = p.zone_id
		WHERE p.first_seen >= ? AND p.first_seen < ?
		GROUP BY z.name ORDER BY z.name`,
		sqliteTime(start), sqliteTime(end))
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
