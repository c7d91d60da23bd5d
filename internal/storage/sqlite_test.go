package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"crowdsense/internal/model"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dsn)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	return s
}

func TestZoneRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	id, err := s.InsertZone(ctx, model.Zone{Name: "Atrium", Description: "main hall"})
	if err != nil {
		t.Fatalf("insert zone: %v", err)
	}
	z, err := s.ZoneByID(ctx, id)
	if err != nil {
		t.Fatalf("zone by id: %v", err)
	}
	if z.Name != "Atrium" || z.Description != "main hall" {
		t.Fatalf("zone mismatch: %+v", z)
	}
	if _, err := s.ZoneByID(ctx, 9999); err != model.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestZonesOrderedByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, name := range []string{"Lobby", "Atrium", "Gallery"} {
		if _, err := s.InsertZone(ctx, model.Zone{Name: name}); err != nil {
			t.Fatalf("insert zone: %v", err)
		}
	}
	zones, err := s.Zones(ctx)
	if err != nil {
		t.Fatalf("zones: %v", err)
	}
	if len(zones) != 3 || zones[0].Name != "Atrium" || zones[2].Name != "Lobby" {
		t.Fatalf("unexpected order: %+v", zones)
	}
}

func TestSightingsInRangeHalfOpen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, ts := range []time.Time{base.Add(-time.Second), base, base.Add(time.Minute), base.Add(time.Hour)} {
		err := s.InsertSighting(ctx, model.Sighting{
			Addr:       "AA:00:00:00:00:01",
			DetectedAt: ts,
			Frame:      model.FrameProbeRequest,
			ZoneID:     int64(1 + i%2),
		})
		if err != nil {
			t.Fatalf("insert sighting: %v", err)
		}
	}
	// [base, base+1h): start inclusive, end exclusive.
	got, err := s.SightingsInRange(ctx, base, base.Add(time.Hour), nil)
	if err != nil {
		t.Fatalf("sightings in range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sightings, got %d", len(got))
	}
	if !got[0].DetectedAt.Equal(base) {
		t.Fatalf("start boundary should be included: %v", got[0].DetectedAt)
	}

	zone := int64(2)
	got, err = s.SightingsInRange(ctx, base, base.Add(time.Hour), &zone)
	if err != nil {
		t.Fatalf("sightings in range: %v", err)
	}
	if len(got) != 1 || got[0].ZoneID != 2 {
		t.Fatalf("zone filter broken: %+v", got)
	}
}

func TestClaimUndisplayed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		err := s.InsertSighting(ctx, model.Sighting{
			Addr:       "AA:00:00:00:00:01",
			DetectedAt: base.Add(time.Duration(i) * time.Second),
			Frame:      model.FrameProbeRequest,
			ZoneID:     1,
		})
		if err != nil {
			t.Fatalf("insert sighting: %v", err)
		}
	}
	n, err := s.ClaimUndisplayed(ctx, 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n != 5 {
		t.Fatalf("expected 5 claimed, got %d", n)
	}
	// second claim sees only the remainder
	n, err = s.ClaimUndisplayed(ctx, 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 claimed, got %d", n)
	}
	n, err = s.ClaimUndisplayed(ctx, 5)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 claimed, got %d", n)
	}
}

func TestEstimatedVisitorsOverlap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	zoneID, err := s.InsertZone(ctx, model.Zone{Name: "Atrium"})
	if err != nil {
		t.Fatalf("insert zone: %v", err)
	}
	day := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	insert := func(first, last time.Time, count int) {
		t.Helper()
		err := s.InsertPrediction(ctx, model.Prediction{
			ZoneID:         zoneID,
			EstimatedCount: count,
			FirstSeen:      first,
			LastSeen:       last,
			ScannedMinutes: int(last.Sub(first).Minutes()),
		})
		if err != nil {
			t.Fatalf("insert prediction: %v", err)
		}
	}
	// inside the window
	insert(day.Add(10*time.Hour), day.Add(11*time.Hour), 5)
	// starts before, ends inside
	insert(day.Add(-time.Hour), day.Add(time.Hour), 7)
	// straddles the whole window
	insert(day.Add(-24*time.Hour), day.Add(48*time.Hour), 11)
	// entirely outside
	insert(day.Add(-3*time.Hour), day.Add(-2*time.Hour), 100)

	total, err := s.EstimatedVisitorsInRange(ctx, day, day.Add(24*time.Hour), nil)
	if err != nil {
		t.Fatalf("estimated in range: %v", err)
	}
	if total != 23 {
		t.Fatalf("expected 23, got %d", total)
	}

	total, err = s.EstimatedVisitorsInRange(ctx, day, day.Add(24*time.Hour), &zoneID)
	if err != nil {
		t.Fatalf("estimated in range: %v", err)
	}
	if total != 23 {
		t.Fatalf("zone filter: expected 23, got %d", total)
	}
}

func TestPredictionsJoinZoneName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	zoneID, _ := s.InsertZone(ctx, model.Zone{Name: "Gallery"})
	score := 0.5
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := s.InsertPrediction(ctx, model.Prediction{
		ZoneID: zoneID, Score: &score, EstimatedCount: 9,
		FirstSeen: now, LastSeen: now.Add(30 * time.Minute), ScannedMinutes: 30,
	})
	if err != nil {
		t.Fatalf("insert prediction: %v", err)
	}
	preds, err := s.AllPredictions(ctx)
	if err != nil {
		t.Fatalf("all predictions: %v", err)
	}
	if len(preds) != 1 || preds[0].ZoneName != "Gallery" {
		t.Fatalf("join broken: %+v", preds)
	}
	if preds[0].Score == nil || *preds[0].Score != 0.5 {
		t.Fatalf("score lost: %+v", preds[0].Score)
	}

	byZone, err := s.PredictionsByZone(ctx, zoneID)
	if err != nil {
		t.Fatalf("predictions by zone: %v", err)
	}
	if len(byZone) != 1 {
		t.Fatalf("expected 1 row, got %d", len(byZone))
	}
}

func TestNullScoreSurvives(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	zoneID, _ := s.InsertZone(ctx, model.Zone{Name: "Lobby"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	err := s.InsertPrediction(ctx, model.Prediction{
		ZoneID: zoneID, Score: nil, EstimatedCount: 2,
		FirstSeen: now, LastSeen: now.Add(time.Minute), ScannedMinutes: 1,
	})
	if err != nil {
		t.Fatalf("insert prediction: %v", err)
	}
	preds, err := s.AllPredictions(ctx)
	if err != nil {
		t.Fatalf("all predictions: %v", err)
	}
	if preds[0].Score != nil {
		t.Fatalf("expected nil score, got %v", *preds[0].Score)
	}
}

func TestDailyTotalsAndPeakHours(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	zoneID, _ := s.InsertZone(ctx, model.Zone{Name: "Atrium"})
	day1 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	for _, c := range []struct {
		ts    time.Time
		count int
	}{
		{day1, 4},
		{day1.Add(time.Hour), 6},
		{day2, 3},
	} {
		err := s.InsertPrediction(ctx, model.Prediction{
			ZoneID: zoneID, EstimatedCount: c.count,
			FirstSeen: c.ts, LastSeen: c.ts.Add(time.Minute), ScannedMinutes: 1,
		})
		if err != nil {
			t.Fatalf("insert prediction: %v", err)
		}
	}
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(7 * 24 * time.Hour)

	days, err := s.DailyTotalsInRange(ctx, start, end)
	if err != nil {
		t.Fatalf("daily totals: %v", err)
	}
	if len(days) != 2 || days[0].Date != "03-01-2026" || days[0].TotalVisits != 10 {
		t.Fatalf("daily totals: %+v", days)
	}
	if days[1].TotalVisits != 3 {
		t.Fatalf("daily totals: %+v", days)
	}

	hours, err := s.PeakHoursInRange(ctx, start, end)
	if err != nil {
		t.Fatalf("peak hours: %v", err)
	}
	if len(hours) != 2 || hours[0].Hour != 9 || hours[0].TotalVisits != 7 {
		t.Fatalf("peak hours: %+v", hours)
	}
	if hours[1].Hour != 10 || hours[1].TotalVisits != 6 {
		t.Fatalf("peak hours: %+v", hours)
	}
}

func TestAverageScanMinutes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	zoneID, _ := s.InsertZone(ctx, model.Zone{Name: "Atrium"})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, minutes := range []int{10, 20} {
		err := s.InsertPrediction(ctx, model.Prediction{
			ZoneID: zoneID, EstimatedCount: 1,
			FirstSeen: now, LastSeen: now.Add(time.Duration(minutes) * time.Minute),
			ScannedMinutes: minutes,
		})
		if err != nil {
			t.Fatalf("insert prediction: %v", err)
		}
	}
	out, err := s.AverageScanMinutesByZone(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("average scan minutes: %v", err)
	}
	if len(out) != 1 || out[0].ZoneName != "Atrium" || out[0].Average != 15 {
		t.Fatalf("average mismatch: %+v", out)
	}
}
