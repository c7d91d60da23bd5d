package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crowdsense/internal/analytics"
	"crowdsense/internal/config"
	"crowdsense/internal/feed"
	"crowdsense/internal/model"
	"crowdsense/internal/snapshot"
)

type stubStore struct {
	zones       map[int64]model.Zone
	predictions []model.Prediction
}

func (s *stubStore) ZoneByID(_ context.Context, id int64) (model.Zone, error) {
	z, ok := s.zones[id]
	if !ok {
		return model.Zone{}, model.ErrNotFound
	}
	return z, nil
}

func (s *stubStore) Zones(context.Context) ([]model.Zone, error) {
	out := make([]model.Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, z)
	}
	return out, nil
}

func (s *stubStore) PredictionsByZone(_ context.Context, zoneID int64) ([]model.Prediction, error) {
	var out []model.Prediction
	for _, p := range s.predictions {
		if p.ZoneID == zoneID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubStore) AllPredictions(context.Context) ([]model.Prediction, error) {
	return s.predictions, nil
}

func (s *stubStore) EstimatedVisitorsInRange(context.Context, time.Time, time.Time, *int64) (int, error) {
	return 21, nil
}

func (s *stubStore) SectionUtilization(context.Context) ([]model.SectionUtilization, error) {
	return []model.SectionUtilization{{SectionName: "Atrium", Count: 5}}, nil
}

func (s *stubStore) VisitorsPerDay(context.Context) ([]model.TimeSeriesPoint, error) {
	return nil, nil
}

func (s *stubStore) VisitorsPerHour(context.Context) ([]model.TimeSeriesPoint, error) {
	return nil, nil
}

func (s *stubStore) PeakHoursInRange(context.Context, time.Time, time.Time) ([]model.HourTotal, error) {
	return []model.HourTotal{{Hour: 9, TotalVisits: 10}}, nil
}

func (s *stubStore) DailyTotalsInRange(context.Context, time.Time, time.Time) ([]model.DailyTotal, error) {
	return nil, nil
}

func (s *stubStore) AverageScanMinutesByZone(context.Context, time.Time, time.Time) ([]model.ZoneAverage, error) {
	return nil, nil
}

type stubCounter struct{ count int }

func (s *stubCounter) VisitorsInWindow(context.Context, time.Time, time.Time, *int64) (int, error) {
	return s.count, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *snapshot.Store, *feed.History) {
	t.Helper()
	manager := config.NewStaticManager(config.DefaultConfig())
	store := &stubStore{
		zones: map[int64]model.Zone{1: {ID: 1, Name: "Atrium"}},
		predictions: []model.Prediction{
			{ID: 1, ZoneID: 1, ZoneName: "Atrium", EstimatedCount: 8,
				FirstSeen: time.Now().Add(-time.Hour), LastSeen: time.Now(), ScannedMinutes: 60},
		},
	}
	snaps := snapshot.NewStore(100)
	history := feed.NewHistory(10)
	srv := &Server{
		cfg:       manager,
		agg:       analytics.NewAggregator(store, &stubCounter{count: 12}, manager),
		snapshots: snaps,
		history:   history,
		hub:       feed.NewHub(nil, time.Second),
		version:   "test",
	}
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts, snaps, history
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestStatusEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body map[string]any
	if code := getJSON(t, ts.URL+"/status", &body); code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Fatalf("unexpected status body: %v", body)
	}
}

func TestVisitorCountWindows(t *testing.T) {
	ts, _, _ := newTestServer(t)
	for path, label := range map[string]string{
		"/visitors/count/today":      "Today",
		"/visitors/count/last-day":   "Last Day",
		"/visitors/count/last-week":  "Last Week",
		"/visitors/count/last-month": "Last Month",
	} {
		var out model.WindowCount
		if code := getJSON(t, ts.URL+path, &out); code != http.StatusOK {
			t.Fatalf("%s: status %d", path, code)
		}
		if out.Count != 12 || out.WindowLabel != label {
			t.Fatalf("%s: got %+v", path, out)
		}
	}
}

func TestVisitorCountUnknownWindow(t *testing.T) {
	ts, _, _ := newTestServer(t)
	if code := getJSON(t, ts.URL+"/visitors/count/fortnight", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestVisitorCountUnknownZone(t *testing.T) {
	ts, _, _ := newTestServer(t)
	if code := getJSON(t, ts.URL+"/visitors/count/today?zone=99", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestVisitorCountBadZoneParam(t *testing.T) {
	ts, _, _ := newTestServer(t)
	if code := getJSON(t, ts.URL+"/visitors/count/today?zone=abc", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestVisitorCountRange(t *testing.T) {
	ts, _, _ := newTestServer(t)
	start := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	end := time.Now().UTC().Format(time.RFC3339)
	var out model.WindowCount
	code := getJSON(t, ts.URL+"/visitors/count/range?start="+start+"&end="+end, &out)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if out.WindowLabel != "Custom" {
		t.Fatalf("label: %s", out.WindowLabel)
	}
	if code := getJSON(t, ts.URL+"/visitors/count/range?start="+end+"&end="+start, nil); code != http.StatusBadRequest {
		t.Fatalf("inverted range: expected 400, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/visitors/count/range", nil); code != http.StatusBadRequest {
		t.Fatalf("missing range: expected 400, got %d", code)
	}
}

func TestEstimatedWindow(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var out model.WindowCount
	if code := getJSON(t, ts.URL+"/visitors/estimated/today", &out); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if out.Count != 21 {
		t.Fatalf("count: %d", out.Count)
	}
}

func TestPredictionsEndpoints(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body struct {
		Predictions []model.Prediction `json:"predictions"`
		Count       int                `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/predictions", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.Count != 1 || body.Predictions[0].ZoneName != "Atrium" {
		t.Fatalf("body: %+v", body)
	}
	if code := getJSON(t, ts.URL+"/predictions/zone/99", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
	if code := getJSON(t, ts.URL+"/predictions/zone/abc", nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", code)
	}
}

func TestLiveSnapshots(t *testing.T) {
	ts, snaps, _ := newTestServer(t)
	snaps.Update(1, []model.ZoneOccupancySnapshot{{ZoneID: 1, DistinctCount: 4, WindowLabel: "live-5m0s"}})
	var body struct {
		ZoneID  int64                         `json:"zone_id"`
		Windows []model.ZoneOccupancySnapshot `json:"windows"`
	}
	if code := getJSON(t, ts.URL+"/occupancy/live/1", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.Windows) != 1 || body.Windows[0].DistinctCount != 4 {
		t.Fatalf("body: %+v", body)
	}
	if code := getJSON(t, ts.URL+"/occupancy/live/2", nil); code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", code)
	}
}

func TestFeedHistoryEndpoint(t *testing.T) {
	ts, _, history := newTestServer(t)
	history.Add(model.FeedUpdate{Count: 3, Timestamp: "2026-03-01T10:00:00Z"})
	var body struct {
		Updates []model.FeedUpdate `json:"updates"`
		Count   int                `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/feed/history", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if body.Count != 1 || body.Updates[0].Count != 3 {
		t.Fatalf("body: %+v", body)
	}
}

func TestRecommendEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t)
	var body struct {
		Zones []model.ZoneRecommendation `json:"zones"`
	}
	if code := getJSON(t, ts.URL+"/zones/recommend", &body); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if len(body.Zones) != 1 || body.Zones[0].Status != model.OccupancyModerate {
		t.Fatalf("body: %+v", body.Zones)
	}
}

func TestAdminClear(t *testing.T) {
	ts, snaps, history := newTestServer(t)
	snaps.Update(1, []model.ZoneOccupancySnapshot{{ZoneID: 1, DistinctCount: 1, WindowLabel: "live-5m0s"}})
	history.Add(model.FeedUpdate{Count: 1, Timestamp: "2026-03-01T10:00:00Z"})
	resp, err := http.Post(ts.URL+"/admin/clear", "application/json", strings.NewReader(`{"target":"all"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if len(snaps.GetAll()) != 0 || len(history.List(0)) != 0 {
		t.Fatalf("clear did not empty state")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	ts, _, _ := newTestServer(t)
	resp, err := http.Post(ts.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status %d", resp.StatusCode)
	}
}
