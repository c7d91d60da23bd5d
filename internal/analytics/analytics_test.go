package analytics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crowdsense/internal/config"
	"crowdsense/internal/model"
)

type fakeStore struct {
	zones             map[int64]model.Zone
	predictions       []model.Prediction
	estimated         map[int64]int
	failures          int
	estimatedFailures int
	calls             int
}

func (f *fakeStore) fail() error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errors.New("transient store failure")
	}
	return nil
}

func (f *fakeStore) ZoneByID(_ context.Context, id int64) (model.Zone, error) {
	if err := f.fail(); err != nil {
		return model.Zone{}, err
	}
	z, ok := f.zones[id]
	if !ok {
		return model.Zone{}, model.ErrNotFound
	}
	return z, nil
}

func (f *fakeStore) Zones(_ context.Context) ([]model.Zone, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	out := make([]model.Zone, 0, len(f.zones))
	for _, z := range f.zones {
		out = append(out, z)
	}
	return out, nil
}

func (f *fakeStore) PredictionsByZone(_ context.Context, zoneID int64) ([]model.Prediction, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	var out []model.Prediction
	for _, p := range f.predictions {
		if p.ZoneID == zoneID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) AllPredictions(_ context.Context) ([]model.Prediction, error) {
	if err := f.fail(); err != nil {
		return nil, err
	}
	return f.predictions, nil
}

func (f *fakeStore) EstimatedVisitorsInRange(_ context.Context, _, _ time.Time, zoneID *int64) (int, error) {
	if f.estimatedFailures > 0 {
		f.estimatedFailures--
		return 0, errors.New("transient store failure")
	}
	if err := f.fail(); err != nil {
		return 0, err
	}
	if zoneID != nil {
		return f.estimated[*zoneID], nil
	}
	total := 0
	for _, n := range f.estimated {
		total += n
	}
	return total, nil
}

func (f *fakeStore) SectionUtilization(context.Context) ([]model.SectionUtilization, error) {
	return nil, f.fail()
}

func (f *fakeStore) VisitorsPerDay(context.Context) ([]model.TimeSeriesPoint, error) {
	return nil, f.fail()
}

func (f *fakeStore) VisitorsPerHour(context.Context) ([]model.TimeSeriesPoint, error) {
	return nil, f.fail()
}

func (f *fakeStore) PeakHoursInRange(context.Context, time.Time, time.Time) ([]model.HourTotal, error) {
	return nil, f.fail()
}

func (f *fakeStore) DailyTotalsInRange(context.Context, time.Time, time.Time) ([]model.DailyTotal, error) {
	return nil, f.fail()
}

func (f *fakeStore) AverageScanMinutesByZone(context.Context, time.Time, time.Time) ([]model.ZoneAverage, error) {
	return nil, f.fail()
}

type fakeCounter struct {
	count    int
	err      error
	failures int
}

func (f *fakeCounter) VisitorsInWindow(context.Context, time.Time, time.Time, *int64) (int, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("transient counter failure")
	}
	if f.err != nil {
		return 0, f.err
	}
	return f.count, nil
}

func newAggregatorForTest(store *fakeStore, counter *fakeCounter) *Aggregator {
	return NewAggregator(store, counter, config.NewStaticManager(config.DefaultConfig()))
}

func TestCountForWindowLabels(t *testing.T) {
	store := &fakeStore{zones: map[int64]model.Zone{1: {ID: 1, Name: "Hall A"}}}
	agg := newAggregatorForTest(store, &fakeCounter{count: 7})

	out, err := agg.CountForWindow(context.Background(), nil, model.WindowToday)
	require.NoError(t, err)
	assert.Equal(t, 7, out.Count)
	assert.Equal(t, "Today", out.WindowLabel)

	zone := int64(1)
	out, err = agg.CountForWindow(context.Background(), &zone, model.WindowLastWeek)
	require.NoError(t, err)
	assert.Equal(t, "Last Week", out.WindowLabel)
	require.NotNil(t, out.ZoneID)
	assert.Equal(t, zone, *out.ZoneID)
}

func TestCountForWindowUnknownZone(t *testing.T) {
	store := &fakeStore{zones: map[int64]model.Zone{}}
	agg := newAggregatorForTest(store, &fakeCounter{count: 3})
	zone := int64(99)
	_, err := agg.CountForWindow(context.Background(), &zone, model.WindowToday)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCountForRangeValidation(t *testing.T) {
	store := &fakeStore{zones: map[int64]model.Zone{}}
	agg := newAggregatorForTest(store, &fakeCounter{count: 3})
	now := time.Now()
	_, err := agg.CountForRange(context.Background(), nil, now, now.Add(-time.Hour))
	assert.True(t, model.IsValidation(err))
}

func TestCountRetriesOnceOnTransientFailure(t *testing.T) {
	store := &fakeStore{zones: map[int64]model.Zone{}}
	counter := &fakeCounter{count: 4, failures: 1}
	agg := newAggregatorForTest(store, counter)
	out, err := agg.CountForWindow(context.Background(), nil, model.WindowToday)
	require.NoError(t, err)
	assert.Equal(t, 4, out.Count)
}

func TestCountGivesUpAfterSecondFailure(t *testing.T) {
	store := &fakeStore{zones: map[int64]model.Zone{}}
	counter := &fakeCounter{failures: 2}
	agg := newAggregatorForTest(store, counter)
	_, err := agg.CountForWindow(context.Background(), nil, model.WindowToday)
	assert.ErrorIs(t, err, ErrAggregation)
}

func TestPredictionsForZoneEmptyNotError(t *testing.T) {
	store := &fakeStore{zones: map[int64]model.Zone{2: {ID: 2, Name: "Hall B"}}}
	agg := newAggregatorForTest(store, &fakeCounter{})
	out, err := agg.PredictionsForZone(context.Background(), 2)
	require.NoError(t, err)
	require.NotNil(t, out)
	assert.Empty(t, out)
}

func TestPredictionsForUnknownZone(t *testing.T) {
	store := &fakeStore{zones: map[int64]model.Zone{}}
	agg := newAggregatorForTest(store, &fakeCounter{})
	_, err := agg.PredictionsForZone(context.Background(), 42)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPredictionScoresKeepNullScore(t *testing.T) {
	score := 0.82
	store := &fakeStore{
		zones: map[int64]model.Zone{1: {ID: 1, Name: "Hall A"}},
		predictions: []model.Prediction{
			{ZoneID: 1, ZoneName: "Hall A", EstimatedCount: 12, Score: &score},
			{ZoneID: 1, ZoneName: "Hall A", EstimatedCount: 3, Score: nil},
		},
	}
	agg := newAggregatorForTest(store, &fakeCounter{})
	out, err := agg.PredictionScores(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.NotNil(t, out[0].Score)
	assert.InDelta(t, 0.82, *out[0].Score, 1e-9)
	assert.Nil(t, out[1].Score)
}

func TestEstimatedForWindowSums(t *testing.T) {
	store := &fakeStore{
		zones:     map[int64]model.Zone{1: {ID: 1}},
		estimated: map[int64]int{1: 15, 2: 5},
	}
	agg := newAggregatorForTest(store, &fakeCounter{})
	out, err := agg.EstimatedForWindow(context.Background(), nil, model.WindowLastDay)
	require.NoError(t, err)
	assert.Equal(t, 20, out.Count)
	assert.Equal(t, "Last Day", out.WindowLabel)
}

func TestRecommendZonesClassifies(t *testing.T) {
	store := &fakeStore{
		zones: map[int64]model.Zone{
			1: {ID: 1, Name: "Atrium"},
			2: {ID: 2, Name: "Gallery"},
			3: {ID: 3, Name: "Lobby"},
		},
		estimated: map[int64]int{1: 60, 2: 5, 3: 25},
	}
	agg := newAggregatorForTest(store, &fakeCounter{})
	out, err := agg.RecommendZones(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 3)
	byName := map[string]model.OccupancyClass{}
	for _, rec := range out {
		byName[rec.ZoneName] = rec.Status
	}
	assert.Equal(t, model.OccupancyCongested, byName["Atrium"])
	assert.Equal(t, model.OccupancySpacious, byName["Gallery"])
	assert.Equal(t, model.OccupancyModerate, byName["Lobby"])
}

func TestRecommendZonesRetriesEstimatedRead(t *testing.T) {
	store := &fakeStore{
		zones:             map[int64]model.Zone{1: {ID: 1, Name: "Atrium"}},
		estimated:         map[int64]int{1: 60},
		estimatedFailures: 1,
	}
	agg := newAggregatorForTest(store, &fakeCounter{})
	out, err := agg.RecommendZones(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 60, out[0].Count)
	assert.Equal(t, model.OccupancyCongested, out[0].Status)

	store.estimatedFailures = 2
	_, err = agg.RecommendZones(context.Background())
	require.ErrorIs(t, err, ErrAggregation)
}

func TestRangeAggregatesValidateBounds(t *testing.T) {
	store := &fakeStore{zones: map[int64]model.Zone{}}
	agg := newAggregatorForTest(store, &fakeCounter{})
	now := time.Now()

	if _, err := agg.PeakHoursInRange(context.Background(), now, now); !model.IsValidation(err) {
		t.Fatalf("peak hours: expected validation error, got %v", err)
	}
	if _, err := agg.DailyTotalsInRange(context.Background(), now, now); !model.IsValidation(err) {
		t.Fatalf("daily totals: expected validation error, got %v", err)
	}
	if _, err := agg.AverageScanMinutesByZone(context.Background(), now, now); !model.IsValidation(err) {
		t.Fatalf("scan minutes: expected validation error, got %v", err)
	}
}
