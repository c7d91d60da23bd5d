package analytics

import (
	"context"
	"errors"
	"time"

	"crowdsense/internal/config"
	"crowdsense/internal/engine"
	"crowdsense/internal/model"
)

// ErrAggregation marks a storage failure inside an aggregate query. Partial
// aggregates are never returned alongside it.
var ErrAggregation = errors.New("aggregation failed")

// Store is the aggregator's view of storage.
type Store interface {
	ZoneByID(ctx context.Context, id int64) (model.Zone, error)
	Zones(ctx context.Context) ([]model.Zone, error)
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

// VisitorCounter is satisfied by engine.Classifier.
type VisitorCounter interface {
	VisitorsInWindow(ctx context.Context, start, end time.Time, zoneID *int64) (int, error)
}

// Aggregator serves the synchronous query surface: distinct-visitor counts
// for standard windows, prediction series, and the chart aggregates.
type Aggregator struct {
	store   Store
	counter VisitorCounter
	cfg     *config.Manager
	now     func() time.Time
}

func NewAggregator(store Store, counter VisitorCounter, cfg *config.Manager) *Aggregator {
	return &Aggregator{store: store, counter: counter, cfg: cfg, now: func() time.Time { return time.Now().UTC() }}
}

// CountForWindow reports distinct visitors for a standard window, all zones
// or one. An unknown zone is NotFound so callers can tell "no such zone"
// from "no activity".
func (a *Aggregator) CountForWindow(ctx context.Context, zoneID *int64, kind model.WindowKind) (model.WindowCount, error) {
	if err := a.checkZone(ctx, zoneID); err != nil {
		return model.WindowCount{}, err
	}
	start, end := engine.Bounds(kind, a.now())
	return a.countRange(ctx, zoneID, start, end, kind.Label())
}

// CountForRange is CountForWindow with caller-supplied bounds.
func (a *Aggregator) CountForRange(ctx context.Context, zoneID *int64, start, end time.Time) (model.WindowCount, error) {
	start, end, err := engine.CustomBounds(start, end)
	if err != nil {
		return model.WindowCount{}, err
	}
	if err := a.checkZone(ctx, zoneID); err != nil {
		return model.WindowCount{}, err
	}
	return a.countRange(ctx, zoneID, start, end, model.WindowCustom.Label())
}

func (a *Aggregator) countRange(ctx context.Context, zoneID *int64, start, end time.Time, label string) (model.WindowCount, error) {
	var count int
	err := a.retryRead(ctx, func() error {
		var err error
		count, err = a.counter.VisitorsInWindow(ctx, start, end, zoneID)
		return err
	})
	if err != nil {
		return model.WindowCount{}, errors.Join(ErrAggregation, err)
	}
	return model.WindowCount{ZoneID: zoneID, Count: count, WindowLabel: label}, nil
}

// EstimatedForWindow sums recorded prediction counts over a standard
// window, with boundary-straddling scan sessions included.
func (a *Aggregator) EstimatedForWindow(ctx context.Context, zoneID *int64, kind model.WindowKind) (model.WindowCount, error) {
	if err := a.checkZone(ctx, zoneID); err != nil {
		return model.WindowCount{}, err
	}
	start, end := engine.Bounds(kind, a.now())
	var total int
	err := a.retryRead(ctx, func() error {
		var err error
		total, err = a.store.EstimatedVisitorsInRange(ctx, start, end, zoneID)
		return err
	})
	if err != nil {
		return model.WindowCount{}, errors.Join(ErrAggregation, err)
	}
	return model.WindowCount{ZoneID: zoneID, Count: total, WindowLabel: kind.Label()}, nil
}

func (a *Aggregator) AllPredictions(ctx context.Context) ([]model.Prediction, error) {
	var out []model.Prediction
	err := a.retryRead(ctx, func() error {
		var err error
		out, err = a.store.AllPredictions(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrAggregation, err)
	}
	return out, nil
}

// PredictionsForZone returns the zone's prediction rows in insertion order.
// A known zone with no rows is an empty list, not an error.
func (a *Aggregator) PredictionsForZone(ctx context.Context, zoneID int64) ([]model.Prediction, error) {
	if err := a.checkZone(ctx, &zoneID); err != nil {
		return nil, err
	}
	var out []model.Prediction
	err := a.retryRead(ctx, func() error {
		var err error
		out, err = a.store.PredictionsByZone(ctx, zoneID)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrAggregation, err)
	}
	if out == nil {
		out = []model.Prediction{}
	}
	return out, nil
}

func (a *Aggregator) PredictionScores(ctx context.Context) ([]model.PredictionScore, error) {
	preds, err := a.AllPredictions(ctx)
	if err != nil {
		return nil, err
	}
	return toScores(preds), nil
}

func (a *Aggregator) PredictionScoresForZone(ctx context.Context, zoneID int64) ([]model.PredictionScore, error) {
	preds, err := a.PredictionsForZone(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	return toScores(preds), nil
}

func (a *Aggregator) EstimatedCounts(ctx context.Context) ([]model.EstimatedCount, error) {
	preds, err := a.AllPredictions(ctx)
	if err != nil {
		return nil, err
	}
	return toEstimates(preds), nil
}

func (a *Aggregator) EstimatedCountsForZone(ctx context.Context, zoneID int64) ([]model.EstimatedCount, error) {
	preds, err := a.PredictionsForZone(ctx, zoneID)
	if err != nil {
		return nil, err
	}
	return toEstimates(preds), nil
}

func (a *Aggregator) SectionUtilization(ctx context.Context) ([]model.SectionUtilization, error) {
	var out []model.SectionUtilization
	err := a.retryRead(ctx, func() error {
		var err error
		out, err = a.store.SectionUtilization(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrAggregation, err)
	}
	return out, nil
}

func (a *Aggregator) VisitorsPerDay(ctx context.Context) ([]model.TimeSeriesPoint, error) {
	var out []model.TimeSeriesPoint
	err := a.retryRead(ctx, func() error {
		var err error
		out, err = a.store.VisitorsPerDay(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrAggregation, err)
	}
	return out, nil
}

func (a *Aggregator) VisitorsPerHour(ctx context.Context) ([]model.TimeSeriesPoint, error) {
	var out []model.TimeSeriesPoint
	err := a.retryRead(ctx, func() error {
		var err error
		out, err = a.store.VisitorsPerHour(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrAggregation, err)
	}
	return out, nil
}

func (a *Aggregator) PeakHoursInRange(ctx context.Context, start, end time.Time) ([]model.HourTotal, error) {
	start, end, verr := engine.CustomBounds(start, end)
	if verr != nil {
		return nil, verr
	}
	var out []model.HourTotal
	err := a.retryRead(ctx, func() error {
		var err error
		out, err = a.store.PeakHoursInRange(ctx, start, end)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrAggregation, err)
	}
	return out, nil
}

func (a *Aggregator) DailyTotalsInRange(ctx context.Context, start, end time.Time) ([]model.DailyTotal, error) {
	start, end, verr := engine.CustomBounds(start, end)
	if verr != nil {
		return nil, verr
	}
	var out []model.DailyTotal
	err := a.retryRead(ctx, func() error {
		var err error
		out, err = a.store.DailyTotalsInRange(ctx, start, end)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrAggregation, err)
	}
	return out, nil
}

func (a *Aggregator) AverageScanMinutesByZone(ctx context.Context, start, end time.Time) ([]model.ZoneAverage, error) {
	start, end, verr := engine.CustomBounds(start, end)
	if verr != nil {
		return nil, verr
	}
	var out []model.ZoneAverage
	err := a.retryRead(ctx, func() error {
		var err error
		out, err = a.store.AverageScanMinutesByZone(ctx, start, end)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrAggregation, err)
	}
	return out, nil
}

// RecommendZones classifies every zone by its current-hour estimated count,
// ordered by zone name.
func (a *Aggregator) RecommendZones(ctx context.Context) ([]model.ZoneRecommendation, error) {
	var zones []model.Zone
	err := a.retryRead(ctx, func() error {
		var err error
		zones, err = a.store.Zones(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Join(ErrAggregation, err)
	}
	now := a.now()
	hourStart := now.Truncate(time.Hour)
	hourEnd := hourStart.Add(time.Hour)
	occ := a.cfg.Get().Occupancy
	out := make([]model.ZoneRecommendation, 0, len(zones))
	for _, zone := range zones {
		zoneID := zone.ID
		var count int
		err := a.retryRead(ctx, func() error {
			var err error
			count, err = a.store.EstimatedVisitorsInRange(ctx, hourStart, hourEnd, &zoneID)
			return err
		})
		if err != nil {
			return nil, errors.Join(ErrAggregation, err)
		}
		out = append(out, model.ZoneRecommendation{
			ZoneID:   zone.ID,
			ZoneName: zone.Name,
			Count:    count,
			Status:   engine.ClassifyCountWith(count, occ.CongestedThreshold, occ.SpaciousThreshold),
		})
	}
	return out, nil
}

func (a *Aggregator) checkZone(ctx context.Context, zoneID *int64) error {
	if zoneID == nil {
		return nil
	}
	return a.retryRead(ctx, func() error {
		_, err := a.store.ZoneByID(ctx, *zoneID)
		return err
	})
}

// retryRead retries a read-only store call once on a transient failure.
// NotFound and validation results are answers, not failures.
func (a *Aggregator) retryRead(ctx context.Context, fn func() error) error {
	err := fn()
	if err == nil || errors.Is(err, model.ErrNotFound) || model.IsValidation(err) {
		return err
	}
	if ctx.Err() != nil {
		return err
	}
	return fn()
}

func toScores(preds []model.Prediction) []model.PredictionScore {
	out := make([]model.PredictionScore, 0, len(preds))
	for _, p := range preds {
		out = append(out, model.PredictionScore{ZoneName: p.ZoneName, Count: p.EstimatedCount, Score: p.Score})
	}
	return out
}

func toEstimates(preds []model.Prediction) []model.EstimatedCount {
	out := make([]model.EstimatedCount, 0, len(preds))
	for _, p := range preds {
		out = append(out, model.EstimatedCount{ZoneName: p.ZoneName, Count: p.EstimatedCount})
	}
	return out
}
