package engine

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"crowdsense/internal/config"
	"crowdsense/internal/logging"
	"crowdsense/internal/model"
	"crowdsense/internal/snapshot"
)

// SightingSink is where processed sightings land; satisfied by storage.Store.
type SightingSink interface {
	InsertSighting(ctx context.Context, s model.Sighting) error
}

// Engine is the ingest pipeline: it takes raw sightings off the channel,
// drops duplicates and excluded addresses, persists the rest, and keeps the
// per-zone live windows that feed the snapshot store.
type Engine struct {
	logger     *slog.Logger
	snapshots  *snapshot.Store
	sink       SightingSink
	cfg        atomic.Value
	exclusions atomic.Value
	zones      map[int64]*ZoneState
	mu         sync.Mutex
	started    time.Time
	throttle   *logging.Throttle
	deDupe     *DedupeCache
}

type ZoneState struct {
	id      int64
	windows map[time.Duration]*LiveWindow
}

func NewEngine(cfg *config.Config, logger *slog.Logger, snapshots *snapshot.Store, sink SightingSink) *Engine {
	e := &Engine{
		logger:    logger,
		snapshots: snapshots,
		sink:      sink,
		zones:     make(map[int64]*ZoneState),
		started:   time.Now().UTC(),
		throttle:  logging.NewThrottle(),
		deDupe:    NewDedupeCache(),
	}
	e.cfg.Store(cfg)
	e.exclusions.Store(BuildExclusions(cfg))
	return e
}

func (e *Engine) UpdateConfig(cfg *config.Config) {
	e.cfg.Store(cfg)
	e.exclusions.Store(BuildExclusions(cfg))
}

func (e *Engine) config() *config.Config {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.Config)
	}
	return config.DefaultConfig()
}

func (e *Engine) exclusionSet() *ExclusionSet {
	if v := e.exclusions.Load(); v != nil {
		if set, ok := v.(*ExclusionSet); ok {
			return set
		}
	}
	return nil
}

func (e *Engine) Start(ctx context.Context, in <-chan model.Sighting) {
	go func() {
		for {
			select {
			case s := <-in:
				e.ProcessSighting(ctx, s)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// ProcessSighting runs one sighting through the pipeline. It reports
// whether the sighting was accepted (persisted and counted).
func (e *Engine) ProcessSighting(ctx context.Context, s model.Sighting) bool {
	cfg := e.config()
	now := time.Now().UTC()
	s.DetectedAt = clampTimestamp(s.DetectedAt, now, cfg.Occupancy.MaxFutureSkew)

	if s.Addr == "" || s.ZoneID == 0 {
		return false
	}
	if e.exclusionSet().Contains(s.Addr) {
		return false
	}
	if cfg.Occupancy.DedupeWindow > 0 {
		key := sightingKey(s)
		if e.deDupe.Seen(key, now, cfg.Occupancy.DedupeWindow) {
			return false
		}
	}

	if e.sink != nil {
		if err := e.sink.InsertSighting(ctx, s); err != nil {
			if e.logger != nil && e.throttle.Allow("insert_sighting", 5*time.Second) {
				e.logger.Warn("sighting insert failed",
					"zone_id", s.ZoneID,
					"source", s.Source,
					"err", err,
				)
			}
			return false
		}
	}

	zone := e.getZone(s.ZoneID, cfg)
	snaps := make([]model.ZoneOccupancySnapshot, 0, len(zone.windows))
	for _, w := range zone.sortedWindows() {
		w.Evict(s.DetectedAt.Add(-w.Duration()))
		w.Add(s)
		snaps = append(snaps, model.ZoneOccupancySnapshot{
			ZoneID:        s.ZoneID,
			DistinctCount: w.DistinctCount(cfg.Occupancy.NoiseThreshold),
			WindowLabel:   windowLabel(w.Duration()),
		})
	}
	if e.snapshots != nil && len(snaps) > 0 {
		e.snapshots.Update(s.ZoneID, snaps)
	}
	return true
}

func (e *Engine) Reset() {
	e.mu.Lock()
	e.zones = make(map[int64]*ZoneState)
	e.mu.Unlock()
	e.deDupe.Clear()
	if e.snapshots != nil {
		e.snapshots.Clear()
	}
}

func (e *Engine) getZone(zoneID int64, cfg *config.Config) *ZoneState {
	e.mu.Lock()
	defer e.mu.Unlock()
	if z, ok := e.zones[zoneID]; ok {
		for _, win := range cfg.Occupancy.LiveWindows {
			if _, exists := z.windows[win]; !exists {
				z.windows[win] = NewLiveWindow(win)
			}
		}
		return z
	}
	z := &ZoneState{
		id:      zoneID,
		windows: make(map[time.Duration]*LiveWindow),
	}
	for _, win := range cfg.Occupancy.LiveWindows {
		z.windows[win] = NewLiveWindow(win)
	}
	e.zones[zoneID] = z
	return z
}

func (z *ZoneState) sortedWindows() []*LiveWindow {
	keys := make([]time.Duration, 0, len(z.windows))
	for k := range z.windows {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]*LiveWindow, 0, len(keys))
	for _, k := range keys {
		out = append(out, z.windows[k])
	}
	return out
}

func windowLabel(d time.Duration) string {
	return "live-" + d.String()
}

func sightingKey(s model.Sighting) string {
	return s.Addr + "|" + strconv.FormatInt(s.ZoneID, 10) + "|" + string(s.Frame) + "|" +
		s.DetectedAt.UTC().Format(time.RFC3339Nano)
}

func clampTimestamp(ts, now time.Time, maxFuture time.Duration) time.Time {
	if ts.IsZero() {
		return now
	}
	if maxFuture > 0 && ts.Sub(now) > maxFuture {
		return now
	}
	return ts.UTC()
}
