package feed

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"crowdsense/internal/config"
	"crowdsense/internal/model"
)

// Batcher is the one store operation the feed needs: atomically claim a
// batch of not-yet-displayed sightings.
type Batcher interface {
	ClaimUndisplayed(ctx context.Context, limit int) (int, error)
}

// Feed drives the live counter: every tick it claims a bounded random-sized
// batch of undisplayed sightings, then pushes {count, timestamp} to every
// connected dashboard. The random batch size smooths a large backlog over
// several ticks instead of dumping it on clients at once.
type Feed struct {
	cfg     *config.Manager
	store   Batcher
	hub     *Hub
	history *History
	logger  *slog.Logger
	loc     *time.Location
}

func New(cfg *config.Manager, store Batcher, hub *Hub, history *History, logger *slog.Logger) *Feed {
	loc := time.UTC
	if tz := cfg.Get().Feed.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return &Feed{cfg: cfg, store: store, hub: hub, history: history, logger: logger, loc: loc}
}

// Run ticks until the context ends or the store fails. A store failure is
// the one fatal case: the loop cannot know what was already marked
// displayed, so it closes every connection and reports the error.
func (f *Feed) Run(ctx context.Context) error {
	interval := f.cfg.Get().Feed.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			f.hub.CloseAll()
			return ctx.Err()
		case <-ticker.C:
			if err := f.Tick(ctx); err != nil {
				if f.logger != nil {
					f.logger.Error("feed tick failed, closing feed", "err", err)
				}
				f.hub.CloseAll()
				return err
			}
		}
	}
}

// Tick claims one batch, records it, and broadcasts. Claiming and counting
// are one store statement, so two ticks can never double-report a batch.
func (f *Feed) Tick(ctx context.Context) error {
	cfg := f.cfg.Get().Feed
	size := batchSize(cfg.BatchMin, cfg.BatchMax)
	count, err := f.store.ClaimUndisplayed(ctx, size)
	if err != nil {
		return fmt.Errorf("claim undisplayed sightings: %w", err)
	}
	update := model.FeedUpdate{
		Count:     count,
		Timestamp: time.Now().In(f.loc).Format(time.RFC3339),
	}
	if f.history != nil {
		f.history.Add(update)
	}
	f.hub.Broadcast(update)
	if f.logger != nil && count > 0 {
		f.logger.Debug("feed tick", "count", count, "batch_size", size, "clients", f.hub.Count())
	}
	return nil
}

func batchSize(min, max int) int {
	if min <= 0 {
		min = 10
	}
	if max < min {
		max = min
	}
	return min + rand.Intn(max-min+1)
}
