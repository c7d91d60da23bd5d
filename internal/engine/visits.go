package engine

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"crowdsense/internal/config"
	"crowdsense/internal/model"
)

// SightingSource is the slice of the store the classifier needs.
type SightingSource interface {
	SightingsInRange(ctx context.Context, start, end time.Time, zoneID *int64) ([]model.Sighting, error)
}

// Classifier turns raw sightings into distinct genuine visitors. Probe
// requests are cheap noise: an idle phone beacons constantly whether or not
// anyone is actually dwelling, so a probe-only address counts just when its
// sighting count in the window exceeds the noise threshold. Any other frame
// type (association, data) is strong evidence and counts on one sighting.
type Classifier struct {
	source     SightingSource
	threshold  func() int
	exclusions func() *ExclusionSet
}

func NewClassifier(source SightingSource, noiseThreshold int, exclusions *ExclusionSet) *Classifier {
	if noiseThreshold <= 0 {
		noiseThreshold = 25
	}
	return &Classifier{
		source:     source,
		threshold:  func() int { return noiseThreshold },
		exclusions: func() *ExclusionSet { return exclusions },
	}
}

// NewManagedClassifier reads the noise threshold and exclusion list from the
// config manager on every count, so reloads apply without a restart. The
// exclusion set is rebuilt only when the manager hands out a new config.
func NewManagedClassifier(source SightingSource, cfg *config.Manager) *Classifier {
	var cache atomic.Value
	return &Classifier{
		source: source,
		threshold: func() int {
			if n := cfg.Get().Occupancy.NoiseThreshold; n > 0 {
				return n
			}
			return 25
		},
		exclusions: func() *ExclusionSet {
			current := cfg.Get()
			if v := cache.Load(); v != nil {
				if c := v.(*exclusionCache); c.cfg == current {
					return c.set
				}
			}
			set := BuildExclusions(current)
			cache.Store(&exclusionCache{cfg: current, set: set})
			return set
		},
	}
}

type exclusionCache struct {
	cfg *config.Config
	set *ExclusionSet
}

// VisitorsInWindow counts distinct visitors in [start, end), optionally
// restricted to one zone. An empty window is zero, not an error.
func (c *Classifier) VisitorsInWindow(ctx context.Context, start, end time.Time, zoneID *int64) (int, error) {
	sightings, err := c.source.SightingsInRange(ctx, start, end, zoneID)
	if err != nil {
		return 0, fmt.Errorf("load sightings: %w", err)
	}
	addrs := DistinctVisitors(sightings, c.threshold(), c.exclusions())
	return len(addrs), nil
}

// VisitorAddrsInWindow is VisitorsInWindow keeping the address set, for
// callers that need the identities and not just the count.
func (c *Classifier) VisitorAddrsInWindow(ctx context.Context, start, end time.Time, zoneID *int64) ([]string, error) {
	sightings, err := c.source.SightingsInRange(ctx, start, end, zoneID)
	if err != nil {
		return nil, fmt.Errorf("load sightings: %w", err)
	}
	return DistinctVisitors(sightings, c.threshold(), c.exclusions()), nil
}

// DistinctVisitors applies the dedup rules to a batch: partition by frame
// type, keep probe-request addresses only above the threshold, keep every
// other address, union the two sets. An address satisfying both rules
// counts once. The returned slice is sorted for deterministic output.
func DistinctVisitors(sightings []model.Sighting, noiseThreshold int, exclusions *ExclusionSet) []string {
	probeCounts := make(map[string]int)
	present := make(map[string]struct{})
	for _, s := range sightings {
		if s.Addr == "" {
			continue
		}
		if exclusions.Contains(s.Addr) {
			continue
		}
		if s.Frame == model.FrameProbeRequest {
			probeCounts[s.Addr]++
			continue
		}
		present[s.Addr] = struct{}{}
	}
	for addr, n := range probeCounts {
		if n > noiseThreshold {
			present[addr] = struct{}{}
		}
	}
	out := make([]string, 0, len(present))
	for addr := range present {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}
