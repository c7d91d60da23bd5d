package engine

import (
	"time"

	"crowdsense/internal/model"
)

// Bounds computes the half-open [start, end) range for a standard window
// kind from a UTC reference time. Every caller goes through here so the
// boundary convention cannot drift between endpoints.
func Bounds(kind model.WindowKind, now time.Time) (time.Time, time.Time) {
	midnight := now.UTC().Truncate(24 * time.Hour)
	switch kind {
	case model.WindowToday:
		return midnight, midnight.Add(24 * time.Hour)
	case model.WindowLastDay:
		return midnight.Add(-24 * time.Hour), midnight
	case model.WindowLastWeek:
		return midnight.Add(-7 * 24 * time.Hour), midnight
	case model.WindowLastMonth:
		return midnight.Add(-30 * 24 * time.Hour), midnight
	default:
		return midnight, midnight.Add(24 * time.Hour)
	}
}

// CustomBounds validates an arbitrary range.
func CustomBounds(start, end time.Time) (time.Time, time.Time, error) {
	if start.IsZero() || end.IsZero() {
		return time.Time{}, time.Time{}, &model.ValidationError{Field: "window", Reason: "start and end are required"}
	}
	if !end.After(start) {
		return time.Time{}, time.Time{}, &model.ValidationError{Field: "window", Reason: "end must be after start"}
	}
	return start.UTC(), end.UTC(), nil
}

// LiveWindow is a rolling in-memory window over one zone's sightings. It
// tracks per-address probe counts and non-probe presence incrementally so
// the live distinct count follows the same threshold rules as the batch
// classifier without a store round trip.
type LiveWindow struct {
	duration    time.Duration
	entries     []liveEntry
	head        int
	probeCounts map[string]int
	otherCounts map[string]int
}

type liveEntry struct {
	ts    time.Time
	addr  string
	probe bool
}

func NewLiveWindow(duration time.Duration) *LiveWindow {
	return &LiveWindow{
		duration:    duration,
		entries:     make([]liveEntry, 0, 128),
		probeCounts: make(map[string]int),
		otherCounts: make(map[string]int),
	}
}

func (w *LiveWindow) Duration() time.Duration {
	return w.duration
}

func (w *LiveWindow) Add(s model.Sighting) {
	probe := s.Frame == model.FrameProbeRequest
	w.entries = append(w.entries, liveEntry{ts: s.DetectedAt, addr: s.Addr, probe: probe})
	if probe {
		w.probeCounts[s.Addr]++
	} else {
		w.otherCounts[s.Addr]++
	}
}

func (w *LiveWindow) Evict(cutoff time.Time) {
	for w.head < len(w.entries) {
		e := w.entries[w.head]
		if !e.ts.Before(cutoff) {
			break
		}
		if e.probe {
			if n := w.probeCounts[e.addr]; n <= 1 {
				delete(w.probeCounts, e.addr)
			} else {
				w.probeCounts[e.addr] = n - 1
			}
		} else {
			if n := w.otherCounts[e.addr]; n <= 1 {
				delete(w.otherCounts, e.addr)
			} else {
				w.otherCounts[e.addr] = n - 1
			}
		}
		w.head++
	}
	if w.head > 0 && w.head*2 >= len(w.entries) {
		w.entries = append([]liveEntry{}, w.entries[w.head:]...)
		w.head = 0
	}
}

// DistinctCount applies the union rule: any non-probe presence, or a probe
// count strictly above the threshold.
func (w *LiveWindow) DistinctCount(noiseThreshold int) int {
	count := len(w.otherCounts)
	for addr, n := range w.probeCounts {
		if n <= noiseThreshold {
			continue
		}
		if _, ok := w.otherCounts[addr]; ok {
			continue
		}
		count++
	}
	return count
}
