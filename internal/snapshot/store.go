package snapshot

import (
	"sync"
	"time"

	"crowdsense/internal/model"
)

// Store holds the latest live occupancy snapshot per zone per window label.
// Snapshots are derived state: losing one costs nothing, the next sighting
// rebuilds it.
type Store struct {
	mu        sync.RWMutex
	byZone    map[int64]map[string]model.ZoneOccupancySnapshot
	updatedAt map[int64]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{
		byZone:    make(map[int64]map[string]model.ZoneOccupancySnapshot),
		updatedAt: make(map[int64]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(zoneID int64, snaps []model.ZoneOccupancySnapshot) {
	if zoneID == 0 || len(snaps) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byZone[zoneID]
	if !ok {
		m = make(map[string]model.ZoneOccupancySnapshot)
		s.byZone[zoneID] = m
	}
	for _, snap := range snaps {
		m[snap.WindowLabel] = snap
	}
	s.updatedAt[zoneID] = time.Now().UTC()
	if len(s.byZone) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(zoneID int64) ([]model.ZoneOccupancySnapshot, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byZone[zoneID]
	if !ok {
		return nil, time.Time{}, false
	}
	out := make([]model.ZoneOccupancySnapshot, 0, len(m))
	for _, snap := range m {
		out = append(out, snap)
	}
	return out, s.updatedAt[zoneID], true
}

func (s *Store) GetAll() map[int64][]model.ZoneOccupancySnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int64][]model.ZoneOccupancySnapshot, len(s.byZone))
	for zoneID, m := range s.byZone {
		list := make([]model.ZoneOccupancySnapshot, 0, len(m))
		for _, snap := range m {
			list = append(list, snap)
		}
		out[zoneID] = list
	}
	return out
}

func (s *Store) evictOldest() {
	var oldestZone int64
	var oldest time.Time
	first := true
	for zoneID, ts := range s.updatedAt {
		if first || ts.Before(oldest) {
			oldestZone = zoneID
			oldest = ts
			first = false
		}
	}
	if !first {
		delete(s.byZone, oldestZone)
		delete(s.updatedAt, oldestZone)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byZone = make(map[int64]map[string]model.ZoneOccupancySnapshot)
	s.updatedAt = make(map[int64]time.Time)
}
