package snapshot

import (
	"testing"

	"crowdsense/internal/model"
)

func snap(zone int64, label string, count int) model.ZoneOccupancySnapshot {
	return model.ZoneOccupancySnapshot{ZoneID: zone, DistinctCount: count, WindowLabel: label}
}

func TestUpdateAndGet(t *testing.T) {
	s := NewStore(10)
	s.Update(1, []model.ZoneOccupancySnapshot{snap(1, "live-5m0s", 3), snap(1, "live-1h0m0s", 8)})
	list, updated, ok := s.Get(1)
	if !ok {
		t.Fatalf("expected zone 1")
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 windows, got %d", len(list))
	}
	if updated.IsZero() {
		t.Fatalf("updated_at not set")
	}
}

func TestUpdateReplacesWindowLabel(t *testing.T) {
	s := NewStore(10)
	s.Update(1, []model.ZoneOccupancySnapshot{snap(1, "live-5m0s", 3)})
	s.Update(1, []model.ZoneOccupancySnapshot{snap(1, "live-5m0s", 7)})
	list, _, _ := s.Get(1)
	if len(list) != 1 || list[0].DistinctCount != 7 {
		t.Fatalf("expected replacement, got %+v", list)
	}
}

func TestEvictionAtLimit(t *testing.T) {
	s := NewStore(2)
	s.Update(1, []model.ZoneOccupancySnapshot{snap(1, "live-5m0s", 1)})
	s.Update(2, []model.ZoneOccupancySnapshot{snap(2, "live-5m0s", 2)})
	s.Update(3, []model.ZoneOccupancySnapshot{snap(3, "live-5m0s", 3)})
	if len(s.GetAll()) != 2 {
		t.Fatalf("expected 2 zones after eviction, got %d", len(s.GetAll()))
	}
	if _, _, ok := s.Get(3); !ok {
		t.Fatalf("newest zone evicted")
	}
}

func TestClear(t *testing.T) {
	s := NewStore(10)
	s.Update(1, []model.ZoneOccupancySnapshot{snap(1, "live-5m0s", 1)})
	s.Clear()
	if len(s.GetAll()) != 0 {
		t.Fatalf("clear left state behind")
	}
}

func TestIgnoresEmptyUpdate(t *testing.T) {
	s := NewStore(10)
	s.Update(0, []model.ZoneOccupancySnapshot{snap(0, "live-5m0s", 1)})
	s.Update(1, nil)
	if len(s.GetAll()) != 0 {
		t.Fatalf("expected no state, got %v", s.GetAll())
	}
}
