package engine

import (
	"testing"

	"crowdsense/internal/model"
)

func TestClassifyCountBoundaries(t *testing.T) {
	cases := []struct {
		count int
		want  model.OccupancyClass
	}{
		{0, model.OccupancySpacious},
		{9, model.OccupancySpacious},
		{10, model.OccupancySpacious},
		{11, model.OccupancyModerate},
		{49, model.OccupancyModerate},
		{50, model.OccupancyCongested},
		{120, model.OccupancyCongested},
	}
	for _, c := range cases {
		if got := ClassifyCount(c.count); got != c.want {
			t.Fatalf("count %d: got %s, want %s", c.count, got, c.want)
		}
	}
}

func TestClassifyCountWithCustomThresholds(t *testing.T) {
	if got := ClassifyCountWith(5, 20, 4); got != model.OccupancyModerate {
		t.Fatalf("got %s", got)
	}
	if got := ClassifyCountWith(20, 20, 4); got != model.OccupancyCongested {
		t.Fatalf("got %s", got)
	}
	if got := ClassifyCountWith(4, 20, 4); got != model.OccupancySpacious {
		t.Fatalf("got %s", got)
	}
}
