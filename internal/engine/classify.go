package engine

import "crowdsense/internal/model"

// Default occupancy thresholds. A count at or above the congested threshold
// is Congested, at or below the spacious threshold is Spacious, anything
// between is Moderate.
const (
	DefaultCongestedThreshold = 50
	DefaultSpaciousThreshold  = 10
)

func ClassifyCount(count int) model.OccupancyClass {
	return ClassifyCountWith(count, DefaultCongestedThreshold, DefaultSpaciousThreshold)
}

func ClassifyCountWith(count, congested, spacious int) model.OccupancyClass {
	if congested <= 0 {
		congested = DefaultCongestedThreshold
	}
	if spacious <= 0 {
		spacious = DefaultSpaciousThreshold
	}
	switch {
	case count >= congested:
		return model.OccupancyCongested
	case count <= spacious:
		return model.OccupancySpacious
	default:
		return model.OccupancyModerate
	}
}
