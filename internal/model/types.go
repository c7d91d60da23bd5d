package model

import (
	"strconv"
	"time"
)

type FrameType string

// FrameProbeRequest is the only frame type treated as weak evidence of
// presence; every other frame type counts on a single observation.
const FrameProbeRequest FrameType = "Probe Request"

type Sighting struct {
	ID         int64     `json:"id,omitempty"`
	Addr       string    `json:"device_addr"`
	DetectedAt time.Time `json:"date_detected"`
	Power      int       `json:"device_power"`
	Frame      FrameType `json:"frame_type"`
	ZoneID     int64     `json:"zone_id"`
	Randomized bool      `json:"is_randomized"`
	Processed  bool      `json:"processed"`
	Source     string    `json:"source,omitempty"`
}

type Zone struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Prediction struct {
	ID             int64     `json:"id,omitempty"`
	ZoneID         int64     `json:"zone_id"`
	ZoneName       string    `json:"zone_name,omitempty"`
	EstimatedCount int       `json:"estimated_count"`
	Score          *float64  `json:"score"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	ScannedMinutes int       `json:"scanned_minutes"`
}

type OccupancyClass string

const (
	OccupancySpacious  OccupancyClass = "Spacious"
	OccupancyModerate  OccupancyClass = "Moderate"
	OccupancyCongested OccupancyClass = "Congested"
)

type WindowKind string

const (
	WindowToday     WindowKind = "today"
	WindowLastDay   WindowKind = "last-day"
	WindowLastWeek  WindowKind = "last-week"
	WindowLastMonth WindowKind = "last-month"
	WindowCustom    WindowKind = "custom"
)

// ParseWindowKind maps a request path segment or query value to a window
// kind. Unknown values are a validation failure, not a silent default.
func ParseWindowKind(value string) (WindowKind, error) {
	switch WindowKind(value) {
	case WindowToday, WindowLastDay, WindowLastWeek, WindowLastMonth:
		return WindowKind(value), nil
	}
	return "", &ValidationError{Field: "window", Reason: "unknown window kind " + strconv.Quote(value)}
}

func (k WindowKind) Label() string {
	switch k {
	case WindowToday:
		return "Today"
	case WindowLastDay:
		return "Last Day"
	case WindowLastWeek:
		return "Last Week"
	case WindowLastMonth:
		return "Last Month"
	default:
		return "Custom"
	}
}

// ZoneOccupancySnapshot is a derived, non-persisted count for one zone and
// one window label.
type ZoneOccupancySnapshot struct {
	ZoneID        int64  `json:"zone_id"`
	DistinctCount int    `json:"distinct_count"`
	WindowLabel   string `json:"window_label"`
}

type WindowCount struct {
	ZoneID      *int64 `json:"zone_id,omitempty"`
	Count       int    `json:"count"`
	WindowLabel string `json:"analysis_type"`
}

type PredictionScore struct {
	ZoneName string   `json:"zone_name"`
	Count    int      `json:"count"`
	Score    *float64 `json:"score"`
}

type EstimatedCount struct {
	ZoneName string `json:"zone_name"`
	Count    int    `json:"count"`
}

type SectionUtilization struct {
	SectionName string `json:"section_name"`
	Count       int    `json:"count"`
}

type TimeSeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

type HourTotal struct {
	Hour        int `json:"hour"`
	TotalVisits int `json:"total_visits"`
}

type DailyTotal struct {
	Date        string `json:"date"`
	TotalVisits int    `json:"total_visits"`
}

type ZoneAverage struct {
	ZoneName string  `json:"zone_name"`
	Average  float64 `json:"average"`
}

type ZoneRecommendation struct {
	ZoneID   int64          `json:"section_id"`
	ZoneName string         `json:"section_name"`
	Count    int            `json:"count"`
	Status   OccupancyClass `json:"status"`
}

// FeedUpdate is the only payload shape the live feed pushes.
type FeedUpdate struct {
	Count     int    `json:"count"`
	Timestamp string `json:"timestamp"`
}
