package opendata

import (
	"errors"
	"time"
)

// ErrMissingField is returned when a feed record lacks an expected field.
// One bad record fails the whole fetch.
var ErrMissingField = errors.New("missing field")

// StaticRecord is one stop-on-line row of the static desserte feed
type StaticRecord struct {
	LineID     string  `json:"line_id"`
	StopID     string  `json:"stop_id"`
	LineName   string  `json:"line_name"`
	StopName   string  `json:"stop_name"`
	StopLon    float64 `json:"stop_lon"`
	StopLat    float64 `json:"stop_lat"`
	DesserteID string  `json:"desserte_id"`
}

// LiveRecord is one vehicle report of the realtime feed
type LiveRecord struct {
	VehicleID  string    `json:"vehicle_id"`
	Lon        float64   `json:"lon"`
	Lat        float64   `json:"lat"`
	Type       string    `json:"type"`
	State      string    `json:"state"`
	DesserteID string    `json:"desserte_id"`
	StopTime   time.Time `json:"stop_time"`
	Time       time.Time `json:"time"`
}

// rawPage is the envelope returned by the open-data records API
type rawPage struct {
	Records []rawRecord `json:"records"`
}

type rawRecord struct {
	Fields          map[string]any `json:"fields"`
	Geometry        *rawGeometry   `json:"geometry"`
	RecordTimestamp string         `json:"record_timestamp"`
}

type rawGeometry struct {
	Coordinates []float64 `json:"coordinates"`
}
