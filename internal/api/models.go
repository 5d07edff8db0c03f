package api

import (
	"time"

	"github.com/open-transit-stream/poller/internal/db"
	"github.com/open-transit-stream/poller/internal/geoindex"
)

// Position is the JSON shape of a persisted vehicle report
type Position struct {
	VehicleID  string    `json:"vehicleId"`
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Type       string    `json:"type"`
	State      string    `json:"state"`
	DesserteID string    `json:"desserteId"`
	StopTime   time.Time `json:"stopTime"`
	Time       time.Time `json:"time"`
}

// Stop is the JSON shape of a reference stop
type Stop struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	LineID string  `json:"lineId"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

// PositionsResponse is the JSON response for GET /api/positions
type PositionsResponse struct {
	Positions []Position `json:"positions"`
	Count     int        `json:"count"`
}

// StopsResponse is the JSON response for GET /api/stops
type StopsResponse struct {
	Stops []Stop `json:"stops"`
	Count int    `json:"count"`
}

// NearbyResponse is the JSON response for GET /api/stops/nearby
type NearbyResponse struct {
	Stops  []geoindex.Point `json:"stops"`
	Count  int              `json:"count"`
	Radius float64          `json:"radius"`
}

// ErrorResponse is the JSON error response structure
type ErrorResponse struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

func toPosition(p db.Position) Position {
	return Position{
		VehicleID:  p.VehicleID,
		Lat:        p.Lat,
		Lon:        p.Lon,
		Type:       p.Type,
		State:      p.State,
		DesserteID: p.DesserteID,
		StopTime:   p.StopTime,
		Time:       p.Time,
	}
}

func toStop(s db.Stop) Stop {
	return Stop{ID: s.ID, Name: s.Name, LineID: s.LineID, Lat: s.Lat, Lon: s.Lon}
}
