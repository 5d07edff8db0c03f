package fencing

import (
	"context"
	"fmt"
	"log"

	"github.com/open-transit-stream/poller/internal/geoindex"
)

// ChannelPrefix names the proximity channel subscribers listen on. With
// per-stop channels the stop id is appended after a colon.
const ChannelPrefix = "bus_stop"

// Stop is a stop to register: id, display name and position
type Stop struct {
	ID   string
	Name string
	Lat  float64
	Lon  float64
}

// Result summarizes a fencing run
type Result struct {
	Points int
	Fences int
}

// Channel returns the channel a stop's watch is registered on. Without
// perStop every stop shares ChannelPrefix, and indexes that replace a channel
// by name keep only the last stop's fence.
func Channel(stopID string, perStop bool) string {
	if perStop {
		return ChannelPrefix + ":" + stopID
	}
	return ChannelPrefix
}

// Setup registers every stop as a point in the stop collection, then
// registers a radius watch centered on it. Re-running with the same stops
// leaves the index unchanged. The first index error aborts the run.
func Setup(ctx context.Context, idx geoindex.Index, stops []Stop, radius float64, perStop bool) (Result, error) {
	if radius <= 0 {
		return Result{}, fmt.Errorf("fencing radius must be positive, got %v", radius)
	}

	var res Result
	for _, s := range stops {
		if err := idx.UpsertPoint(ctx, geoindex.StopCollection, s.ID, s.Name, s.Lat, s.Lon); err != nil {
			return res, fmt.Errorf("failed to index stop %s: %w", s.ID, err)
		}
		res.Points++

		channel := Channel(s.ID, perStop)
		if err := idx.WatchNearby(ctx, channel, geoindex.StopCollection, s.Lat, s.Lon, radius); err != nil {
			return res, fmt.Errorf("failed to register fence %s: %w", channel, err)
		}
		res.Fences++
	}

	log.Printf("Fencing: indexed %d stops, registered %d fences (radius %.0fm)", res.Points, res.Fences, radius)
	return res, nil
}
