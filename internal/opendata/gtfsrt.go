package opendata

import (
	"context"
	"fmt"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"github.com/open-transit-stream/poller/internal/config"
)

// GTFSRTClient reads vehicle positions from a GTFS-Realtime protobuf feed
// and normalizes them into LiveRecord. The trip id stands in for the
// desserte id; reports carry no scheduled stop time, so StopTime is the
// report time.
type GTFSRTClient struct {
	http *http.Client
	url  string
}

// NewGTFSRTClient creates a GTFS-RT live source reading cfg.LiveFeedURL as-is
func NewGTFSRTClient(cfg *config.Config) *GTFSRTClient {
	return &GTFSRTClient{
		http: &http.Client{
			Timeout: cfg.HTTPTimeout,
		},
		url: cfg.LiveFeedURL,
	}
}

// FetchLive fetches and decodes one feed snapshot
func (c *GTFSRTClient) FetchLive(ctx context.Context) ([]LiveRecord, error) {
	body, err := get(ctx, c.http, c.url)
	if err != nil {
		return nil, err
	}

	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("failed to parse protobuf: %w", err)
	}

	headerTS := feed.GetHeader().GetTimestamp()

	var records []LiveRecord
	for i, entity := range feed.GetEntity() {
		vehicle := entity.GetVehicle()
		if vehicle == nil {
			continue
		}
		rec, err := normalizeVehiclePosition(vehicle, headerTS)
		if err != nil {
			return nil, fmt.Errorf("entity %d (%s): %w", i, entity.GetId(), err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func normalizeVehiclePosition(v *gtfs.VehiclePosition, headerTS uint64) (LiveRecord, error) {
	var rec LiveRecord

	rec.VehicleID = v.GetVehicle().GetId()
	if rec.VehicleID == "" {
		return rec, fmt.Errorf("%w: vehicle.id", ErrMissingField)
	}
	if v.Position == nil {
		return rec, fmt.Errorf("%w: position", ErrMissingField)
	}
	rec.Lat = float64(v.GetPosition().GetLatitude())
	rec.Lon = float64(v.GetPosition().GetLongitude())

	rec.DesserteID = v.GetTrip().GetTripId()
	if rec.DesserteID == "" {
		return rec, fmt.Errorf("%w: trip.trip_id", ErrMissingField)
	}
	rec.Type = v.GetTrip().GetRouteId()
	rec.State = v.GetCurrentStatus().String()

	ts := v.GetTimestamp()
	if ts == 0 {
		ts = headerTS
	}
	if ts == 0 {
		return rec, fmt.Errorf("%w: timestamp", ErrMissingField)
	}
	rec.Time = time.Unix(int64(ts), 0).UTC()
	rec.StopTime = rec.Time
	return rec, nil
}
