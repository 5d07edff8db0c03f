package geoindex

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/open-transit-stream/poller/internal/config"
)

// StopCollection is the collection holding one point per stop
const StopCollection = "stopList"

// Point is a named location stored in a collection
type Point struct {
	ID       string  `json:"id"`
	Name     string  `json:"name,omitempty"`
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Distance float64 `json:"distance_m,omitempty"` // set by Nearby
}

// Watch is a standing proximity watch registered on a channel
type Watch struct {
	Channel    string  `json:"channel"`
	Collection string  `json:"collection"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Radius     float64 `json:"radius"`
}

// Index stores named points and radius watches. Radius is in meters.
type Index interface {
	UpsertPoint(ctx context.Context, collection, id, name string, lat, lon float64) error
	WatchNearby(ctx context.Context, channel, collection string, lat, lon, radius float64) error
	Nearby(ctx context.Context, collection string, lat, lon, radius float64) ([]Point, error)
	Channels(ctx context.Context, pattern string) ([]Watch, error)
	Flush(ctx context.Context) error
	Close() error
}

// Open returns the index selected by cfg.GeoIndexBackend
func Open(cfg *config.Config) (Index, error) {
	switch cfg.GeoIndexBackend {
	case "tile38":
		client := redis.NewClient(&redis.Options{
			Addr:            cfg.Tile38.Addr(),
			Password:        cfg.Tile38.Password,
			DB:              cfg.Tile38.DB,
			Protocol:        2,
			DisableIdentity: true,
		})
		return NewTile38(client), nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown geo index backend %q", cfg.GeoIndexBackend)
	}
}
