package geoindex

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"
)

// commander is the subset of *redis.Client used to speak RESP to Tile38
type commander interface {
	Do(ctx context.Context, args ...any) *redis.Cmd
	Close() error
}

// Tile38 is an Index backed by a Tile38 server reached over the Redis protocol
type Tile38 struct {
	client commander
}

// NewTile38 wraps a connected RESP client
func NewTile38(client commander) *Tile38 {
	return &Tile38{client: client}
}

// Close closes the underlying client
func (t *Tile38) Close() error {
	return t.client.Close()
}

// UpsertPoint stores or overwrites a point. The stop name travels as a
// string field since Tile38 has no dedicated name slot.
func (t *Tile38) UpsertPoint(ctx context.Context, collection, id, name string, lat, lon float64) error {
	if !validCoordinate(lat, lon) {
		return fmt.Errorf("invalid coordinate for %s: (%f, %f)", id, lat, lon)
	}
	args := []any{"SET", collection, id}
	if name != "" {
		args = append(args, "FIELD", "name", name)
	}
	args = append(args, "POINT", lat, lon)

	if err := t.client.Do(ctx, args...).Err(); err != nil {
		return fmt.Errorf("tile38 SET %s %s: %w", collection, id, err)
	}
	return nil
}

// WatchNearby registers a NEARBY channel. Tile38 replaces an existing
// channel of the same name, so re-registration is idempotent.
func (t *Tile38) WatchNearby(ctx context.Context, channel, collection string, lat, lon, radius float64) error {
	cmd := []any{
		"SETCHAN",
		channel,
		"NEARBY",
		collection,
		"POINT",
		lat,
		lon,
		radius,
	}
	if err := t.client.Do(ctx, cmd...).Err(); err != nil {
		return fmt.Errorf("tile38 SETCHAN %s: %w", channel, err)
	}
	return nil
}

// Nearby returns the points of collection within radius meters, closest first
func (t *Tile38) Nearby(ctx context.Context, collection string, lat, lon, radius float64) ([]Point, error) {
	res, err := t.client.Do(ctx, "NEARBY", collection, "POINTS", "POINT", lat, lon, radius).Result()
	if err != nil {
		return nil, fmt.Errorf("tile38 NEARBY %s: %w", collection, err)
	}

	items, err := resultItems(res)
	if err != nil {
		return nil, fmt.Errorf("tile38 NEARBY %s: %w", collection, err)
	}

	points := make([]Point, 0, len(items))
	for _, item := range items {
		p, err := parsePointItem(item)
		if err != nil {
			return nil, fmt.Errorf("tile38 NEARBY %s: %w", collection, err)
		}
		p.Distance = Haversine(lat, lon, p.Lat, p.Lon)
		points = append(points, p)
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].Distance < points[j].Distance })
	return points, nil
}

// Channels lists registered channels matching pattern ("*" for all)
func (t *Tile38) Channels(ctx context.Context, pattern string) ([]Watch, error) {
	res, err := t.client.Do(ctx, "CHANS", pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("tile38 CHANS %s: %w", pattern, err)
	}
	list, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("tile38 CHANS: unexpected reply %T", res)
	}

	watches := make([]Watch, 0, len(list))
	for _, entry := range list {
		fields, ok := entry.([]any)
		if !ok || len(fields) < 2 {
			continue
		}
		w := Watch{
			Channel:    toString(fields[0]),
			Collection: toString(fields[1]),
		}
		// Entries are [name, key, [command args...], endpoints, meta]
		if len(fields) > 2 {
			if args, ok := fields[2].([]any); ok {
				w.Lat, w.Lon, w.Radius = fenceArea(args)
			}
		}
		watches = append(watches, w)
	}
	return watches, nil
}

// fenceArea reads the POINT lat lon radius area of a stored NEARBY command.
// Areas it cannot parse come back as zeros.
func fenceArea(args []any) (lat, lon, radius float64) {
	for i := 0; i+3 < len(args); i++ {
		if !strings.EqualFold(toString(args[i]), "POINT") {
			continue
		}
		var vals [3]float64
		for j := range vals {
			v, err := toFloat(args[i+1+j])
			if err != nil {
				return 0, 0, 0
			}
			vals[j] = v
		}
		return vals[0], vals[1], vals[2]
	}
	return 0, 0, 0
}

// Flush removes every collection and channel
func (t *Tile38) Flush(ctx context.Context) error {
	if err := t.client.Do(ctx, "FLUSHDB").Err(); err != nil {
		return fmt.Errorf("tile38 FLUSHDB: %w", err)
	}
	log.Println("Tile38: flushed all collections and channels")
	return nil
}

// resultItems unwraps the [cursor, [items...]] reply of a search command
func resultItems(res any) ([]any, error) {
	reply, ok := res.([]any)
	if !ok || len(reply) < 2 {
		return nil, fmt.Errorf("unexpected reply %v", res)
	}
	items, ok := reply[1].([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected items %T", reply[1])
	}
	return items, nil
}

// parsePointItem decodes [id, [lat, lon], [field, value, ...]?]
func parsePointItem(item any) (Point, error) {
	fields, ok := item.([]any)
	if !ok || len(fields) < 2 {
		return Point{}, fmt.Errorf("unexpected item %v", item)
	}
	coords, ok := fields[1].([]any)
	if !ok || len(coords) < 2 {
		return Point{}, fmt.Errorf("unexpected point %v", fields[1])
	}
	lat, err := toFloat(coords[0])
	if err != nil {
		return Point{}, err
	}
	lon, err := toFloat(coords[1])
	if err != nil {
		return Point{}, err
	}

	p := Point{ID: toString(fields[0]), Lat: lat, Lon: lon}
	if len(fields) > 2 {
		if kv, ok := fields[2].([]any); ok {
			for i := 0; i+1 < len(kv); i += 2 {
				if toString(kv[i]) == "name" {
					p.Name = toString(kv[i+1])
				}
			}
		}
	}
	return p, nil
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(x)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("unexpected coordinate %T", v)
	}
}
