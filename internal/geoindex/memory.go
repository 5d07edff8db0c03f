package geoindex

import (
	"context"
	"fmt"
	"math"
	"path"
	"sort"
	"sync"

	"github.com/mmcloughlin/geohash"
)

// cellPrecision 6 gives cells of roughly 1.2km x 0.6km at the equator. The
// east-west side shrinks with cos(lat), so the usable cover is computed per
// query by ringCover.
const cellPrecision = 6

type memCollection struct {
	points map[string]Point
	cells  map[string]map[string]struct{} // geohash -> ids
}

// Memory is an in-process Index. Points are bucketed by geohash cell and
// distances are exact haversine. Channels are keyed by name, last write wins.
type Memory struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
	watches     map[string]Watch
}

// NewMemory creates an empty index
func NewMemory() *Memory {
	return &Memory{
		collections: make(map[string]*memCollection),
		watches:     make(map[string]Watch),
	}
}

// Close is a no-op
func (m *Memory) Close() error {
	return nil
}

// UpsertPoint stores or overwrites a point
func (m *Memory) UpsertPoint(_ context.Context, collection, id, name string, lat, lon float64) error {
	if !validCoordinate(lat, lon) {
		return fmt.Errorf("invalid coordinate for %s: (%f, %f)", id, lat, lon)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[collection]
	if !ok {
		c = &memCollection{
			points: make(map[string]Point),
			cells:  make(map[string]map[string]struct{}),
		}
		m.collections[collection] = c
	}

	if old, ok := c.points[id]; ok {
		oldCell := geohash.EncodeWithPrecision(old.Lat, old.Lon, cellPrecision)
		delete(c.cells[oldCell], id)
	}

	cell := geohash.EncodeWithPrecision(lat, lon, cellPrecision)
	if c.cells[cell] == nil {
		c.cells[cell] = make(map[string]struct{})
	}
	c.cells[cell][id] = struct{}{}
	c.points[id] = Point{ID: id, Name: name, Lat: lat, Lon: lon}
	return nil
}

// WatchNearby registers or replaces the watch named channel
func (m *Memory) WatchNearby(_ context.Context, channel, collection string, lat, lon, radius float64) error {
	if radius <= 0 {
		return fmt.Errorf("radius must be positive, got %f", radius)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watches[channel] = Watch{
		Channel:    channel,
		Collection: collection,
		Lat:        lat,
		Lon:        lon,
		Radius:     radius,
	}
	return nil
}

// Nearby returns the points of collection within radius meters, closest first
func (m *Memory) Nearby(_ context.Context, collection string, lat, lon, radius float64) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.collections[collection]
	if !ok {
		return nil, nil
	}

	var candidates []Point
	center := geohash.EncodeWithPrecision(lat, lon, cellPrecision)
	if radius <= ringCover(center, lat) {
		for _, cell := range append(geohash.Neighbors(center), center) {
			for id := range c.cells[cell] {
				candidates = append(candidates, c.points[id])
			}
		}
	} else {
		for _, p := range c.points {
			candidates = append(candidates, p)
		}
	}

	var points []Point
	for _, p := range candidates {
		d := Haversine(lat, lon, p.Lat, p.Lon)
		if d <= radius {
			p.Distance = d
			points = append(points, p)
		}
	}
	sort.Slice(points, func(i, j int) bool {
		if points[i].Distance == points[j].Distance {
			return points[i].ID < points[j].ID
		}
		return points[i].Distance < points[j].Distance
	})
	return points, nil
}

// ringCover is the largest radius, in meters, that a circle centered in cell
// can have while staying inside the cell and its eight neighbors: the
// smaller of the cell height and its width at the poleward edge of the ring.
func ringCover(cell string, lat float64) float64 {
	box := geohash.BoundingBox(cell)
	dLat := box.MaxLat - box.MinLat

	edge := box.MaxLat + dLat
	if lat < 0 {
		edge = box.MinLat - dLat
	}
	edge = math.Max(-90, math.Min(90, edge))

	height := Haversine(box.MinLat, box.MinLng, box.MaxLat, box.MinLng)
	width := Haversine(edge, box.MinLng, edge, box.MaxLng)
	return math.Min(height, width)
}

// Channels lists watches whose name matches the glob pattern, sorted by name
func (m *Memory) Channels(_ context.Context, pattern string) ([]Watch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var watches []Watch
	for name, w := range m.watches {
		ok, err := path.Match(pattern, name)
		if err != nil {
			return nil, fmt.Errorf("bad channel pattern %q: %w", pattern, err)
		}
		if ok {
			watches = append(watches, w)
		}
	}
	sort.Slice(watches, func(i, j int) bool { return watches[i].Channel < watches[j].Channel })
	return watches, nil
}

// Flush removes every collection and watch
func (m *Memory) Flush(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.collections = make(map[string]*memCollection)
	m.watches = make(map[string]Watch)
	return nil
}
