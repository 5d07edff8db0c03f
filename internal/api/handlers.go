package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bluele/gcache"

	"github.com/open-transit-stream/poller/internal/db"
	"github.com/open-transit-stream/poller/internal/geoindex"
)

// Repository is the read side of the store used by the handlers
type Repository interface {
	Positions(ctx context.Context, q db.PositionQuery) ([]db.Position, error)
	Stops(ctx context.Context) ([]db.Stop, error)
	Counts(ctx context.Context) (db.Counts, error)
	Ping(ctx context.Context) error
}

// StopFinder answers proximity queries against indexed stops
type StopFinder interface {
	Nearby(ctx context.Context, collection string, lat, lon, radius float64) ([]geoindex.Point, error)
}

// Handler serves the read API
type Handler struct {
	repo          Repository
	stops         StopFinder
	defaultRadius float64
	nearbyCache   gcache.Cache // query key -> []geoindex.Point
}

// NewHandler creates a handler. defaultRadius applies when a nearby query
// omits radius.
func NewHandler(repo Repository, stops StopFinder, defaultRadius float64) *Handler {
	return &Handler{
		repo:          repo,
		stops:         stops,
		defaultRadius: defaultRadius,
		// Stops only change on setup, so a short TTL is enough
		nearbyCache: gcache.New(1024).
			LRU().
			Expiration(time.Minute).
			Build(),
	}
}

// Health handles GET /health with a store connectivity check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}

	body := map[string]any{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	}
	if counts, err := h.repo.Counts(ctx); err == nil {
		body["counts"] = counts
	}
	writeJSON(w, http.StatusOK, body)
}

// GetPositions handles GET /api/positions
// Optional vehicle_id and limit query parameters. Insertion order.
func (h *Handler) GetPositions(w http.ResponseWriter, r *http.Request) {
	q := db.PositionQuery{VehicleID: r.URL.Query().Get("vehicle_id")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit", map[string]any{"limit": raw})
			return
		}
		q.Limit = limit
	}

	positions, err := h.repo.Positions(r.Context(), q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve positions", map[string]any{"message": err.Error()})
		return
	}

	out := make([]Position, 0, len(positions))
	for _, p := range positions {
		out = append(out, toPosition(p))
	}
	writeJSON(w, http.StatusOK, PositionsResponse{Positions: out, Count: len(out)})
}

// GetStops handles GET /api/stops
func (h *Handler) GetStops(w http.ResponseWriter, r *http.Request) {
	stops, err := h.repo.Stops(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve stops", map[string]any{"message": err.Error()})
		return
	}

	out := make([]Stop, 0, len(stops))
	for _, s := range stops {
		out = append(out, toStop(s))
	}
	writeJSON(w, http.StatusOK, StopsResponse{Stops: out, Count: len(out)})
}

// GetNearbyStops handles GET /api/stops/nearby?lat=&lon=&radius=
func (h *Handler) GetNearbyStops(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	lat, errLat := strconv.ParseFloat(query.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(query.Get("lon"), 64)
	if errLat != nil || errLon != nil || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		writeError(w, http.StatusBadRequest, "lat and lon are required", map[string]any{
			"lat": query.Get("lat"),
			"lon": query.Get("lon"),
		})
		return
	}

	radius := h.defaultRadius
	if raw := query.Get("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid radius", map[string]any{"radius": raw})
			return
		}
		radius = v
	}

	points, err := h.nearby(r.Context(), lat, lon, radius)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to query stops", map[string]any{"message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, NearbyResponse{Stops: points, Count: len(points), Radius: radius})
}

// nearby answers from cache when the same rounded query was seen recently
func (h *Handler) nearby(ctx context.Context, lat, lon, radius float64) ([]geoindex.Point, error) {
	key := fmt.Sprintf("%.5f,%.5f,%g", lat, lon, radius)
	if cached, err := h.nearbyCache.Get(key); err == nil {
		return cached.([]geoindex.Point), nil
	}

	points, err := h.stops.Nearby(ctx, geoindex.StopCollection, lat, lon, radius)
	if err != nil {
		return nil, err
	}
	if points == nil {
		points = []geoindex.Point{}
	}
	h.nearbyCache.Set(key, points)
	return points, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string, details map[string]any) {
	writeJSON(w, status, ErrorResponse{Error: msg, Details: details})
}
