package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/open-transit-stream/poller/internal/config"
)

// ErrUnknownBackend is returned by Open for an unsupported STORE_BACKEND.
var ErrUnknownBackend = errors.New("unknown store backend")

// Line is a transit service line
type Line struct {
	ID   string
	Name string
}

// Stop is a physical stop belonging to exactly one line
type Stop struct {
	ID     string
	Name   string
	LineID string
	Lon    float64
	Lat    float64
}

// Desserte links a stop to a line's service instance
type Desserte struct {
	ID     string
	LineID string
	StopID string
}

// Position is one observed vehicle report. Identity is (VehicleID, Time).
type Position struct {
	Time       time.Time
	VehicleID  string
	Lon        float64
	Lat        float64
	Type       string
	State      string
	DesserteID string
	StopTime   time.Time
}

// PositionQuery filters Positions. Results are always in insertion order.
type PositionQuery struct {
	VehicleID string
	Limit     int
}

// Counts reports row counts per table
type Counts struct {
	Lines     int `json:"lines"`
	Stops     int `json:"stops"`
	Dessertes int `json:"dessertes"`
	Positions int `json:"positions"`
}

// Store is the relational time-series store.
//
// Reference upserts are insert-if-absent. AppendPosition returns false
// without error when the row already exists or references an unknown
// desserte; any other failure is returned.
type Store interface {
	EnsureSchema(ctx context.Context) error
	UpsertLine(ctx context.Context, l Line) error
	UpsertStop(ctx context.Context, s Stop) error
	UpsertDesserte(ctx context.Context, d Desserte) error
	AppendPosition(ctx context.Context, p Position) (bool, error)

	Positions(ctx context.Context, q PositionQuery) ([]Position, error)
	Stops(ctx context.Context) ([]Stop, error)
	Counts(ctx context.Context) (Counts, error)

	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the backend selected by cfg.StoreBackend
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.StoreBackend {
	case "timescale":
		return ConnectTimescale(ctx, cfg.Timescale.DSN())
	case "sqlite":
		return ConnectSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.StoreBackend)
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 || limit > 10000 {
		return 1000
	}
	return limit
}
