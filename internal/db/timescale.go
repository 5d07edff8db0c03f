package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema_timescale.sql
var timescaleSchemaSQL string

// SQLSTATE codes treated as "already seen / ignore"
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Timescale is the TimescaleDB-backed Store. Each operation acquires its own
// connection from the pool and releases it before returning.
type Timescale struct {
	pool *pgxpool.Pool
}

// ConnectTimescale opens a pool against dsn and verifies it with a ping
func ConnectTimescale(ctx context.Context, dsn string) (*Timescale, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	poolCfg.MaxConns = 4
	poolCfg.MaxConnIdleTime = 30 * time.Second

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Printf("Connected to TimescaleDB at %s", poolCfg.ConnConfig.Host)
	return &Timescale{pool: pool}, nil
}

// Close closes the pool
func (t *Timescale) Close() error {
	t.pool.Close()
	return nil
}

// Ping checks connectivity
func (t *Timescale) Ping(ctx context.Context) error {
	return t.pool.Ping(ctx)
}

// withConn scopes one statement group to a single acquired connection
func (t *Timescale) withConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := t.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()
	return fn(conn)
}

// EnsureSchema drops and recreates all tables and turns position into a
// hypertable on time. Destructive: setup only.
func (t *Timescale) EnsureSchema(ctx context.Context) error {
	err := t.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, timescaleSchemaSQL)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Println("Database schema recreated (line, stop, desserte, position hypertable)")
	return nil
}

// UpsertLine inserts a line unless its id already exists
func (t *Timescale) UpsertLine(ctx context.Context, l Line) error {
	return t.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO line (id, name) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			l.ID, l.Name,
		)
		if err != nil && !isPgIntegrityConflict(err) {
			return fmt.Errorf("failed to insert line %s: %w", l.ID, err)
		}
		return nil
	})
}

// UpsertStop inserts a stop unless its id already exists
func (t *Timescale) UpsertStop(ctx context.Context, s Stop) error {
	return t.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO stop (id, name, line_id, lon, lat) VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`,
			s.ID, s.Name, s.LineID, s.Lon, s.Lat,
		)
		if err != nil && !isPgIntegrityConflict(err) {
			return fmt.Errorf("failed to insert stop %s: %w", s.ID, err)
		}
		return nil
	})
}

// UpsertDesserte inserts a desserte unless its id already exists
func (t *Timescale) UpsertDesserte(ctx context.Context, d Desserte) error {
	return t.withConn(ctx, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx,
			`INSERT INTO desserte (id, line_id, stop_id) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
			d.ID, d.LineID, d.StopID,
		)
		if err != nil && !isPgIntegrityConflict(err) {
			return fmt.Errorf("failed to insert desserte %s: %w", d.ID, err)
		}
		return nil
	})
}

// AppendPosition inserts p unless (vehicle_id, time) exists. An unknown
// desserte_id is reported as not inserted rather than as an error.
func (t *Timescale) AppendPosition(ctx context.Context, p Position) (bool, error) {
	var inserted bool
	err := t.withConn(ctx, func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
			INSERT INTO position (vehicle_id, lon, lat, type, state, desserte_id, stop_time, time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (vehicle_id, time) DO NOTHING
		`, p.VehicleID, p.Lon, p.Lat, p.Type, p.State, p.DesserteID, p.StopTime, p.Time)
		if err != nil {
			if isPgIntegrityConflict(err) {
				return nil
			}
			return fmt.Errorf("failed to insert position %s@%s: %w", p.VehicleID, p.Time.Format(time.RFC3339), err)
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

// Positions returns persisted positions in insertion order
func (t *Timescale) Positions(ctx context.Context, q PositionQuery) ([]Position, error) {
	var positions []Position
	err := t.withConn(ctx, func(conn *pgxpool.Conn) error {
		query := `
			SELECT time, vehicle_id, lon, lat, type, state, desserte_id, stop_time
			FROM position
			WHERE ($1 = '' OR vehicle_id = $1)
			ORDER BY seq
			LIMIT $2
		`
		rows, err := conn.Query(ctx, query, q.VehicleID, limitOrDefault(q.Limit))
		if err != nil {
			return fmt.Errorf("failed to query positions: %w", err)
		}
		positions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Position, error) {
			var p Position
			var lon, lat float32
			err := row.Scan(&p.Time, &p.VehicleID, &lon, &lat, &p.Type, &p.State, &p.DesserteID, &p.StopTime)
			p.Lon, p.Lat = float64(lon), float64(lat)
			return p, err
		})
		if err != nil {
			return fmt.Errorf("failed to scan positions: %w", err)
		}
		return nil
	})
	return positions, err
}

// Stops returns every reference stop ordered by id
func (t *Timescale) Stops(ctx context.Context) ([]Stop, error) {
	var stops []Stop
	err := t.withConn(ctx, func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT id, name, line_id, lon, lat FROM stop ORDER BY id`)
		if err != nil {
			return fmt.Errorf("failed to query stops: %w", err)
		}
		stops, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Stop, error) {
			var s Stop
			var lon, lat float32
			err := row.Scan(&s.ID, &s.Name, &s.LineID, &lon, &lat)
			s.Lon, s.Lat = float64(lon), float64(lat)
			return s, err
		})
		if err != nil {
			return fmt.Errorf("failed to scan stops: %w", err)
		}
		return nil
	})
	return stops, err
}

// Counts returns row counts for the four tables
func (t *Timescale) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := t.withConn(ctx, func(conn *pgxpool.Conn) error {
		return conn.QueryRow(ctx, `
			SELECT
				(SELECT COUNT(*) FROM line),
				(SELECT COUNT(*) FROM stop),
				(SELECT COUNT(*) FROM desserte),
				(SELECT COUNT(*) FROM position)
		`).Scan(&c.Lines, &c.Stops, &c.Dessertes, &c.Positions)
	})
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

// isPgIntegrityConflict reports duplicate-key and foreign-key violations only.
// Connectivity and syntax errors are not integrity conflicts.
func isPgIntegrityConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgUniqueViolation || pgErr.Code == pgForeignKeyViolation
}
