package db

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

//go:embed schema_sqlite.sql
var sqliteSchemaSQL string

// SQLite is the single-file Store used for local runs and tests
type SQLite struct {
	conn    *sql.DB
	writeMu sync.Mutex // Serializes all write operations to prevent transaction conflicts
}

// ConnectSQLite opens a SQLite database with WAL mode and foreign keys enabled
func ConnectSQLite(dbPath string) (*SQLite, error) {
	dsn := dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			log.Printf("Warning: failed to set %s: %v", pragma, err)
		}
	}

	log.Printf("Connected to SQLite database: %s", dbPath)
	return &SQLite{conn: conn}, nil
}

// Close closes the database connection
func (db *SQLite) Close() error {
	return db.conn.Close()
}

// Ping checks connectivity
func (db *SQLite) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// EnsureSchema drops and recreates all tables from the embedded schema
func (db *SQLite) EnsureSchema(ctx context.Context) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	if _, err := db.conn.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	log.Println("Database schema recreated (from embedded schema_sqlite.sql)")
	return nil
}

func (db *SQLite) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()
	return db.conn.ExecContext(ctx, query, args...)
}

// UpsertLine inserts a line unless its id already exists
func (db *SQLite) UpsertLine(ctx context.Context, l Line) error {
	_, err := db.exec(ctx,
		`INSERT INTO line (id, name) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		l.ID, l.Name,
	)
	if err != nil && !isSQLiteIntegrityConflict(err) {
		return fmt.Errorf("failed to insert line %s: %w", l.ID, err)
	}
	return nil
}

// UpsertStop inserts a stop unless its id already exists
func (db *SQLite) UpsertStop(ctx context.Context, s Stop) error {
	_, err := db.exec(ctx,
		`INSERT INTO stop (id, name, line_id, lon, lat) VALUES (?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`,
		s.ID, s.Name, s.LineID, s.Lon, s.Lat,
	)
	if err != nil && !isSQLiteIntegrityConflict(err) {
		return fmt.Errorf("failed to insert stop %s: %w", s.ID, err)
	}
	return nil
}

// UpsertDesserte inserts a desserte unless its id already exists
func (db *SQLite) UpsertDesserte(ctx context.Context, d Desserte) error {
	_, err := db.exec(ctx,
		`INSERT INTO desserte (id, line_id, stop_id) VALUES (?, ?, ?) ON CONFLICT DO NOTHING`,
		d.ID, d.LineID, d.StopID,
	)
	if err != nil && !isSQLiteIntegrityConflict(err) {
		return fmt.Errorf("failed to insert desserte %s: %w", d.ID, err)
	}
	return nil
}

// AppendPosition inserts p unless (vehicle_id, time) exists. An unknown
// desserte_id is reported as not inserted rather than as an error.
func (db *SQLite) AppendPosition(ctx context.Context, p Position) (bool, error) {
	res, err := db.exec(ctx, `
		INSERT INTO position (vehicle_id, lon, lat, type, state, desserte_id, stop_time, time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id, time) DO NOTHING
	`, p.VehicleID, p.Lon, p.Lat, p.Type, p.State, p.DesserteID, formatTime(p.StopTime), formatTime(p.Time))
	if err != nil {
		if isSQLiteIntegrityConflict(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert position %s@%s: %w", p.VehicleID, formatTime(p.Time), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// Positions returns persisted positions in insertion order
func (db *SQLite) Positions(ctx context.Context, q PositionQuery) ([]Position, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT time, vehicle_id, lon, lat, type, state, desserte_id, stop_time
		FROM position
		WHERE (? = '' OR vehicle_id = ?)
		ORDER BY rowid
		LIMIT ?
	`, q.VehicleID, q.VehicleID, limitOrDefault(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		var ts, stopTS string
		if err := rows.Scan(&ts, &p.VehicleID, &p.Lon, &p.Lat, &p.Type, &p.State, &p.DesserteID, &stopTS); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if p.Time, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("failed to parse position time %q: %w", ts, err)
		}
		if p.StopTime, err = time.Parse(time.RFC3339Nano, stopTS); err != nil {
			return nil, fmt.Errorf("failed to parse stop time %q: %w", stopTS, err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// Stops returns every reference stop ordered by id
func (db *SQLite) Stops(ctx context.Context) ([]Stop, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT id, name, line_id, lon, lat FROM stop ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stops: %w", err)
	}
	defer rows.Close()

	var stops []Stop
	for rows.Next() {
		var s Stop
		if err := rows.Scan(&s.ID, &s.Name, &s.LineID, &s.Lon, &s.Lat); err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		stops = append(stops, s)
	}
	return stops, rows.Err()
}

// Counts returns row counts for the four tables
func (db *SQLite) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM line),
			(SELECT COUNT(*) FROM stop),
			(SELECT COUNT(*) FROM desserte),
			(SELECT COUNT(*) FROM position)
	`).Scan(&c.Lines, &c.Stops, &c.Dessertes, &c.Positions)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to count rows: %w", err)
	}
	return c, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// isSQLiteIntegrityConflict reports unique and foreign-key constraint failures only
func isSQLiteIntegrityConflict(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return true
	case sqlite3.SQLITE_CONSTRAINT:
		return strings.Contains(sqliteErr.Error(), "FOREIGN KEY")
	}
	return false
}
