package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Database wraps the SQLite connection
type Database struct {
	conn *sql.DB
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	// Enable WAL mode and other optimizations via connection string
	connStr := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_cache_size=10000&_foreign_keys=on", dbPath)

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(1) // SQLite works best with single writer
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(time.Hour)

	db := &Database{conn: conn}

	if err := db.initialize(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	return db, nil
}

// initialize creates tables and indexes. Timestamps are unix milliseconds.
func (db *Database) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS vehicles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		license_plate TEXT NOT NULL DEFAULT '',
		vehicle_type TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE (name, organization_id)
	);

	CREATE TABLE IF NOT EXISTS zones (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name TEXT NOT NULL,
		zone_type TEXT NOT NULL,
		geometry TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		vehicle_id TEXT NOT NULL REFERENCES vehicles(id),
		organization_id TEXT NOT NULL,
		date_key TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		start_ms INTEGER NOT NULL,
		end_ms INTEGER NOT NULL,
		source_path TEXT NOT NULL DEFAULT '',
		UNIQUE (vehicle_id, date_key, sequence)
	);

	CREATE TABLE IF NOT EXISTS gps_measurements (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		ts_ms INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		altitude REAL NOT NULL,
		speed REAL NOT NULL,
		satellites INTEGER NOT NULL,
		hdop REAL,
		fix INTEGER,
		PRIMARY KEY (session_id, ts_ms)
	);

	CREATE TABLE IF NOT EXISTS stability_measurements (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		ts_ms INTEGER NOT NULL,
		ax REAL NOT NULL, ay REAL NOT NULL, az REAL NOT NULL,
		gx REAL NOT NULL, gy REAL NOT NULL, gz REAL NOT NULL,
		roll REAL NOT NULL, pitch REAL NOT NULL, yaw REAL NOT NULL,
		si REAL NOT NULL,
		accmag REAL NOT NULL,
		PRIMARY KEY (session_id, ts_ms)
	);

	CREATE TABLE IF NOT EXISTS can_measurements (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		ts_ms INTEGER NOT NULL,
		engine_rpm REAL NOT NULL,
		vehicle_speed REAL NOT NULL,
		fuel_system_status INTEGER NOT NULL,
		engine_temp REAL NOT NULL,
		fuel_consumption REAL NOT NULL,
		PRIMARY KEY (session_id, ts_ms)
	);

	CREATE TABLE IF NOT EXISTS rotativo_measurements (
		session_id TEXT NOT NULL REFERENCES sessions(id),
		ts_ms INTEGER NOT NULL,
		state INTEGER NOT NULL,
		PRIMARY KEY (session_id, ts_ms)
	);

	CREATE TABLE IF NOT EXISTS stability_events (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id),
		vehicle_id TEXT NOT NULL,
		ts_ms INTEGER NOT NULL,
		severity TEXT NOT NULL,
		min_si REAL NOT NULL,
		samples INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		has_location INTEGER NOT NULL,
		UNIQUE (session_id, ts_ms)
	);

	CREATE TABLE IF NOT EXISTS daily_kpis (
		vehicle_id TEXT NOT NULL,
		date TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		calculation_version TEXT NOT NULL,
		is_valid INTEGER NOT NULL,
		calculated_at INTEGER NOT NULL,
		PRIMARY KEY (vehicle_id, date)
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_vehicle_time ON sessions(vehicle_id, start_ms, end_ms);
	CREATE INDEX IF NOT EXISTS idx_gps_ts ON gps_measurements(ts_ms);
	CREATE INDEX IF NOT EXISTS idx_rotativo_ts ON rotativo_measurements(ts_ms);
	CREATE INDEX IF NOT EXISTS idx_events_vehicle_ts ON stability_events(vehicle_id, ts_ms);
	CREATE INDEX IF NOT EXISTS idx_daily_kpis_org_date ON daily_kpis(organization_id, date);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.conn.Close()
}

// Transaction runs fn inside a transaction, rolling back when fn fails
// or panics.
func (db *Database) Transaction(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction error: %v, rollback error: %w", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetStats returns database statistics
func (db *Database) GetStats(ctx context.Context) (map[string]int64, error) {
	tables := []struct{ key, table string }{
		{"vehicles", "vehicles"},
		{"zones", "zones"},
		{"sessions", "sessions"},
		{"gps_points", "gps_measurements"},
		{"stability_points", "stability_measurements"},
		{"can_points", "can_measurements"},
		{"rotativo_points", "rotativo_measurements"},
		{"stability_events", "stability_events"},
		{"daily_kpis", "daily_kpis"},
	}

	stats := make(map[string]int64, len(tables))
	for _, t := range tables {
		var n int64
		if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+t.table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t.table, err)
		}
		stats[t.key] = n
	}
	return stats, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
