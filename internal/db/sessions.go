package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fleet-session-processor/internal/models"

	"github.com/google/uuid"
)

// SessionData is everything persisted for one ingested session.
type SessionData struct {
	Session   models.Session
	Positions []models.PositionRecord
	Stability []models.StabilityRecord
	Bus       []models.BusFrameRecord
	Beacons   []models.BeaconRecord
	Incidents []models.StabilityIncident

	// InvalidateDates are the YYYY-MM-DD days whose stored KPIs go stale.
	InvalidateDates []string
}

// WriteResult reports what InsertSessionData actually wrote.
type WriteResult struct {
	SessionID  string
	Inserted   models.DataPointCounts
	Duplicates int
	Incidents  int
}

// InsertSessionData upserts the session row and writes its records in one
// transaction. Records already stored under the same (session, timestamp)
// are skipped, so re-ingesting a session is a no-op for its data.
func (db *Database) InsertSessionData(ctx context.Context, data *SessionData) (*WriteResult, error) {
	res := &WriteResult{}
	err := db.Transaction(ctx, func(tx *sql.Tx) error {
		id, err := upsertSession(ctx, tx, &data.Session)
		if err != nil {
			return err
		}
		res.SessionID = id

		if err := insertPositions(ctx, tx, id, data.Positions, res); err != nil {
			return err
		}
		if err := insertStability(ctx, tx, id, data.Stability, res); err != nil {
			return err
		}
		if err := insertBus(ctx, tx, id, data.Bus, res); err != nil {
			return err
		}
		if err := insertBeacons(ctx, tx, id, data.Beacons, res); err != nil {
			return err
		}
		if err := insertIncidents(ctx, tx, id, data.Session.VehicleID, data.Incidents, res); err != nil {
			return err
		}

		for _, date := range data.InvalidateDates {
			if _, err := tx.ExecContext(ctx,
				`UPDATE daily_kpis SET is_valid = 0 WHERE vehicle_id = ? AND date = ?`,
				data.Session.VehicleID, date); err != nil {
				return fmt.Errorf("failed to invalidate kpi %s: %w", date, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	data.Session.ID = res.SessionID
	return res, nil
}

func upsertSession(ctx context.Context, tx *sql.Tx, s *models.Session) (string, error) {
	id := s.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, vehicle_id, organization_id, date_key, sequence, start_ms, end_ms, source_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id, date_key, sequence) DO UPDATE SET
			start_ms = MIN(start_ms, excluded.start_ms),
			end_ms = MAX(end_ms, excluded.end_ms),
			source_path = excluded.source_path
	`, id, s.VehicleID, s.OrganizationID, s.DateKey, s.Sequence,
		toMillis(s.StartTime), toMillis(s.EndTime), s.SourcePath)
	if err != nil {
		return "", fmt.Errorf("failed to upsert session: %w", err)
	}

	var stored string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM sessions WHERE vehicle_id = ? AND date_key = ? AND sequence = ?`,
		s.VehicleID, s.DateKey, s.Sequence).Scan(&stored)
	if err != nil {
		return "", fmt.Errorf("failed to read session id: %w", err)
	}
	return stored, nil
}

// execEach prepares query once and runs it for n rows, counting the rows
// that were actually inserted.
func execEach(ctx context.Context, tx *sql.Tx, query string, n int, args func(i int) []any) (int, error) {
	if n == 0 {
		return 0, nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()

	inserted := 0
	for i := 0; i < n; i++ {
		r, err := stmt.ExecContext(ctx, args(i)...)
		if err != nil {
			return inserted, err
		}
		if affected, err := r.RowsAffected(); err == nil && affected > 0 {
			inserted++
		}
	}
	return inserted, nil
}

func insertPositions(ctx context.Context, tx *sql.Tx, sessionID string, recs []models.PositionRecord, res *WriteResult) error {
	n, err := execEach(ctx, tx, `
		INSERT OR IGNORE INTO gps_measurements
		(session_id, ts_ms, latitude, longitude, altitude, speed, satellites, hdop, fix)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(recs), func(i int) []any {
		r := recs[i]
		return []any{sessionID, toMillis(r.Timestamp), r.Latitude, r.Longitude, r.Altitude,
			r.SpeedKmh, r.Satellites, r.HDOP, r.Fix}
	})
	if err != nil {
		return fmt.Errorf("failed to insert gps measurements: %w", err)
	}
	res.Inserted.GPS += n
	res.Duplicates += len(recs) - n
	return nil
}

func insertStability(ctx context.Context, tx *sql.Tx, sessionID string, recs []models.StabilityRecord, res *WriteResult) error {
	n, err := execEach(ctx, tx, `
		INSERT OR IGNORE INTO stability_measurements
		(session_id, ts_ms, ax, ay, az, gx, gy, gz, roll, pitch, yaw, si, accmag)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(recs), func(i int) []any {
		r := recs[i]
		return []any{sessionID, toMillis(r.Timestamp), r.Ax, r.Ay, r.Az, r.Gx, r.Gy, r.Gz,
			r.Roll, r.Pitch, r.Yaw, r.SI, r.AccelMagnitude}
	})
	if err != nil {
		return fmt.Errorf("failed to insert stability measurements: %w", err)
	}
	res.Inserted.Stability += n
	res.Duplicates += len(recs) - n
	return nil
}

func insertBus(ctx context.Context, tx *sql.Tx, sessionID string, recs []models.BusFrameRecord, res *WriteResult) error {
	n, err := execEach(ctx, tx, `
		INSERT OR IGNORE INTO can_measurements
		(session_id, ts_ms, engine_rpm, vehicle_speed, fuel_system_status, engine_temp, fuel_consumption)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, len(recs), func(i int) []any {
		r := recs[i]
		return []any{sessionID, toMillis(r.Timestamp), r.EngineRPM, r.VehicleSpeedKmh,
			r.FuelSystemStatus, r.EngineTemp, r.FuelConsumption}
	})
	if err != nil {
		return fmt.Errorf("failed to insert can measurements: %w", err)
	}
	res.Inserted.CAN += n
	res.Duplicates += len(recs) - n
	return nil
}

func insertBeacons(ctx context.Context, tx *sql.Tx, sessionID string, recs []models.BeaconRecord, res *WriteResult) error {
	n, err := execEach(ctx, tx, `
		INSERT OR IGNORE INTO rotativo_measurements (session_id, ts_ms, state) VALUES (?, ?, ?)
	`, len(recs), func(i int) []any {
		return []any{sessionID, toMillis(recs[i].Timestamp), recs[i].State}
	})
	if err != nil {
		return fmt.Errorf("failed to insert rotativo measurements: %w", err)
	}
	res.Inserted.Beacon += n
	res.Duplicates += len(recs) - n
	return nil
}

func insertIncidents(ctx context.Context, tx *sql.Tx, sessionID, vehicleID string, incs []models.StabilityIncident, res *WriteResult) error {
	n, err := execEach(ctx, tx, `
		INSERT OR IGNORE INTO stability_events
		(id, session_id, vehicle_id, ts_ms, severity, min_si, samples, latitude, longitude, has_location)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, len(incs), func(i int) []any {
		e := incs[i]
		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		return []any{id, sessionID, vehicleID, toMillis(e.Timestamp), string(e.Severity), e.MinSI,
			e.Samples, e.Latitude, e.Longitude, e.HasLocation}
	})
	if err != nil {
		return fmt.Errorf("failed to insert stability events: %w", err)
	}
	res.Incidents += n
	return nil
}

// ListSessions returns the sessions of a vehicle overlapping [from, to).
func (db *Database) ListSessions(ctx context.Context, vehicleID string, from, to time.Time) ([]models.Session, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, vehicle_id, organization_id, date_key, sequence, start_ms, end_ms, source_path
		FROM sessions
		WHERE vehicle_id = ? AND start_ms < ? AND end_ms >= ?
		ORDER BY start_ms, sequence
	`, vehicleID, toMillis(to), toMillis(from))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var s models.Session
		var start, end int64
		if err := rows.Scan(&s.ID, &s.VehicleID, &s.OrganizationID, &s.DateKey, &s.Sequence,
			&start, &end, &s.SourcePath); err != nil {
			return nil, err
		}
		s.StartTime = fromMillis(start)
		s.EndTime = fromMillis(end)
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// ListPositions returns the GPS fixes of a vehicle within [from, to),
// ordered by time.
func (db *Database) ListPositions(ctx context.Context, vehicleID string, from, to time.Time) ([]models.PositionRecord, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT g.ts_ms, g.latitude, g.longitude, g.altitude, g.speed, g.satellites, g.hdop, g.fix
		FROM gps_measurements g
		JOIN sessions s ON s.id = g.session_id
		WHERE s.vehicle_id = ? AND g.ts_ms >= ? AND g.ts_ms < ?
		ORDER BY g.ts_ms
	`, vehicleID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PositionRecord
	for rows.Next() {
		var r models.PositionRecord
		var ts int64
		var hdop sql.NullFloat64
		var fix sql.NullInt64
		if err := rows.Scan(&ts, &r.Latitude, &r.Longitude, &r.Altitude, &r.SpeedKmh, &r.Satellites, &hdop, &fix); err != nil {
			return nil, err
		}
		r.Timestamp = fromMillis(ts)
		if hdop.Valid {
			r.HDOP = &hdop.Float64
		}
		if fix.Valid {
			f := int(fix.Int64)
			r.Fix = &f
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListBeacons returns the beacon events of a vehicle within [from, to),
// preceded by the latest event before from when there is one, so the
// state at from is known.
func (db *Database) ListBeacons(ctx context.Context, vehicleID string, from, to time.Time) ([]models.BeaconRecord, error) {
	var out []models.BeaconRecord

	var ts int64
	var state int
	err := db.conn.QueryRowContext(ctx, `
		SELECT r.ts_ms, r.state
		FROM rotativo_measurements r
		JOIN sessions s ON s.id = r.session_id
		WHERE s.vehicle_id = ? AND r.ts_ms < ?
		ORDER BY r.ts_ms DESC
		LIMIT 1
	`, vehicleID, toMillis(from)).Scan(&ts, &state)
	switch {
	case err == nil:
		out = append(out, models.BeaconRecord{Timestamp: fromMillis(ts), State: state})
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT r.ts_ms, r.state
		FROM rotativo_measurements r
		JOIN sessions s ON s.id = r.session_id
		WHERE s.vehicle_id = ? AND r.ts_ms >= ? AND r.ts_ms < ?
		ORDER BY r.ts_ms
	`, vehicleID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		if err := rows.Scan(&ts, &state); err != nil {
			return nil, err
		}
		out = append(out, models.BeaconRecord{Timestamp: fromMillis(ts), State: state})
	}
	return out, rows.Err()
}

// ListIncidents returns the stability incidents of a vehicle within
// [from, to).
func (db *Database) ListIncidents(ctx context.Context, vehicleID string, from, to time.Time) ([]models.StabilityIncident, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, session_id, vehicle_id, ts_ms, severity, min_si, samples, latitude, longitude, has_location
		FROM stability_events
		WHERE vehicle_id = ? AND ts_ms >= ? AND ts_ms < ?
		ORDER BY ts_ms
	`, vehicleID, toMillis(from), toMillis(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.StabilityIncident
	for rows.Next() {
		var e models.StabilityIncident
		var ts int64
		var severity string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.VehicleID, &ts, &severity, &e.MinSI, &e.Samples,
			&e.Latitude, &e.Longitude, &e.HasLocation); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		e.Severity = models.Severity(severity)
		out = append(out, e)
	}
	return out, rows.Err()
}

// SessionCounts returns the number of stored records per type for a
// session.
func (db *Database) SessionCounts(ctx context.Context, sessionID string) (models.DataPointCounts, error) {
	var c models.DataPointCounts
	targets := []struct {
		table string
		dst   *int
	}{
		{"gps_measurements", &c.GPS},
		{"stability_measurements", &c.Stability},
		{"can_measurements", &c.CAN},
		{"rotativo_measurements", &c.Beacon},
	}
	for _, t := range targets {
		err := db.conn.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM `+t.table+` WHERE session_id = ?`, sessionID).Scan(t.dst)
		if err != nil {
			return c, fmt.Errorf("failed to count %s: %w", t.table, err)
		}
	}
	return c, nil
}
