package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fleet-session-processor/internal/models"
)

// GetDailyKPI returns the stored record for a vehicle-day.
func (db *Database) GetDailyKPI(ctx context.Context, vehicleID, date string) (*models.DailyKPIRecord, error) {
	var payload string
	var valid bool
	var calculated int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT payload, is_valid, calculated_at FROM daily_kpis WHERE vehicle_id = ? AND date = ?`,
		vehicleID, date).Scan(&payload, &valid, &calculated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("kpi %s/%s: %w", vehicleID, date, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return decodeKPI(payload, valid, calculated)
}

func decodeKPI(payload string, valid bool, calculated int64) (*models.DailyKPIRecord, error) {
	var rec models.DailyKPIRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		return nil, fmt.Errorf("invalid kpi payload: %w", err)
	}
	rec.IsValid = valid
	rec.CalculatedAt = fromMillis(calculated)
	return &rec, nil
}

// UpsertDailyKPI stores rec, replacing any previous record for the same
// vehicle-day.
func (db *Database) UpsertDailyKPI(ctx context.Context, rec *models.DailyKPIRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode kpi: %w", err)
	}
	_, err = db.conn.ExecContext(ctx, `
		INSERT INTO daily_kpis (vehicle_id, date, organization_id, payload, calculation_version, is_valid, calculated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id, date) DO UPDATE SET
			organization_id = excluded.organization_id,
			payload = excluded.payload,
			calculation_version = excluded.calculation_version,
			is_valid = excluded.is_valid,
			calculated_at = excluded.calculated_at
	`, rec.VehicleID, rec.Date, rec.OrganizationID, string(payload), rec.CalculationVersion,
		rec.IsValid, toMillis(rec.CalculatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert kpi %s/%s: %w", rec.VehicleID, rec.Date, err)
	}
	return nil
}

// InvalidateDailyKPI marks a stored record stale so the next read
// recomputes it.
func (db *Database) InvalidateDailyKPI(ctx context.Context, vehicleID, date string) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE daily_kpis SET is_valid = 0 WHERE vehicle_id = ? AND date = ?`, vehicleID, date)
	return err
}

// KPIQuery filters ListDailyKPIs. Empty fields match everything; dates are
// inclusive YYYY-MM-DD bounds.
type KPIQuery struct {
	VehicleIDs     []string
	OrganizationID string
	From           string
	To             string
}

// ListDailyKPIs returns stored records ordered by vehicle and date.
func (db *Database) ListDailyKPIs(ctx context.Context, q KPIQuery) ([]models.DailyKPIRecord, error) {
	var conditions []string
	var args []any

	if len(q.VehicleIDs) > 0 {
		conditions = append(conditions, "vehicle_id IN (?"+strings.Repeat(", ?", len(q.VehicleIDs)-1)+")")
		for _, id := range q.VehicleIDs {
			args = append(args, id)
		}
	}
	if q.OrganizationID != "" {
		conditions = append(conditions, "organization_id = ?")
		args = append(args, q.OrganizationID)
	}
	if q.From != "" {
		conditions = append(conditions, "date >= ?")
		args = append(args, q.From)
	}
	if q.To != "" {
		conditions = append(conditions, "date <= ?")
		args = append(args, q.To)
	}

	query := `SELECT payload, is_valid, calculated_at FROM daily_kpis`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY vehicle_id, date"

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.DailyKPIRecord
	for rows.Next() {
		var payload string
		var valid bool
		var calculated int64
		if err := rows.Scan(&payload, &valid, &calculated); err != nil {
			return nil, err
		}
		rec, err := decodeKPI(payload, valid, calculated)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
