package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fleet-session-processor/internal/models"

	"github.com/google/uuid"
)

// CreateVehicle adds a new vehicle, assigning an ID when none is set.
func (db *Database) CreateVehicle(ctx context.Context, v *models.Vehicle) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC().Truncate(time.Millisecond)
	}

	query := `
		INSERT INTO vehicles (id, name, organization_id, license_plate, vehicle_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := db.conn.ExecContext(ctx, query,
		v.ID, v.Name, v.OrganizationID, v.LicensePlate, v.VehicleType, toMillis(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert vehicle %s: %w", v.Name, err)
	}
	return nil
}

const vehicleColumns = `id, name, organization_id, license_plate, vehicle_type, created_at`

func scanVehicle(row interface{ Scan(...any) error }) (*models.Vehicle, error) {
	var v models.Vehicle
	var created int64
	if err := row.Scan(&v.ID, &v.Name, &v.OrganizationID, &v.LicensePlate, &v.VehicleType, &created); err != nil {
		return nil, err
	}
	v.CreatedAt = fromMillis(created)
	return &v, nil
}

// GetVehicle retrieves a vehicle by ID
func (db *Database) GetVehicle(ctx context.Context, id string) (*models.Vehicle, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+vehicleColumns+` FROM vehicles WHERE id = ?`, id)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vehicle %s: %w", id, ErrNotFound)
	}
	return v, err
}

// GetVehicleByName resolves the vehicle named in dump files.
func (db *Database) GetVehicleByName(ctx context.Context, name, organizationID string) (*models.Vehicle, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE name = ? AND organization_id = ?`, name, organizationID)
	v, err := scanVehicle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("vehicle %s in organization %q: %w", name, organizationID, ErrNotFound)
	}
	return v, err
}

// ListVehicles returns the vehicles of an organization, all of them when
// organizationID is empty.
func (db *Database) ListVehicles(ctx context.Context, organizationID string) ([]models.Vehicle, error) {
	query := `SELECT ` + vehicleColumns + ` FROM vehicles`
	var args []any
	if organizationID != "" {
		query += ` WHERE organization_id = ?`
		args = append(args, organizationID)
	}
	query += ` ORDER BY name`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vehicles []models.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, err
		}
		vehicles = append(vehicles, *v)
	}
	return vehicles, rows.Err()
}

// CreateZone adds a geofence. Geometry is stored as JSON.
func (db *Database) CreateZone(ctx context.Context, z *models.Zone) error {
	if z.ID == "" {
		z.ID = uuid.NewString()
	}
	geometry, err := json.Marshal(z.Geometry)
	if err != nil {
		return fmt.Errorf("failed to encode geometry: %w", err)
	}

	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO zones (id, organization_id, name, zone_type, geometry) VALUES (?, ?, ?, ?, ?)`,
		z.ID, z.OrganizationID, z.Name, string(z.Type), string(geometry))
	if err != nil {
		return fmt.Errorf("failed to insert zone %s: %w", z.Name, err)
	}
	return nil
}

// ListZones returns the zones of an organization in creation order, which
// is the order zone matching tries them in.
func (db *Database) ListZones(ctx context.Context, organizationID string) ([]models.Zone, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, organization_id, name, zone_type, geometry FROM zones WHERE organization_id = ? ORDER BY rowid`,
		organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var zones []models.Zone
	for rows.Next() {
		var z models.Zone
		var zoneType, geometry string
		if err := rows.Scan(&z.ID, &z.OrganizationID, &z.Name, &zoneType, &geometry); err != nil {
			return nil, err
		}
		z.Type = models.ZoneType(zoneType)
		if err := json.Unmarshal([]byte(geometry), &z.Geometry); err != nil {
			return nil, fmt.Errorf("zone %s has invalid geometry: %w", z.ID, err)
		}
		zones = append(zones, z)
	}
	return zones, rows.Err()
}
