package models

import "time"

// Vehicle represents a fleet vehicle. Name is the identifier the sensor
// dumps carry in their file names (e.g. DOBACK024).
type Vehicle struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	OrganizationID string    `json:"organization_id"`
	LicensePlate   string    `json:"license_plate"`
	VehicleType    string    `json:"vehicle_type"`
	CreatedAt      time.Time `json:"created_at"`
}

// Session is the persisted form of a CompleteSession
type Session struct {
	ID             string    `json:"id"`
	VehicleID      string    `json:"vehicle_id"`
	OrganizationID string    `json:"organization_id"`
	DateKey        string    `json:"date_key"`
	Sequence       int       `json:"sequence_number"`
	StartTime      time.Time `json:"start_time"`
	EndTime        time.Time `json:"end_time"`
	SourcePath     string    `json:"source_path"`
}

// ZoneType is the operational category of a geofence
type ZoneType string

const (
	ZonePark      ZoneType = "PARK"
	ZoneWorkshop  ZoneType = "WORKSHOP"
	ZoneSensitive ZoneType = "SENSITIVE"
)

// GeometryType selects how a zone's shape is described
type GeometryType string

const (
	GeometryPolygon   GeometryType = "POLYGON"
	GeometryCircle    GeometryType = "CIRCLE"
	GeometryRectangle GeometryType = "RECTANGLE"
)

// Coordinate is a WGS84 point in degrees
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Geometry describes a zone shape. Only the fields relevant to Type are set:
// Points for polygons, Center and RadiusMeters for circles, SouthWest and
// NorthEast for rectangles.
type Geometry struct {
	Type         GeometryType `json:"type"`
	Points       []Coordinate `json:"points,omitempty"`
	Center       *Coordinate  `json:"center,omitempty"`
	RadiusMeters float64      `json:"radius_meters,omitempty"`
	SouthWest    *Coordinate  `json:"south_west,omitempty"`
	NorthEast    *Coordinate  `json:"north_east,omitempty"`
}

// Zone is an organization-defined geofence
type Zone struct {
	ID             string   `json:"id"`
	OrganizationID string   `json:"organization_id"`
	Name           string   `json:"name"`
	Type           ZoneType `json:"type"`
	Geometry       Geometry `json:"geometry"`
}

// Severity classifies stability incidents
type Severity string

const (
	SeverityCritical  Severity = "CRITICAL"
	SeverityDangerous Severity = "DANGEROUS"
	SeverityModerate  Severity = "MODERATE"
	SeverityMinor     Severity = "MINOR"
)

// StabilityIncident is a run of low stability-index samples
type StabilityIncident struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	VehicleID   string    `json:"vehicle_id"`
	Timestamp   time.Time `json:"timestamp"`
	Severity    Severity  `json:"severity"`
	MinSI       float64   `json:"min_si"`
	Samples     int       `json:"samples"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	HasLocation bool      `json:"has_location"`
}
