package models

import "time"

// ZoneState is the named operational state a position falls into
type ZoneState string

const (
	StatePark      ZoneState = "park"
	StateWorkshop  ZoneState = "workshop"
	StateSensitive ZoneState = "sensitive"
	StateOutside   ZoneState = "outside"
)

// ZoneStates lists every state a KPI record reports on.
var ZoneStates = []ZoneState{StatePark, StateWorkshop, StateSensitive, StateOutside}

// ZoneMetrics accumulates time spent in one zone state
type ZoneMetrics struct {
	DwellMinutes     float64 `json:"dwell_minutes"`
	BeaconOnMinutes  float64 `json:"beacon_on_minutes"`
	BeaconOffMinutes float64 `json:"beacon_off_minutes"`
	SpeedingMinutes  float64 `json:"speeding_minutes"`
}

// SpeedingCounts buckets speed-limit exceedances by how far over the limit
// the sample was: up to 10, 20, 30 km/h and beyond.
type SpeedingCounts struct {
	Light       int `json:"light"`
	Moderate    int `json:"moderate"`
	Serious     int `json:"serious"`
	VerySerious int `json:"very_serious"`
}

// Total returns the number of speeding samples.
func (c SpeedingCounts) Total() int {
	return c.Light + c.Moderate + c.Serious + c.VerySerious
}

// IncidentCounts counts stability incidents by severity and location
type IncidentCounts struct {
	Critical  int `json:"critical"`
	Dangerous int `json:"dangerous"`
	Moderate  int `json:"moderate"`
	Minor     int `json:"minor"`
	InPark    int `json:"in_park"`
	OutOfPark int `json:"out_of_park"`
	Total     int `json:"total"`
}

// LegacyAliases mirrors the field names older dashboard clients read.
type LegacyAliases struct {
	EventosCriticos   int `json:"eventosCriticos"`
	EventosPeligrosos int `json:"eventosPeligrosos"`
	EventosModerados  int `json:"eventosModerados"`
	EventosLeves      int `json:"eventosLeves"`
	EventsHigh        int `json:"eventsHigh"`
	EventsModerate    int `json:"eventsModerate"`
	EventsLow         int `json:"eventsLow"`

	TiempoEnParque         float64 `json:"tiempoEnParque"`
	TiempoEnTaller         float64 `json:"tiempoEnTaller"`
	TiempoFueraParque      float64 `json:"tiempoFueraParque"`
	TiempoConRotativo      float64 `json:"tiempoConRotativo"`
	TiempoSinRotativo      float64 `json:"tiempoSinRotativo"`
	TiempoFueraConRotativo float64 `json:"tiempoFueraConRotativo"`
	TiempoFueraSinRotativo float64 `json:"tiempoFueraSinRotativo"`
}

// DailyKPIRecord is the per-vehicle, per-day aggregate. Minutes are
// fractional minutes.
type DailyKPIRecord struct {
	VehicleID      string `json:"vehicle_id"`
	OrganizationID string `json:"organization_id"`
	Date           string `json:"date"` // YYYY-MM-DD

	Zones map[ZoneState]ZoneMetrics `json:"zones"`

	MovingMinutes  float64 `json:"moving_minutes"`
	StoppedMinutes float64 `json:"stopped_minutes"`
	TotalMinutes   float64 `json:"total_minutes"`

	Speeding        SpeedingCounts `json:"speeding"`
	DistanceKm      float64        `json:"distance_km"`
	AverageSpeedKmh float64        `json:"average_speed"`
	MaxSpeedKmh     float64        `json:"max_speed"`

	Incidents IncidentCounts `json:"incidents"`

	Sessions        int `json:"sessions"`
	Samples         int `json:"samples"`
	GapsSkipped     int `json:"gaps_skipped"`
	GlitchesSkipped int `json:"glitches_skipped"`

	LegacyAliases

	CalculationVersion string    `json:"calculation_version"`
	IsValid            bool      `json:"is_valid"`
	CalculatedAt       time.Time `json:"calculated_at"`
}

// NewDailyKPIRecord returns a zero-valued record with every zone state
// present.
func NewDailyKPIRecord(vehicleID, organizationID, date string) *DailyKPIRecord {
	zones := make(map[ZoneState]ZoneMetrics, len(ZoneStates))
	for _, s := range ZoneStates {
		zones[s] = ZoneMetrics{}
	}
	return &DailyKPIRecord{
		VehicleID:      vehicleID,
		OrganizationID: organizationID,
		Date:           date,
		Zones:          zones,
	}
}

// BatchStats summarises one ingestion run
type BatchStats struct {
	SessionsProcessed   int             `json:"sessionsProcessed"`
	SessionsFailed      int             `json:"sessionsFailed"`
	TotalFilesProcessed int             `json:"totalFilesProcessed"`
	TotalDataPoints     DataPointCounts `json:"totalDataPoints"`
	ProcessingTimeMs    int64           `json:"processingTimeMs"`
	Errors              []string        `json:"errors"`
}
