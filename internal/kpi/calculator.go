package kpi

import (
	"log/slog"
	"math"
	"sort"
	"time"

	"fleet-session-processor/internal/geo"
	"fleet-session-processor/internal/models"
)

// CalculationVersion is stored with every record so stale aggregates can be
// told apart after rule changes.
const CalculationVersion = "2.1.0"

const (
	// MaxIntervalGap is the longest interval between two fixes that still
	// counts towards dwell, movement and distance.
	MaxIntervalGap = 30 * time.Minute
	// MovingThresholdKmh separates moving from stopped intervals.
	MovingThresholdKmh = 5.0
	// MaxHopKm is the largest distance between consecutive fixes accepted
	// as travel; longer hops are GPS glitches.
	MaxHopKm = 10.0
)

// SpeedLimits are the per-zone limits in km/h.
var SpeedLimits = map[models.ZoneState]float64{
	models.StatePark:      20,
	models.StateWorkshop:  10,
	models.StateSensitive: 30,
	models.StateOutside:   80,
}

// VehicleState is the reconstructed state of the vehicle at one GPS fix.
type VehicleState struct {
	Timestamp   time.Time
	Latitude    float64
	Longitude   float64
	SpeedKmh    float64 // corrected
	RawSpeedKmh float64
	Zone        models.ZoneState
	ZoneID      string
	BeaconOn    bool
}

// Input is the data one daily calculation works on.
type Input struct {
	VehicleID      string
	OrganizationID string
	Date           string
	Sessions       int
	Positions      []models.PositionRecord
	Beacons        []models.BeaconRecord
	Incidents      []models.StabilityIncident
	Zones          []models.Zone
}

// Calculator turns a day of telemetry into a DailyKPIRecord. It holds no
// per-day state.
type Calculator struct {
	Matcher geo.Matcher
	Logger  *slog.Logger
}

func (c *Calculator) matcher() geo.Matcher {
	if c.Matcher == nil {
		return geo.NeverMatcher{}
	}
	return c.Matcher
}

func (c *Calculator) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// zoneOf returns the state of the first zone containing the point.
func (c *Calculator) zoneOf(zones []models.Zone, lat, lon float64) (models.ZoneState, string) {
	m := c.matcher()
	for _, z := range zones {
		if !m.Contains(z, lat, lon) {
			continue
		}
		switch z.Type {
		case models.ZonePark:
			return models.StatePark, z.ID
		case models.ZoneWorkshop:
			return models.StateWorkshop, z.ID
		case models.ZoneSensitive:
			return models.StateSensitive, z.ID
		}
		return models.StateOutside, z.ID
	}
	return models.StateOutside, ""
}

// Replay reconstructs the vehicle state at every valid fix, in time order.
func (c *Calculator) Replay(positions []models.PositionRecord, beacons []models.BeaconRecord, zones []models.Zone) []VehicleState {
	fixes := make([]models.PositionRecord, 0, len(positions))
	for _, p := range positions {
		if p.Valid() {
			fixes = append(fixes, p)
		}
	}
	sort.SliceStable(fixes, func(i, j int) bool { return fixes[i].Timestamp.Before(fixes[j].Timestamp) })

	events := append([]models.BeaconRecord(nil), beacons...)
	sort.SliceStable(events, func(i, j int) bool { return events[i].Timestamp.Before(events[j].Timestamp) })

	states := make([]VehicleState, 0, len(fixes))
	next := 0
	beaconOn := false
	for i, p := range fixes {
		for next < len(events) && !events[next].Timestamp.After(p.Timestamp) {
			beaconOn = events[next].On()
			next++
		}

		zone, zoneID := c.zoneOf(zones, p.Latitude, p.Longitude)
		speed := p.SpeedKmh
		if i > 0 {
			speed = correctedSpeed(fixes[i-1], p)
		}
		states = append(states, VehicleState{
			Timestamp:   p.Timestamp,
			Latitude:    p.Latitude,
			Longitude:   p.Longitude,
			SpeedKmh:    speed,
			RawSpeedKmh: p.SpeedKmh,
			Zone:        zone,
			ZoneID:      zoneID,
			BeaconOn:    beaconOn,
		})
	}
	return states
}

// correctedSpeed derives the speed from the distance covered since the
// previous fix, falling back to the reported speed when the interval is
// unusable or the result is implausible.
func correctedSpeed(prev, cur models.PositionRecord) float64 {
	dt := cur.Timestamp.Sub(prev.Timestamp)
	if dt <= 0 || dt > MaxIntervalGap {
		return cur.SpeedKmh
	}
	km := geo.Haversine(prev.Latitude, prev.Longitude, cur.Latitude, cur.Longitude)
	v := km / dt.Hours()
	if math.IsNaN(v) || v < models.MinSpeedKmh || v > models.MaxSpeedKmh {
		return cur.SpeedKmh
	}
	return v
}

// Compute aggregates one vehicle-day.
func (c *Calculator) Compute(in Input) *models.DailyKPIRecord {
	rec := models.NewDailyKPIRecord(in.VehicleID, in.OrganizationID, in.Date)
	rec.Sessions = in.Sessions

	states := c.Replay(in.Positions, in.Beacons, in.Zones)
	rec.Samples = len(states)

	for i, s := range states {
		if excess := s.SpeedKmh - SpeedLimits[s.Zone]; excess > 0 {
			addSpeeding(&rec.Speeding, excess)
		}
		rec.MaxSpeedKmh = math.Max(rec.MaxSpeedKmh, s.SpeedKmh)

		if i == 0 {
			continue
		}
		prev := states[i-1]
		dt := s.Timestamp.Sub(prev.Timestamp)
		if dt <= 0 {
			continue
		}
		if dt > MaxIntervalGap {
			rec.GapsSkipped++
			continue
		}
		minutes := dt.Minutes()

		zm := rec.Zones[s.Zone]
		zm.DwellMinutes += minutes
		if s.BeaconOn {
			zm.BeaconOnMinutes += minutes
		} else {
			zm.BeaconOffMinutes += minutes
		}
		if s.SpeedKmh > SpeedLimits[s.Zone] {
			zm.SpeedingMinutes += minutes
		}
		rec.Zones[s.Zone] = zm

		if s.SpeedKmh >= MovingThresholdKmh {
			rec.MovingMinutes += minutes
		} else {
			rec.StoppedMinutes += minutes
		}

		hop := geo.Haversine(prev.Latitude, prev.Longitude, s.Latitude, s.Longitude)
		if hop > MaxHopKm {
			rec.GlitchesSkipped++
			c.logger().Debug("skipping implausible hop",
				"vehicle_id", in.VehicleID, "from", prev.Timestamp, "to", s.Timestamp, "km", hop)
			continue
		}
		rec.DistanceKm += hop
	}

	for _, z := range models.ZoneStates {
		rec.TotalMinutes += rec.Zones[z].DwellMinutes
	}
	if len(states) > 0 {
		var sum float64
		for _, s := range states {
			sum += s.SpeedKmh
		}
		rec.AverageSpeedKmh = sum / float64(len(states))
	}

	c.countIncidents(rec, in, states)
	fillAliases(rec)

	rec.CalculationVersion = CalculationVersion
	rec.IsValid = true
	return rec
}

func addSpeeding(c *models.SpeedingCounts, excess float64) {
	switch {
	case excess <= 10:
		c.Light++
	case excess <= 20:
		c.Moderate++
	case excess <= 30:
		c.Serious++
	default:
		c.VerySerious++
	}
}

// countIncidents buckets incidents by severity and by whether the vehicle
// was in a park. Incidents without a location take the zone of the last
// replayed state before them.
func (c *Calculator) countIncidents(rec *models.DailyKPIRecord, in Input, states []VehicleState) {
	for _, inc := range in.Incidents {
		switch inc.Severity {
		case models.SeverityCritical:
			rec.Incidents.Critical++
		case models.SeverityDangerous:
			rec.Incidents.Dangerous++
		case models.SeverityModerate:
			rec.Incidents.Moderate++
		default:
			rec.Incidents.Minor++
		}
		rec.Incidents.Total++

		zone := models.StateOutside
		if inc.HasLocation {
			zone, _ = c.zoneOf(in.Zones, inc.Latitude, inc.Longitude)
		} else if i := sort.Search(len(states), func(i int) bool {
			return states[i].Timestamp.After(inc.Timestamp)
		}); i > 0 {
			zone = states[i-1].Zone
		}
		if zone == models.StatePark {
			rec.Incidents.InPark++
		} else {
			rec.Incidents.OutOfPark++
		}
	}
}

// fillAliases derives the legacy field names from the structured fields.
func fillAliases(rec *models.DailyKPIRecord) {
	a := &rec.LegacyAliases
	a.EventosCriticos = rec.Incidents.Critical
	a.EventosPeligrosos = rec.Incidents.Dangerous
	a.EventosModerados = rec.Incidents.Moderate
	a.EventosLeves = rec.Incidents.Minor
	a.EventsHigh = rec.Incidents.Critical + rec.Incidents.Dangerous
	a.EventsModerate = rec.Incidents.Moderate
	a.EventsLow = rec.Incidents.Minor

	park := rec.Zones[models.StatePark]
	workshop := rec.Zones[models.StateWorkshop]
	sensitive := rec.Zones[models.StateSensitive]
	outside := rec.Zones[models.StateOutside]

	a.TiempoEnParque = park.DwellMinutes
	a.TiempoEnTaller = workshop.DwellMinutes
	a.TiempoFueraParque = outside.DwellMinutes + sensitive.DwellMinutes
	for _, s := range models.ZoneStates {
		a.TiempoConRotativo += rec.Zones[s].BeaconOnMinutes
		a.TiempoSinRotativo += rec.Zones[s].BeaconOffMinutes
	}
	a.TiempoFueraConRotativo = outside.BeaconOnMinutes + sensitive.BeaconOnMinutes
	a.TiempoFueraSinRotativo = outside.BeaconOffMinutes + sensitive.BeaconOffMinutes
}
