package kpi

import (
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"fleet-session-processor/internal/geo"
	"fleet-session-processor/internal/models"
)

var (
	t0      = time.Date(2025, 9, 30, 9, 0, 0, 0, time.UTC)
	baseLat = 40.4168
	baseLon = -3.7038
)

func newTestCalculator() *Calculator {
	return &Calculator{
		Matcher: geo.NewGeometryMatcher(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func fix(ts time.Time, lat, lon, speed float64) models.PositionRecord {
	return models.PositionRecord{Timestamp: ts, Latitude: lat, Longitude: lon, SpeedKmh: speed, Satellites: 8}
}

func parkZone() models.Zone {
	return models.Zone{
		ID: "park-1", Name: "Parque", Type: models.ZonePark,
		Geometry: models.Geometry{
			Type:         models.GeometryCircle,
			Center:       &models.Coordinate{Lat: baseLat, Lon: baseLon},
			RadiusMeters: 200,
		},
	}
}

func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestOneKilometreInOneMinute(t *testing.T) {
	lat2, lon2 := geo.Destination(baseLat, baseLon, 90, 1)
	rec := newTestCalculator().Compute(Input{
		VehicleID: "v1", Date: "2025-09-30", Sessions: 1,
		Positions: []models.PositionRecord{
			fix(t0, baseLat, baseLon, 0),
			fix(t0.Add(time.Minute), lat2, lon2, 0),
		},
	})

	if !almostEqual(rec.DistanceKm, 1, 1e-6) {
		t.Errorf("DistanceKm = %v, want 1", rec.DistanceKm)
	}
	if !almostEqual(rec.MaxSpeedKmh, 60, 1e-4) {
		t.Errorf("MaxSpeedKmh = %v, want 60", rec.MaxSpeedKmh)
	}
	// first fix keeps its reported 0 km/h
	if !almostEqual(rec.AverageSpeedKmh, 30, 1e-4) {
		t.Errorf("AverageSpeedKmh = %v, want 30", rec.AverageSpeedKmh)
	}
	if rec.MovingMinutes != 1 || rec.StoppedMinutes != 0 || rec.TotalMinutes != 1 {
		t.Errorf("moving/stopped/total = %v/%v/%v", rec.MovingMinutes, rec.StoppedMinutes, rec.TotalMinutes)
	}
	if rec.Zones[models.StateOutside].DwellMinutes != 1 {
		t.Errorf("outside dwell = %v, want 1", rec.Zones[models.StateOutside].DwellMinutes)
	}
	if rec.Speeding.Total() != 0 {
		t.Errorf("speeding = %+v, want none", rec.Speeding)
	}
	if rec.Samples != 2 || rec.Sessions != 1 || !rec.IsValid || rec.CalculationVersion != CalculationVersion {
		t.Errorf("record bookkeeping = %+v", rec)
	}
}

func TestAverageSpeedIsSampleMean(t *testing.T) {
	lat2, lon2 := geo.Destination(baseLat, baseLon, 90, 1)
	lat3, lon3 := geo.Destination(lat2, lon2, 90, 1)
	rec := newTestCalculator().Compute(Input{
		VehicleID: "v1", Date: "2025-09-30",
		Positions: []models.PositionRecord{
			fix(t0, baseLat, baseLon, 0),
			fix(t0.Add(time.Minute), lat2, lon2, 0),
			fix(t0.Add(2*time.Minute), lat3, lon3, 0),
			fix(t0.Add(12*time.Minute), lat3, lon3, 0),
		},
	})

	if rec.Samples != 4 {
		t.Fatalf("Samples = %d, want 4", rec.Samples)
	}
	if !almostEqual(rec.AverageSpeedKmh, 30, 1e-4) {
		t.Errorf("AverageSpeedKmh = %v, want 30", rec.AverageSpeedKmh)
	}
	if !almostEqual(rec.MaxSpeedKmh, 60, 1e-4) {
		t.Errorf("MaxSpeedKmh = %v, want 60", rec.MaxSpeedKmh)
	}
	var dwell float64
	for _, zm := range rec.Zones {
		dwell += zm.DwellMinutes
	}
	if !almostEqual(rec.TotalMinutes, 12, 1e-9) || !almostEqual(rec.TotalMinutes, dwell, 1e-9) {
		t.Errorf("TotalMinutes = %v, dwell sum %v, want 12", rec.TotalMinutes, dwell)
	}
}

func TestGapsAreSkipped(t *testing.T) {
	lat2, lon2 := geo.Destination(baseLat, baseLon, 0, 2)
	rec := newTestCalculator().Compute(Input{
		VehicleID: "v1", Date: "2025-09-30",
		Positions: []models.PositionRecord{
			fix(t0, baseLat, baseLon, 10),
			fix(t0.Add(40*time.Minute), lat2, lon2, 10),
		},
	})
	if rec.GapsSkipped != 1 {
		t.Errorf("GapsSkipped = %d, want 1", rec.GapsSkipped)
	}
	if rec.DistanceKm != 0 || rec.TotalMinutes != 0 {
		t.Errorf("gap contributed distance %v / minutes %v", rec.DistanceKm, rec.TotalMinutes)
	}
	for _, s := range models.ZoneStates {
		if rec.Zones[s].DwellMinutes != 0 {
			t.Errorf("zone %s dwell = %v", s, rec.Zones[s].DwellMinutes)
		}
	}
}

func TestSpeedCorrection(t *testing.T) {
	calc := newTestCalculator()
	lat1, lon1 := geo.Destination(baseLat, baseLon, 90, 1)
	lat2, lon2 := geo.Destination(lat1, lon1, 90, 5)

	states := calc.Replay([]models.PositionRecord{
		fix(t0, baseLat, baseLon, 12),
		fix(t0.Add(time.Minute), lat1, lon1, 0),
		fix(t0.Add(2*time.Minute), lat2, lon2, 45), // 300 km/h derived: implausible
		fix(t0.Add(2*time.Minute), lat2, lon2, 33), // zero interval
	}, nil, nil)

	if len(states) != 4 {
		t.Fatalf("got %d states, want 4", len(states))
	}
	if states[0].SpeedKmh != 12 {
		t.Errorf("first sample speed = %v, want raw 12", states[0].SpeedKmh)
	}
	if !almostEqual(states[1].SpeedKmh, 60, 1e-4) || states[1].RawSpeedKmh != 0 {
		t.Errorf("corrected speed = %v (raw %v), want 60", states[1].SpeedKmh, states[1].RawSpeedKmh)
	}
	if states[2].SpeedKmh != 45 {
		t.Errorf("implausible derived speed not rejected: %v", states[2].SpeedKmh)
	}
	if states[3].SpeedKmh != 33 {
		t.Errorf("zero interval speed = %v, want raw 33", states[3].SpeedKmh)
	}
	for _, s := range states {
		if s.SpeedKmh < models.MinSpeedKmh || s.SpeedKmh > models.MaxSpeedKmh {
			t.Errorf("speed %v out of range", s.SpeedKmh)
		}
	}
}

func TestReplayDropsInvalidFixesAndSorts(t *testing.T) {
	states := newTestCalculator().Replay([]models.PositionRecord{
		fix(t0.Add(time.Minute), baseLat, baseLon, 0),
		fix(t0, baseLat, baseLon, 0),
		fix(t0.Add(2*time.Minute), 95, baseLon, 0),
		fix(t0.Add(3*time.Minute), baseLat, baseLon, 250),
	}, nil, nil)
	if len(states) != 2 {
		t.Fatalf("got %d states, want 2", len(states))
	}
	if !states[0].Timestamp.Equal(t0) {
		t.Errorf("states not in time order")
	}
}

func TestZoneDwellAndBeacon(t *testing.T) {
	rec := newTestCalculator().Compute(Input{
		VehicleID: "v1", Date: "2025-09-30",
		Positions: []models.PositionRecord{
			fix(t0, baseLat, baseLon, 0),
			fix(t0.Add(time.Minute), baseLat, baseLon, 0),
			fix(t0.Add(2*time.Minute), baseLat, baseLon, 0),
		},
		Beacons: []models.BeaconRecord{{Timestamp: t0.Add(90 * time.Second), State: 1}},
		Zones:   []models.Zone{parkZone()},
	})

	park := rec.Zones[models.StatePark]
	if park.DwellMinutes != 2 || park.BeaconOnMinutes != 1 || park.BeaconOffMinutes != 1 {
		t.Errorf("park metrics = %+v", park)
	}
	if rec.StoppedMinutes != 2 || rec.MovingMinutes != 0 {
		t.Errorf("stopped/moving = %v/%v", rec.StoppedMinutes, rec.MovingMinutes)
	}
	if rec.TiempoEnParque != 2 || rec.TiempoConRotativo != 1 || rec.TiempoSinRotativo != 1 || rec.TiempoFueraParque != 0 {
		t.Errorf("aliases = %+v", rec.LegacyAliases)
	}
}

func TestFirstMatchingZoneWins(t *testing.T) {
	workshop := parkZone()
	workshop.ID, workshop.Type = "ws-1", models.ZoneWorkshop
	calc := newTestCalculator()

	states := calc.Replay([]models.PositionRecord{fix(t0, baseLat, baseLon, 0)}, nil,
		[]models.Zone{workshop, parkZone()})
	if states[0].Zone != models.StateWorkshop || states[0].ZoneID != "ws-1" {
		t.Errorf("zone = %s (%s), want workshop", states[0].Zone, states[0].ZoneID)
	}

	farLat, farLon := geo.Destination(baseLat, baseLon, 0, 5)
	states = calc.Replay([]models.PositionRecord{fix(t0, farLat, farLon, 0)}, nil, []models.Zone{parkZone()})
	if states[0].Zone != models.StateOutside || states[0].ZoneID != "" {
		t.Errorf("zone = %s, want outside", states[0].Zone)
	}
}

func TestLegacyStubMatcherPutsEverythingOutside(t *testing.T) {
	calc := &Calculator{Matcher: geo.NeverMatcher{}, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	states := calc.Replay([]models.PositionRecord{fix(t0, baseLat, baseLon, 0)}, nil, []models.Zone{parkZone()})
	if states[0].Zone != models.StateOutside {
		t.Errorf("zone = %s, want outside", states[0].Zone)
	}
}

func TestSpeedingTiers(t *testing.T) {
	tests := []struct {
		excess float64
		want   models.SpeedingCounts
	}{
		{5, models.SpeedingCounts{Light: 1}},
		{10, models.SpeedingCounts{Light: 1}},
		{15, models.SpeedingCounts{Moderate: 1}},
		{20, models.SpeedingCounts{Moderate: 1}},
		{25, models.SpeedingCounts{Serious: 1}},
		{31, models.SpeedingCounts{VerySerious: 1}},
	}
	for _, tt := range tests {
		var got models.SpeedingCounts
		addSpeeding(&got, tt.excess)
		if got != tt.want {
			t.Errorf("addSpeeding(%v) = %+v, want %+v", tt.excess, got, tt.want)
		}
	}
}

func TestSpeedingOutside(t *testing.T) {
	step := 95.0 / 60 // km covered in one minute at 95 km/h
	lat1, lon1 := geo.Destination(baseLat, baseLon, 0, step)
	lat2, lon2 := geo.Destination(lat1, lon1, 0, step)

	rec := newTestCalculator().Compute(Input{
		VehicleID: "v1", Date: "2025-09-30",
		Positions: []models.PositionRecord{
			fix(t0, baseLat, baseLon, 95),
			fix(t0.Add(time.Minute), lat1, lon1, 95),
			fix(t0.Add(2*time.Minute), lat2, lon2, 95),
		},
	})
	if rec.Speeding != (models.SpeedingCounts{Moderate: 3}) {
		t.Errorf("speeding = %+v, want 3 moderate", rec.Speeding)
	}
	if rec.Zones[models.StateOutside].SpeedingMinutes != 2 {
		t.Errorf("speeding minutes = %v, want 2", rec.Zones[models.StateOutside].SpeedingMinutes)
	}
}

func TestGlitchHopsAreNotDistance(t *testing.T) {
	lat1, lon1 := geo.Destination(baseLat, baseLon, 0, 50)
	rec := newTestCalculator().Compute(Input{
		VehicleID: "v1", Date: "2025-09-30",
		Positions: []models.PositionRecord{
			fix(t0, baseLat, baseLon, 0),
			fix(t0.Add(20*time.Minute), lat1, lon1, 0),
		},
	})
	if rec.GlitchesSkipped != 1 || rec.DistanceKm != 0 {
		t.Errorf("glitches = %d distance = %v", rec.GlitchesSkipped, rec.DistanceKm)
	}
	// the interval still counts as time
	if rec.TotalMinutes != 20 {
		t.Errorf("TotalMinutes = %v, want 20", rec.TotalMinutes)
	}
}

func TestIncidentCountsAndAliases(t *testing.T) {
	farLat, farLon := geo.Destination(baseLat, baseLon, 0, 5)
	rec := newTestCalculator().Compute(Input{
		VehicleID: "v1", Date: "2025-09-30",
		Positions: []models.PositionRecord{
			fix(t0, baseLat, baseLon, 0),
			fix(t0.Add(time.Minute), baseLat, baseLon, 0),
		},
		Incidents: []models.StabilityIncident{
			{Timestamp: t0.Add(10 * time.Second), Severity: models.SeverityCritical, HasLocation: true, Latitude: baseLat, Longitude: baseLon},
			{Timestamp: t0.Add(20 * time.Second), Severity: models.SeverityCritical, HasLocation: true, Latitude: farLat, Longitude: farLon},
			{Timestamp: t0.Add(30 * time.Second), Severity: models.SeverityModerate},
		},
		Zones: []models.Zone{parkZone()},
	})

	inc := rec.Incidents
	if inc.Critical != 2 || inc.Moderate != 1 || inc.Total != 3 {
		t.Errorf("incidents = %+v", inc)
	}
	// the unlocated incident inherits the park zone of the preceding fix
	if inc.InPark != 2 || inc.OutOfPark != 1 {
		t.Errorf("in/out of park = %d/%d, want 2/1", inc.InPark, inc.OutOfPark)
	}
	if rec.EventosCriticos != 2 || rec.EventosModerados != 1 || rec.EventsHigh != 2 || rec.EventsModerate != 1 || rec.EventsLow != 0 {
		t.Errorf("aliases = %+v", rec.LegacyAliases)
	}
}
