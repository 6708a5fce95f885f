package kpi

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"fleet-session-processor/internal/db"
	"fleet-session-processor/internal/geo"
	"fleet-session-processor/internal/models"
)

type engineFixture struct {
	db      *db.Database
	engine  *Engine
	vehicle *models.Vehicle
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "kpi.db"))
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	ctx := context.Background()
	v := &models.Vehicle{Name: "DOBACK024", OrganizationID: "org-1"}
	if err := database.CreateVehicle(ctx, v); err != nil {
		t.Fatal(err)
	}
	park := parkZone()
	park.ID = ""
	park.OrganizationID = "org-1"
	if err := database.CreateZone(ctx, &park); err != nil {
		t.Fatal(err)
	}

	engine := NewEngine(database, Config{
		Matcher: geo.NewGeometryMatcher(),
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	engine.now = func() time.Time { return time.Date(2025, 10, 1, 6, 0, 0, 123, time.UTC) }
	return &engineFixture{db: database, engine: engine, vehicle: v}
}

func (f *engineFixture) ingestDay(t *testing.T) {
	t.Helper()
	lat1, lon1 := geo.Destination(baseLat, baseLon, 90, 1)
	_, err := f.db.InsertSessionData(context.Background(), &db.SessionData{
		Session: models.Session{
			VehicleID: f.vehicle.ID, OrganizationID: "org-1", DateKey: "20250930", Sequence: 1,
			StartTime: t0, EndTime: t0.Add(2 * time.Minute),
		},
		Positions: []models.PositionRecord{
			fix(t0, baseLat, baseLon, 0),
			fix(t0.Add(time.Minute), baseLat, baseLon, 0),
			fix(t0.Add(2*time.Minute), lat1, lon1, 0),
		},
		Beacons: []models.BeaconRecord{{Timestamp: t0, State: 1}},
		Incidents: []models.StabilityIncident{
			{Timestamp: t0.Add(5 * time.Second), Severity: models.SeverityCritical, MinSI: 0.1, Samples: 3},
			{Timestamp: t0.Add(15 * time.Second), Severity: models.SeverityCritical, MinSI: 0.15, Samples: 2},
			{Timestamp: t0.Add(70 * time.Second), Severity: models.SeverityModerate, MinSI: 0.4, Samples: 5},
		},
		InvalidateDates: []string{"2025-09-30"},
	})
	if err != nil {
		t.Fatalf("InsertSessionData: %v", err)
	}
}

func TestCalculateAndStore(t *testing.T) {
	f := newEngineFixture(t)
	f.ingestDay(t)
	ctx := context.Background()

	rec, err := f.engine.CalculateAndStore(ctx, f.vehicle.ID, "2025-09-30", "")
	if err != nil {
		t.Fatalf("CalculateAndStore: %v", err)
	}
	if rec.OrganizationID != "org-1" || rec.Sessions != 1 || rec.Samples != 3 {
		t.Errorf("record header = %+v", rec)
	}
	if rec.EventosCriticos != 2 || rec.EventosModerados != 1 || rec.EventsHigh != 2 {
		t.Errorf("incident aliases = %+v", rec.LegacyAliases)
	}
	if !almostEqual(rec.DistanceKm, 1, 1e-6) {
		t.Errorf("DistanceKm = %v, want 1", rec.DistanceKm)
	}
	if park := rec.Zones[models.StatePark]; park.DwellMinutes != 1 || park.BeaconOnMinutes != 1 {
		t.Errorf("park = %+v", park)
	}
	if !rec.IsValid || !rec.CalculatedAt.Equal(time.Date(2025, 10, 1, 6, 0, 0, 0, time.UTC)) {
		t.Errorf("IsValid = %v CalculatedAt = %v", rec.IsValid, rec.CalculatedAt)
	}

	// a valid stored record is returned as is
	f.engine.now = func() time.Time { return time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC) }
	again, err := f.engine.CalculateAndStore(ctx, f.vehicle.ID, "2025-09-30", "")
	if err != nil {
		t.Fatalf("CalculateAndStore again: %v", err)
	}
	if !reflect.DeepEqual(rec, again) {
		t.Errorf("stored record changed:\n%+v\n%+v", rec, again)
	}

	// invalidation forces a recompute
	if err := f.db.InvalidateDailyKPI(ctx, f.vehicle.ID, "2025-09-30"); err != nil {
		t.Fatal(err)
	}
	fresh, err := f.engine.CalculateAndStore(ctx, f.vehicle.ID, "2025-09-30", "")
	if err != nil {
		t.Fatalf("CalculateAndStore after invalidate: %v", err)
	}
	if fresh.CalculatedAt.Year() != 2030 {
		t.Errorf("record was not recomputed: %v", fresh.CalculatedAt)
	}
}

func TestRecalculateIsIdempotent(t *testing.T) {
	f := newEngineFixture(t)
	f.ingestDay(t)
	ctx := context.Background()

	first, err := f.engine.Recalculate(ctx, f.vehicle.ID, "2025-09-30", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.engine.Recalculate(ctx, f.vehicle.ID, "2025-09-30", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Errorf("recompute not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestDayWithoutSessions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	stored, err := f.engine.GetStored(ctx, f.vehicle.ID, "2025-09-29")
	if err != nil || stored != nil {
		t.Fatalf("GetStored = %v, %v; want nil, nil", stored, err)
	}

	rec, err := f.engine.CalculateAndStore(ctx, f.vehicle.ID, "2025-09-29", "org-1")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Sessions != 0 || rec.TotalMinutes != 0 || rec.Incidents.Total != 0 || !rec.IsValid {
		t.Errorf("zero record = %+v", rec)
	}
	if len(rec.Zones) != len(models.ZoneStates) {
		t.Errorf("zones = %v", rec.Zones)
	}

	stored, err = f.engine.GetStored(ctx, f.vehicle.ID, "2025-09-29")
	if err != nil || stored == nil {
		t.Fatalf("zero record not persisted: %v, %v", stored, err)
	}
}

func TestInvalidDate(t *testing.T) {
	f := newEngineFixture(t)
	if _, err := f.engine.CalculateAndStore(context.Background(), f.vehicle.ID, "30/09/2025", ""); err == nil {
		t.Fatal("expected error for malformed date")
	}
}

func TestUnknownVehicleFails(t *testing.T) {
	f := newEngineFixture(t)
	if _, err := f.engine.CalculateAndStore(context.Background(), "missing", "2025-09-30", ""); err == nil {
		t.Fatal("expected error for unknown vehicle")
	}
}

func TestGetMultipleVehicles(t *testing.T) {
	f := newEngineFixture(t)
	f.ingestDay(t)

	recs, err := f.engine.GetMultipleVehicles(context.Background(),
		[]string{f.vehicle.ID, "missing"}, "2025-09-29", "2025-10-01", "")
	if err != nil {
		t.Fatal(err)
	}
	// the unknown vehicle's days fail and are skipped
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	if recs[1].Date != "2025-09-30" || recs[1].Sessions != 1 {
		t.Errorf("middle record = %+v", recs[1])
	}

	if _, err := f.engine.GetMultipleVehicles(context.Background(), nil, "2025-10-01", "2025-09-01", ""); err == nil {
		t.Error("expected error for reversed range")
	}
}

func TestRecompute(t *testing.T) {
	f := newEngineFixture(t)
	f.ingestDay(t)
	ctx := context.Background()

	report, err := f.engine.Recompute(ctx, "org-1", nil, "2025-09-30", "2025-10-01")
	if err != nil {
		t.Fatal(err)
	}
	if report.Vehicles != 1 || report.Days != 2 || report.Computed != 2 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}

	report, err = f.engine.Recompute(ctx, "org-1", []string{"missing"}, "2025-09-30", "2025-09-30")
	if err != nil {
		t.Fatal(err)
	}
	if report.Failed != 1 || len(report.Errors) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestDates(t *testing.T) {
	e := NewEngine(nil, Config{})
	got := e.Dates(time.Date(2025, 9, 30, 23, 50, 0, 0, time.UTC), time.Date(2025, 10, 1, 0, 10, 0, 0, time.UTC))
	if want := []string{"2025-09-30", "2025-10-01"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Dates = %v, want %v", got, want)
	}
}
