package kpi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"fleet-session-processor/internal/db"
	"fleet-session-processor/internal/geo"
	"fleet-session-processor/internal/metrics"
	"fleet-session-processor/internal/models"
)

// DateLayout is the format of KPI dates.
const DateLayout = "2006-01-02"

// MaxRangeDays bounds multi-day queries.
const MaxRangeDays = 366

// Store is the storage the engine reads telemetry from and writes records
// to. *db.Database implements it.
type Store interface {
	GetVehicle(ctx context.Context, id string) (*models.Vehicle, error)
	ListVehicles(ctx context.Context, organizationID string) ([]models.Vehicle, error)
	ListZones(ctx context.Context, organizationID string) ([]models.Zone, error)
	ListSessions(ctx context.Context, vehicleID string, from, to time.Time) ([]models.Session, error)
	ListPositions(ctx context.Context, vehicleID string, from, to time.Time) ([]models.PositionRecord, error)
	ListBeacons(ctx context.Context, vehicleID string, from, to time.Time) ([]models.BeaconRecord, error)
	ListIncidents(ctx context.Context, vehicleID string, from, to time.Time) ([]models.StabilityIncident, error)
	GetDailyKPI(ctx context.Context, vehicleID, date string) (*models.DailyKPIRecord, error)
	UpsertDailyKPI(ctx context.Context, rec *models.DailyKPIRecord) error
}

// Config configures an Engine. Zero fields take defaults.
type Config struct {
	Matcher  geo.Matcher
	Location *time.Location // zone that defines day boundaries
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Engine computes, stores and serves daily KPI records.
type Engine struct {
	store   Store
	calc    *Calculator
	loc     *time.Location
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an engine over store.
func NewEngine(store Store, cfg Config) *Engine {
	if cfg.Matcher == nil {
		cfg.Matcher = geo.NewGeometryMatcher()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:   store,
		calc:    &Calculator{Matcher: cfg.Matcher, Logger: cfg.Logger},
		loc:     cfg.Location,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     time.Now,
	}
}

// DayBounds returns [start, end) of date in the engine's zone.
func (e *Engine) DayBounds(date string) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(DateLayout, date, e.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return day, day.AddDate(0, 0, 1), nil
}

// Dates returns the local dates touched by [start, end].
func (e *Engine) Dates(start, end time.Time) []string {
	return DaysSpanned(start, end, e.loc)
}

// DaysSpanned returns the YYYY-MM-DD dates in loc touched by [start, end],
// at most MaxRangeDays+1 of them.
func DaysSpanned(start, end time.Time, loc *time.Location) []string {
	start, end = start.In(loc), end.In(loc)
	var dates []string
	day := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, loc)
	for !day.After(end) && len(dates) <= MaxRangeDays {
		dates = append(dates, day.Format(DateLayout))
		day = day.AddDate(0, 0, 1)
	}
	return dates
}

// CalculateAndStore returns the KPI record for a vehicle-day, computing and
// persisting it unless a valid record is already stored. An empty
// organizationID is resolved from the vehicle.
func (e *Engine) CalculateAndStore(ctx context.Context, vehicleID, date, organizationID string) (*models.DailyKPIRecord, error) {
	return e.calculate(ctx, vehicleID, date, organizationID, false)
}

// Recalculate computes and persists the record even when a valid one is
// stored.
func (e *Engine) Recalculate(ctx context.Context, vehicleID, date, organizationID string) (*models.DailyKPIRecord, error) {
	return e.calculate(ctx, vehicleID, date, organizationID, true)
}

func (e *Engine) calculate(ctx context.Context, vehicleID, date, organizationID string, force bool) (*models.DailyKPIRecord, error) {
	start := time.Now()
	from, to, err := e.DayBounds(date)
	if err != nil {
		return nil, err
	}

	if !force {
		stored, err := e.GetStored(ctx, vehicleID, date)
		if err != nil {
			e.metrics.ObserveKPI(metrics.ResultError, time.Since(start))
			return nil, err
		}
		if stored != nil && stored.IsValid {
			e.metrics.ObserveKPI(metrics.ResultCached, time.Since(start))
			return stored, nil
		}
	}

	rec, err := e.compute(ctx, vehicleID, date, organizationID, from, to)
	if err == nil {
		err = e.store.UpsertDailyKPI(ctx, rec)
	}
	if err == nil {
		rec, err = e.store.GetDailyKPI(ctx, vehicleID, date)
	}
	if err != nil {
		e.metrics.ObserveKPI(metrics.ResultError, time.Since(start))
		e.logger.Error("kpi calculation failed", "vehicle_id", vehicleID, "date", date, "error", err)
		return nil, fmt.Errorf("kpi %s/%s: %w", vehicleID, date, err)
	}

	e.metrics.ObserveKPI(metrics.ResultSuccess, time.Since(start))
	e.logger.Info("kpi calculated",
		"vehicle_id", vehicleID, "date", date, "sessions", rec.Sessions, "samples", rec.Samples,
		"distance_km", rec.DistanceKm, "duration", time.Since(start))
	return rec, nil
}

func (e *Engine) compute(ctx context.Context, vehicleID, date, organizationID string, from, to time.Time) (*models.DailyKPIRecord, error) {
	v, err := e.store.GetVehicle(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	switch organizationID {
	case "":
		organizationID = v.OrganizationID
	case v.OrganizationID:
	default:
		return nil, fmt.Errorf("vehicle %s does not belong to organization %q", vehicleID, organizationID)
	}

	sessions, err := e.store.ListSessions(ctx, vehicleID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	var rec *models.DailyKPIRecord
	if len(sessions) == 0 {
		rec = models.NewDailyKPIRecord(vehicleID, organizationID, date)
		rec.CalculationVersion = CalculationVersion
		rec.IsValid = true
	} else {
		in := Input{VehicleID: vehicleID, OrganizationID: organizationID, Date: date, Sessions: len(sessions)}
		if in.Positions, err = e.store.ListPositions(ctx, vehicleID, from, to); err != nil {
			return nil, fmt.Errorf("failed to load positions: %w", err)
		}
		if in.Beacons, err = e.store.ListBeacons(ctx, vehicleID, from, to); err != nil {
			return nil, fmt.Errorf("failed to load beacon events: %w", err)
		}
		if in.Incidents, err = e.store.ListIncidents(ctx, vehicleID, from, to); err != nil {
			return nil, fmt.Errorf("failed to load incidents: %w", err)
		}
		if in.Zones, err = e.store.ListZones(ctx, organizationID); err != nil {
			return nil, fmt.Errorf("failed to load zones: %w", err)
		}
		rec = e.calc.Compute(in)
	}

	rec.CalculatedAt = e.now().UTC().Truncate(time.Second)
	return rec, nil
}

// GetStored returns the stored record, or nil when there is none.
func (e *Engine) GetStored(ctx context.Context, vehicleID, date string) (*models.DailyKPIRecord, error) {
	rec, err := e.store.GetDailyKPI(ctx, vehicleID, date)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) dateRange(from, to string) ([]string, error) {
	start, _, err := e.DayBounds(from)
	if err != nil {
		return nil, err
	}
	end, _, err := e.DayBounds(to)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, fmt.Errorf("range end %s before start %s", to, from)
	}
	if end.Sub(start) > MaxRangeDays*24*time.Hour {
		return nil, fmt.Errorf("range %s..%s longer than %d days", from, to, MaxRangeDays)
	}
	return e.Dates(start, end), nil
}

// GetMultipleVehicles returns one record per vehicle-day in [from, to],
// computing the missing or stale ones. Days that fail are logged and left
// out.
func (e *Engine) GetMultipleVehicles(ctx context.Context, vehicleIDs []string, from, to, organizationID string) ([]models.DailyKPIRecord, error) {
	dates, err := e.dateRange(from, to)
	if err != nil {
		return nil, err
	}

	var out []models.DailyKPIRecord
	for _, vehicleID := range vehicleIDs {
		for _, date := range dates {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			rec, err := e.CalculateAndStore(ctx, vehicleID, date, organizationID)
			if err != nil {
				e.logger.Warn("skipping kpi day", "vehicle_id", vehicleID, "date", date, "error", err)
				continue
			}
			out = append(out, *rec)
		}
	}
	return out, nil
}

// RecomputeReport summarises a bulk recompute.
type RecomputeReport struct {
	Vehicles int      `json:"vehicles"`
	Days     int      `json:"days"`
	Computed int      `json:"computed"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors,omitempty"`
}

// Recompute forces recalculation of every vehicle-day in [from, to]. With
// no vehicle IDs every vehicle of the organization is recomputed. Each day
// is isolated: a failure is recorded and the run continues.
func (e *Engine) Recompute(ctx context.Context, organizationID string, vehicleIDs []string, from, to string) (*RecomputeReport, error) {
	dates, err := e.dateRange(from, to)
	if err != nil {
		return nil, err
	}
	if len(vehicleIDs) == 0 {
		vehicles, err := e.store.ListVehicles(ctx, organizationID)
		if err != nil {
			return nil, fmt.Errorf("failed to list vehicles: %w", err)
		}
		for _, v := range vehicles {
			vehicleIDs = append(vehicleIDs, v.ID)
		}
	}

	report := &RecomputeReport{Vehicles: len(vehicleIDs), Days: len(dates)}
	for _, vehicleID := range vehicleIDs {
		for _, date := range dates {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if _, err := e.Recalculate(ctx, vehicleID, date, organizationID); err != nil {
				report.Failed++
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			report.Computed++
		}
	}

	e.logger.Info("kpi recompute complete",
		"organization_id", organizationID, "vehicles", report.Vehicles, "days", report.Days,
		"computed", report.Computed, "failed", report.Failed)
	return report, nil
}
