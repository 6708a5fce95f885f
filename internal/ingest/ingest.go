package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"fleet-session-processor/internal/db"
	"fleet-session-processor/internal/decoder"
	"fleet-session-processor/internal/kpi"
	"fleet-session-processor/internal/metrics"
	"fleet-session-processor/internal/models"
	"fleet-session-processor/internal/parser"

	"golang.org/x/sync/errgroup"
)

const DefaultParseConcurrency = 4

// ErrVehicleNotFound means the vehicle named by a session's files is not
// registered in its organization.
var ErrVehicleNotFound = errors.New("vehicle not found")

// IngestError is the failure of one session.
type IngestError struct {
	Session string
	Op      string
	Err     error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("session %s: %s: %v", e.Session, e.Op, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Store is the persistence the ingestor writes through.
type Store interface {
	GetVehicleByName(ctx context.Context, name, organizationID string) (*models.Vehicle, error)
	InsertSessionData(ctx context.Context, data *db.SessionData) (*db.WriteResult, error)
}

// KPICalculator refreshes the aggregate of a vehicle-day after new data.
type KPICalculator interface {
	CalculateAndStore(ctx context.Context, vehicleID, date, organizationID string) (*models.DailyKPIRecord, error)
}

// Config configures an Ingestor. Zero fields take defaults.
type Config struct {
	Decoder          decoder.Decoder
	KPI              KPICalculator // optional
	Location         *time.Location
	ParseConcurrency int
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// Ingestor parses and persists one session at a time. It is safe for
// concurrent use.
type Ingestor struct {
	store            Store
	decoder          decoder.Decoder
	kpi              KPICalculator
	loc              *time.Location
	parseConcurrency int
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

// NewIngestor creates an ingestor writing to store.
func NewIngestor(store Store, cfg Config) *Ingestor {
	if cfg.Decoder == nil {
		cfg.Decoder = decoder.Passthrough{}
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.ParseConcurrency <= 0 {
		cfg.ParseConcurrency = DefaultParseConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ingestor{
		store:            store,
		decoder:          cfg.Decoder,
		kpi:              cfg.KPI,
		loc:              cfg.Location,
		parseConcurrency: cfg.ParseConcurrency,
		metrics:          cfg.Metrics,
		logger:           cfg.Logger,
	}
}

// SessionResult describes one ingested session.
type SessionResult struct {
	Key        string                 `json:"key"`
	SessionID  string                 `json:"session_id"`
	VehicleID  string                 `json:"vehicle_id"`
	Files      int                    `json:"files"`
	Parsed     models.DataPointCounts `json:"parsed"`
	Written    models.DataPointCounts `json:"written"`
	Duplicates int                    `json:"duplicates"`
	Dropped    int                    `json:"dropped_lines"`
	Incidents  int                    `json:"incidents"`
	KPIDates   []string               `json:"kpi_dates"`
	Warnings   []string               `json:"warnings,omitempty"`
}

type fileResult struct {
	file    models.RawFile
	parsed  *parser.Result
	warning string
}

// Ingest parses every member file of s, stores the result in one
// transaction and refreshes the affected daily KPIs.
func (in *Ingestor) Ingest(ctx context.Context, s models.CompleteSession) (*SessionResult, error) {
	res, err := in.ingest(ctx, s)
	if err != nil {
		return nil, err
	}
	in.refreshKPIs(ctx, res.VehicleID, s.OrganizationID, res.KPIDates)
	return res, nil
}

func (in *Ingestor) ingest(ctx context.Context, s models.CompleteSession) (res *SessionResult, err error) {
	start := time.Now()
	key := s.Key()
	logger := in.logger.With("session", key)
	defer func() {
		result := metrics.ResultSuccess
		if err != nil {
			result = metrics.ResultError
		}
		in.metrics.ObserveSession(result, time.Since(start))
	}()

	vehicle, err := in.store.GetVehicleByName(ctx, s.VehicleName, s.OrganizationID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, &IngestError{Session: key, Op: "resolve vehicle", Err: fmt.Errorf("%w: %s", ErrVehicleNotFound, s.VehicleName)}
	}
	if err != nil {
		return nil, &IngestError{Session: key, Op: "resolve vehicle", Err: err}
	}

	results, err := in.parseFiles(ctx, s, logger)
	if err != nil {
		return nil, &IngestError{Session: key, Op: "parse", Err: err}
	}

	res = &SessionResult{Key: key, VehicleID: vehicle.ID}
	data := &db.SessionData{
		Session: models.Session{
			VehicleID:      vehicle.ID,
			OrganizationID: s.OrganizationID,
			DateKey:        s.DateKey,
			Sequence:       s.Sequence,
			StartTime:      s.Window.Start,
			EndTime:        s.Window.End,
			SourcePath:     sourceDir(s),
		},
	}
	for _, r := range results {
		if r.warning != "" {
			res.Warnings = append(res.Warnings, r.warning)
			continue
		}
		res.Files++
		res.Dropped += r.parsed.Dropped
		in.metrics.AddDroppedLines(string(r.file.Type), r.parsed.Dropped)
		collect(data, r.parsed.Records)
	}
	res.Parsed = models.DataPointCounts{
		GPS:       len(data.Positions),
		Stability: len(data.Stability),
		CAN:       len(data.Bus),
		Beacon:    len(data.Beacons),
	}
	extendWindow(&data.Session, data)

	data.Incidents = DeriveIncidents(data.Stability, data.Positions)
	for i := range data.Incidents {
		data.Incidents[i].VehicleID = vehicle.ID
	}
	data.InvalidateDates = kpi.DaysSpanned(data.Session.StartTime, data.Session.EndTime, in.loc)

	written, err := in.store.InsertSessionData(ctx, data)
	if err != nil {
		return nil, &IngestError{Session: key, Op: "persist", Err: err}
	}
	res.SessionID = written.SessionID
	res.Written = written.Inserted
	res.Duplicates = written.Duplicates
	res.Incidents = written.Incidents
	res.KPIDates = data.InvalidateDates

	in.metrics.AddPoints(string(models.FilePosition), written.Inserted.GPS)
	in.metrics.AddPoints(string(models.FileStability), written.Inserted.Stability)
	in.metrics.AddPoints(string(models.FileBus), written.Inserted.CAN)
	in.metrics.AddPoints(string(models.FileBeacon), written.Inserted.Beacon)

	logger.Info("session ingested",
		"session_id", res.SessionID, "files", res.Files, "points", res.Parsed.Total(),
		"written", res.Written.Total(), "duplicates", res.Duplicates, "dropped", res.Dropped,
		"incidents", res.Incidents, "warnings", len(res.Warnings), "duration", time.Since(start))
	return res, nil
}

// parseFiles parses every member file concurrently. Results keep the order
// of models.FileTypes and, within a type, the directory scan order.
func (in *Ingestor) parseFiles(ctx context.Context, s models.CompleteSession, logger *slog.Logger) ([]fileResult, error) {
	var files []models.RawFile
	for _, kind := range models.FileTypes {
		files = append(files, s.Files[kind]...)
	}
	results := make([]fileResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.parseConcurrency)
	for i, f := range files {
		g.Go(func() error {
			results[i].file = f
			path := f.Path
			if f.Type == models.FileBus {
				translated, err := in.decoder.Decode(gctx, f.Path)
				if err != nil {
					in.metrics.IncDecoderError()
					logger.Warn("skipping bus file the decoder failed on", "path", f.Path, "error", err)
					results[i].warning = fmt.Sprintf("%s: decoder failed: %v", filepath.Base(f.Path), err)
					return nil
				}
				path = translated
			}

			parsed, err := parser.ParseFile(gctx, path, f.Type, parser.Options{
				File:     path,
				Location: in.loc,
				Logger:   logger,
			})
			if err != nil {
				return fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			results[i].parsed = parsed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func collect(data *db.SessionData, records []models.Record) {
	for _, r := range records {
		switch r.Kind {
		case models.FilePosition:
			data.Positions = append(data.Positions, *r.Position)
		case models.FileStability:
			data.Stability = append(data.Stability, *r.Stability)
		case models.FileBus:
			data.Bus = append(data.Bus, *r.Bus)
		case models.FileBeacon:
			data.Beacons = append(data.Beacons, *r.Beacon)
		}
	}
}

// extendWindow widens the session span from its header window to the
// timestamps actually recorded.
func extendWindow(s *models.Session, data *db.SessionData) {
	widen := func(ts time.Time) {
		if s.StartTime.IsZero() || ts.Before(s.StartTime) {
			s.StartTime = ts
		}
		if ts.After(s.EndTime) {
			s.EndTime = ts
		}
	}
	for _, r := range data.Positions {
		widen(r.Timestamp)
	}
	for _, r := range data.Stability {
		widen(r.Timestamp)
	}
	for _, r := range data.Bus {
		widen(r.Timestamp)
	}
	for _, r := range data.Beacons {
		widen(r.Timestamp)
	}
}

// refreshKPIs recomputes the stale days of a vehicle. Failures are logged
// only; the ingested data stays committed.
func (in *Ingestor) refreshKPIs(ctx context.Context, vehicleID, organizationID string, dates []string) int {
	if in.kpi == nil {
		return 0
	}
	failed := 0
	for _, date := range dates {
		if _, err := in.kpi.CalculateAndStore(ctx, vehicleID, date, organizationID); err != nil {
			failed++
			in.logger.Error("kpi refresh failed", "vehicle_id", vehicleID, "date", date, "error", err)
		}
	}
	return failed
}

func sourceDir(s models.CompleteSession) string {
	for _, kind := range models.FileTypes {
		if files := s.Files[kind]; len(files) > 0 {
			return filepath.Dir(files[0].Path)
		}
	}
	return ""
}
