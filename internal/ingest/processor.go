package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"fleet-session-processor/internal/metrics"
	"fleet-session-processor/internal/models"
	"fleet-session-processor/internal/session"

	"golang.org/x/sync/errgroup"
)

const DefaultSessionConcurrency = 5

// Processor runs a whole batch: detection, ingestion of every session and
// a single KPI refresh per touched vehicle-day.
type Processor struct {
	Detector    session.Detector
	Ingestor    *Ingestor
	Concurrency int
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type vehicleDay struct {
	vehicleID string
	date      string
}

// ProcessAll ingests every complete session under root. A failing session
// is recorded in the returned stats and never stops the batch; only a
// detection failure or cancellation is returned as an error.
func (p *Processor) ProcessAll(ctx context.Context, root string) (models.BatchStats, error) {
	start := time.Now()
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := p.Concurrency
	if limit <= 0 {
		limit = DefaultSessionConcurrency
	}

	var stats models.BatchStats
	sessions, err := p.Detector.Detect(ctx, root)
	if err != nil {
		return stats, fmt.Errorf("session detection failed: %w", err)
	}
	logger.Info("processing batch", "root", root, "sessions", len(sessions), "concurrency", limit)

	var (
		mu      sync.Mutex
		touched = make(map[vehicleDay]string)
	)
	var g errgroup.Group
	g.SetLimit(limit)
	for _, s := range sessions {
		g.Go(func() error {
			if ctx.Err() != nil {
				mu.Lock()
				stats.SessionsFailed++
				stats.Errors = append(stats.Errors, fmt.Sprintf("session %s: %v", s.Key(), ctx.Err()))
				mu.Unlock()
				return nil
			}
			res, err := p.Ingestor.ingest(ctx, s)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.SessionsFailed++
				stats.Errors = append(stats.Errors, err.Error())
				logger.Error("session failed", "session", s.Key(), "error", err)
				return nil
			}
			stats.SessionsProcessed++
			stats.TotalFilesProcessed += res.Files
			stats.TotalDataPoints.Add(res.Parsed)
			for _, w := range res.Warnings {
				stats.Errors = append(stats.Errors, fmt.Sprintf("session %s: %s", res.Key, w))
			}
			for _, date := range res.KPIDates {
				touched[vehicleDay{res.VehicleID, date}] = s.OrganizationID
			}
			return nil
		})
	}
	g.Wait()
	sort.Strings(stats.Errors)

	if ctx.Err() == nil {
		keys := make([]vehicleDay, 0, len(touched))
		for k := range touched {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].vehicleID != keys[j].vehicleID {
				return keys[i].vehicleID < keys[j].vehicleID
			}
			return keys[i].date < keys[j].date
		})
		failed := 0
		for _, k := range keys {
			failed += p.Ingestor.refreshKPIs(ctx, k.vehicleID, touched[k], []string{k.date})
		}
		if failed > 0 {
			logger.Warn("some daily kpis were not refreshed", "failed", failed, "total", len(keys))
		}
	}

	elapsed := time.Since(start)
	stats.ProcessingTimeMs = elapsed.Milliseconds()
	p.Metrics.ObserveBatch(elapsed)
	if stats.Errors == nil {
		stats.Errors = []string{}
	}

	logger.Info("batch complete",
		"processed", stats.SessionsProcessed, "failed", stats.SessionsFailed,
		"files", stats.TotalFilesProcessed, "points", stats.TotalDataPoints.Total(),
		"duration", elapsed)
	return stats, ctx.Err()
}
