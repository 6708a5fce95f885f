package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fleet_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultCached  = "cached"
)

// Metrics holds the processor's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	sessions       *prometheus.CounterVec
	points         *prometheus.CounterVec
	droppedLines   *prometheus.CounterVec
	decoderErrors  prometheus.Counter
	kpiRuns        *prometheus.CounterVec
	kpiLatency     *prometheus.HistogramVec
	batchDuration  prometheus.Histogram
	sessionLatency *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "sessions_ingested_total",
				Help: "Total sessions ingested by result",
			},
			[]string{"result"},
		),
		points: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "data_points_total",
				Help: "Total data points written by type",
			},
			[]string{"type"},
		),
		droppedLines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "parser_dropped_lines_total",
				Help: "Total malformed lines dropped by file type",
			},
			[]string{"type"},
		),
		decoderErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "decoder_errors_total",
				Help: "Total bus files the decoder failed on",
			},
		),
		kpiRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "kpi_calculations_total",
				Help: "Total daily KPI calculations by result",
			},
			[]string{"result"},
		),
		kpiLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "kpi_calculation_seconds",
				Help:    "Daily KPI calculation latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		batchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "batch_duration_seconds",
				Help:    "Duration of directory ingestion runs in seconds",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
		sessionLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "session_ingest_seconds",
				Help:    "Per-session ingest latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		),
	}

	if reg != nil {
		reg.MustRegister(m.sessions, m.points, m.droppedLines, m.decoderErrors,
			m.kpiRuns, m.kpiLatency, m.batchDuration, m.sessionLatency)
	}
	return m
}

// ObserveSession records one session ingest and its duration.
func (m *Metrics) ObserveSession(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(result).Inc()
	m.sessionLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// AddPoints counts written data points of one file type.
func (m *Metrics) AddPoints(fileType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.points.WithLabelValues(fileType).Add(float64(n))
}

// AddDroppedLines counts malformed lines of one file type.
func (m *Metrics) AddDroppedLines(fileType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.droppedLines.WithLabelValues(fileType).Add(float64(n))
}

func (m *Metrics) IncDecoderError() {
	if m == nil {
		return
	}
	m.decoderErrors.Inc()
}

// ObserveKPI records one KPI calculation.
func (m *Metrics) ObserveKPI(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.kpiRuns.WithLabelValues(result).Inc()
	m.kpiLatency.WithLabelValues(result).Observe(duration.Seconds())
}

// ObserveBatch records the duration of a directory run.
func (m *Metrics) ObserveBatch(duration time.Duration) {
	if m == nil {
		return
	}
	m.batchDuration.Observe(duration.Seconds())
}

// RegisterStoreGauges exposes stored row counts. stats is called on every
// scrape; keys lists the entries of its result to export.
func RegisterStoreGauges(reg prometheus.Registerer, keys []string, stats func() (map[string]int64, error), logger *slog.Logger) {
	if reg == nil {
		return
	}
	for _, key := range keys {
		reg.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name:        metricPrefix + "stored_rows",
				Help:        "Rows currently stored by table",
				ConstLabels: prometheus.Labels{"table": key},
			},
			func() float64 {
				s, err := stats()
				if err != nil {
					if logger != nil {
						logger.Warn("metrics query failed", "error", err)
					}
					return 0
				}
				return float64(s[key])
			},
		))
	}
}
