package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]float64)
	for _, f := range families {
		for _, m := range f.GetMetric() {
			key := f.GetName()
			for _, l := range m.GetLabel() {
				key += "/" + l.GetValue()
			}
			switch {
			case m.GetCounter() != nil:
				out[key] = m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				out[key] = m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				out[key] = float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return out
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveSession(ResultSuccess, time.Second)
	m.ObserveSession(ResultError, time.Second)
	m.AddPoints("GPS", 120)
	m.AddPoints("GPS", 0)
	m.AddDroppedLines("ESTABILIDAD", 3)
	m.IncDecoderError()
	m.ObserveKPI(ResultCached, time.Millisecond)
	m.ObserveBatch(2 * time.Second)

	got := gather(t, reg)
	want := map[string]float64{
		"fleet_sessions_ingested_total/success":        1,
		"fleet_sessions_ingested_total/error":          1,
		"fleet_data_points_total/GPS":                  120,
		"fleet_parser_dropped_lines_total/ESTABILIDAD": 3,
		"fleet_decoder_errors_total":                   1,
		"fleet_kpi_calculations_total/cached":          1,
		"fleet_batch_duration_seconds":                 1,
		"fleet_session_ingest_seconds/success":         1,
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveSession(ResultSuccess, time.Second)
	m.AddPoints("GPS", 1)
	m.AddDroppedLines("GPS", 1)
	m.IncDecoderError()
	m.ObserveKPI(ResultSuccess, time.Second)
	m.ObserveBatch(time.Second)
}

func TestStoreGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	calls := 0
	RegisterStoreGauges(reg, []string{"sessions", "daily_kpis"}, func() (map[string]int64, error) {
		calls++
		if calls > 2 {
			return nil, errors.New("closed")
		}
		return map[string]int64{"sessions": 4, "daily_kpis": 2}, nil
	}, nil)

	got := gather(t, reg)
	if got["fleet_stored_rows/sessions"] != 4 || got["fleet_stored_rows/daily_kpis"] != 2 {
		t.Errorf("gauges = %v", got)
	}

	got = gather(t, reg)
	if got["fleet_stored_rows/sessions"] != 0 {
		t.Errorf("failed query should report 0, got %v", got["fleet_stored_rows/sessions"])
	}
}
