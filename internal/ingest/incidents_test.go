package ingest

import (
	"testing"
	"time"

	"fleet-session-processor/internal/models"
)

func TestSeverity(t *testing.T) {
	tests := []struct {
		si   float64
		want models.Severity
	}{
		{0, models.SeverityCritical},
		{0.19, models.SeverityCritical},
		{0.20, models.SeverityDangerous},
		{0.34, models.SeverityDangerous},
		{0.35, models.SeverityModerate},
		{0.49, models.SeverityModerate},
		{0.50, models.SeverityMinor},
		{0.59, models.SeverityMinor},
	}
	for _, tt := range tests {
		if got := Severity(tt.si); got != tt.want {
			t.Errorf("Severity(%v) = %s, want %s", tt.si, got, tt.want)
		}
	}
}

func TestDeriveIncidents(t *testing.T) {
	base := time.Date(2025, 9, 30, 9, 0, 0, 0, time.UTC)
	at := func(i int) time.Time { return base.Add(time.Duration(i) * time.Second) }
	sample := func(i int, si float64) models.StabilityRecord {
		return models.StabilityRecord{Timestamp: at(i), SI: si}
	}

	// deliberately out of order
	stability := []models.StabilityRecord{
		sample(6, 0.40),
		sample(0, 0.90),
		sample(2, 0.15),
		sample(1, 0.50),
		sample(3, 0.70),
		sample(4, 0.59),
		sample(5, 0.90),
	}
	positions := []models.PositionRecord{
		{Timestamp: at(5), Latitude: 40.2, Longitude: -3.2},
		{Timestamp: at(2), Latitude: 40.1, Longitude: -3.1},
	}

	got := DeriveIncidents(stability, positions)
	if len(got) != 3 {
		t.Fatalf("got %d incidents, want 3: %+v", len(got), got)
	}

	first := got[0]
	if !first.Timestamp.Equal(at(1)) || first.Samples != 2 || first.MinSI != 0.15 || first.Severity != models.SeverityCritical {
		t.Errorf("first incident = %+v", first)
	}
	if first.HasLocation {
		t.Errorf("first incident precedes every fix but has a location")
	}

	if got[1].Severity != models.SeverityMinor || !got[1].HasLocation || got[1].Latitude != 40.1 {
		t.Errorf("second incident = %+v", got[1])
	}
	// a run still open at the end of the data is kept
	if got[2].Severity != models.SeverityModerate || got[2].Latitude != 40.2 || got[2].Longitude != -3.2 {
		t.Errorf("third incident = %+v", got[2])
	}
}

func TestDeriveIncidentsStableData(t *testing.T) {
	base := time.Date(2025, 9, 30, 9, 0, 0, 0, time.UTC)
	var stability []models.StabilityRecord
	for i := 0; i < 50; i++ {
		stability = append(stability, models.StabilityRecord{Timestamp: base.Add(time.Duration(i) * 10 * time.Millisecond), SI: 0.6})
	}
	if got := DeriveIncidents(stability, nil); len(got) != 0 {
		t.Errorf("got %d incidents at the threshold, want 0", len(got))
	}
}
