package ingest

import (
	"sort"

	"fleet-session-processor/internal/models"
)

// IncidentThreshold is the stability index below which a sample belongs to
// an incident.
const IncidentThreshold = 0.60

// Severity classifies an incident by the lowest stability index it reached.
func Severity(minSI float64) models.Severity {
	switch {
	case minSI < 0.20:
		return models.SeverityCritical
	case minSI < 0.35:
		return models.SeverityDangerous
	case minSI < 0.50:
		return models.SeverityModerate
	default:
		return models.SeverityMinor
	}
}

// DeriveIncidents groups consecutive low-SI samples into incidents. Each
// incident starts at its first sample and is placed at the latest position
// fix at or before that time, when there is one.
func DeriveIncidents(stability []models.StabilityRecord, positions []models.PositionRecord) []models.StabilityIncident {
	samples := append([]models.StabilityRecord(nil), stability...)
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Timestamp.Before(samples[j].Timestamp) })
	fixes := append([]models.PositionRecord(nil), positions...)
	sort.SliceStable(fixes, func(i, j int) bool { return fixes[i].Timestamp.Before(fixes[j].Timestamp) })

	var incidents []models.StabilityIncident
	var cur *models.StabilityIncident
	for _, s := range samples {
		if s.SI >= IncidentThreshold {
			if cur != nil {
				incidents = append(incidents, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &models.StabilityIncident{Timestamp: s.Timestamp, MinSI: s.SI}
		}
		cur.Samples++
		if s.SI < cur.MinSI {
			cur.MinSI = s.SI
		}
	}
	if cur != nil {
		incidents = append(incidents, *cur)
	}

	for i := range incidents {
		inc := &incidents[i]
		inc.Severity = Severity(inc.MinSI)
		j := sort.Search(len(fixes), func(k int) bool { return fixes[k].Timestamp.After(inc.Timestamp) })
		if j > 0 {
			inc.Latitude = fixes[j-1].Latitude
			inc.Longitude = fixes[j-1].Longitude
			inc.HasLocation = true
		}
	}
	return incidents
}
