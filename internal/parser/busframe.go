package parser

import (
	"errors"
	"iter"
	"strings"
	"time"

	"fleet-session-processor/internal/models"
)

var errNoBusFields = errors.New("no known bus fields on line")

type busField int

const (
	busRPM busField = iota
	busSpeed
	busFuelSystem
	busEngineTemp
	busFuelConsumption
)

// busFieldNames maps normalized field-name tokens of the decoder output to
// record fields.
var busFieldNames = map[string]busField{
	"enginerpm":                busRPM,
	"enginespeed":              busRPM,
	"vehiclespeed":             busSpeed,
	"wheelbasedvehiclespeed":   busSpeed,
	"fuelsystemstatus":         busFuelSystem,
	"enginetemp":               busEngineTemp,
	"enginecoolanttemperature": busEngineTemp,
	"coolanttemp":              busEngineTemp,
	"fuelconsumption":          busFuelConsumption,
	"fuelrate":                 busFuelConsumption,
	"enginefuelrate":           busFuelConsumption,
}

// BusFrameParser decodes the translated CSV written by the bus decoder.
// Columns are not fixed: the first token is the timestamp and every known
// field name is followed by its value.
type BusFrameParser struct {
	loc      *time.Location
	failures failureLog
	line     int
}

// NewBusFrameParser creates a parser for one translated bus dump
func NewBusFrameParser(opts Options) *BusFrameParser {
	opts = opts.normalize()
	return &BusFrameParser{loc: opts.Location, failures: newFailureLog(opts, models.FileBus)}
}

// Dropped returns the number of lines rejected so far.
func (p *BusFrameParser) Dropped() int { return p.failures.count }

// Parse decodes lines lazily.
func (p *BusFrameParser) Parse(lines iter.Seq[string]) iter.Seq[models.BusFrameRecord] {
	return func(yield func(models.BusFrameRecord) bool) {
		defer p.failures.finish()
		for line := range lines {
			p.line++
			trimmed := strings.TrimSpace(line)
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}

			tokens := strings.FieldsFunc(trimmed, func(r rune) bool { return r == ',' || r == ';' })
			for i := range tokens {
				tokens[i] = strings.TrimSpace(tokens[i])
			}
			if len(tokens) == 0 || isColumnLine(tokens[0]) {
				continue
			}

			rec, err := p.parseTokens(tokens)
			if err != nil {
				p.failures.drop(p.line, err)
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

func (p *BusFrameParser) parseTokens(tokens []string) (models.BusFrameRecord, error) {
	var rec models.BusFrameRecord

	ts, err := parseTimestamp(tokens[0], p.loc)
	if err != nil {
		return rec, err
	}
	rec.Timestamp = ts

	found := 0
	for i := 1; i < len(tokens)-1; i++ {
		field, ok := busFieldNames[normalizeToken(tokens[i])]
		if !ok {
			continue
		}
		v, err := parseFloat(tokens[i+1])
		if err != nil {
			continue
		}
		switch field {
		case busRPM:
			rec.EngineRPM = v
		case busSpeed:
			rec.VehicleSpeedKmh = v
		case busFuelSystem:
			rec.FuelSystemStatus = int(v)
		case busEngineTemp:
			rec.EngineTemp = v
		case busFuelConsumption:
			rec.FuelConsumption = v
		}
		found++
		i++
	}
	if found == 0 {
		return rec, errNoBusFields
	}
	return rec, nil
}

func normalizeToken(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '_', '-', ' ', '.':
			return -1
		}
		if r >= 'A' && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

func isColumnLine(first string) bool {
	switch strings.ToLower(first) {
	case "timestamp", "time", "fecha", "fecha-hora":
		return true
	}
	return false
}
