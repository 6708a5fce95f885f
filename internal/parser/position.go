package parser

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"strconv"
	"strings"
	"time"

	"fleet-session-processor/internal/models"
)

const positionFields = 9

var (
	errCoordinateRange = errors.New("coordinate out of range")
	errSpeedRange      = errors.New("speed out of range")
)

// positionDateFormats are the date layouts of the first GPS column.
var positionDateFormats = []string{"02/01/2006", "2006-01-02", "20060102", "02-01-2006"}

// PositionParser decodes GPS dumps: a header line followed by
// comma-separated fixes "date,time,lat,lon,altitude,hdop,fix,satellites,speed".
type PositionParser struct {
	loc      *time.Location
	failures failureLog
	line     int
	base     time.Time
}

// NewPositionParser creates a parser for one GPS dump
func NewPositionParser(opts Options) *PositionParser {
	opts = opts.normalize()
	return &PositionParser{loc: opts.Location, failures: newFailureLog(opts, models.FilePosition)}
}

// Base returns the header timestamp, zero if the header was unreadable.
func (p *PositionParser) Base() time.Time { return p.base }

// Dropped returns the number of lines rejected so far.
func (p *PositionParser) Dropped() int { return p.failures.count }

// Parse decodes lines lazily, emitting one record per valid fix.
func (p *PositionParser) Parse(lines iter.Seq[string]) iter.Seq[models.PositionRecord] {
	return func(yield func(models.PositionRecord) bool) {
		defer p.failures.finish()
		for line := range lines {
			p.line++
			if p.line == 1 {
				p.base, _ = HeaderTime(models.FilePosition, line, p.loc)
				continue
			}
			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			// Some firmware writes a column-name line after the header.
			if p.line == 2 && !startsWithDigit(trimmed) {
				continue
			}

			rec, err := p.parseLine(trimmed)
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

func (p *PositionParser) parseLine(line string) (models.PositionRecord, error) {
	var rec models.PositionRecord

	fields := strings.Split(line, ",")
	if len(fields) < positionFields {
		return rec, fmt.Errorf("%w: got %d, want %d", errFieldCount, len(fields), positionFields)
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}

	ts, err := parsePositionTime(fields[0], fields[1], p.loc)
	if err != nil {
		return rec, err
	}
	rec.Timestamp = ts

	if rec.Latitude, err = correctLatitude(fields[2]); err != nil {
		return rec, fmt.Errorf("invalid latitude %q: %w", fields[2], err)
	}
	if rec.Longitude, err = correctLongitude(fields[3]); err != nil {
		return rec, fmt.Errorf("invalid longitude %q: %w", fields[3], err)
	}
	if rec.Altitude, err = parseFloat(fields[4]); err != nil {
		return rec, fmt.Errorf("invalid altitude %q: %w", fields[4], err)
	}
	if hdop, err := parseFloat(fields[5]); err == nil {
		rec.HDOP = &hdop
	}
	if fix, err := strconv.Atoi(fields[6]); err == nil {
		rec.Fix = &fix
	}
	if rec.Satellites, err = strconv.Atoi(fields[7]); err != nil {
		return rec, fmt.Errorf("invalid satellite count %q: %w", fields[7], err)
	}
	if rec.SpeedKmh, err = parseFloat(fields[8]); err != nil {
		return rec, fmt.Errorf("invalid speed %q: %w", fields[8], err)
	}

	if rec.Latitude < -90 || rec.Latitude > 90 || rec.Longitude < -180 || rec.Longitude > 180 {
		return rec, fmt.Errorf("%w: %.6f,%.6f", errCoordinateRange, rec.Latitude, rec.Longitude)
	}
	if rec.SpeedKmh < models.MinSpeedKmh || rec.SpeedKmh > models.MaxSpeedKmh {
		return rec, fmt.Errorf("%w: %.1f km/h", errSpeedRange, rec.SpeedKmh)
	}
	return rec, nil
}

func parsePositionTime(date, clock string, loc *time.Location) (time.Time, error) {
	for _, layout := range positionDateFormats {
		if t, err := time.ParseInLocation(layout+" 15:04:05", date+" "+clock, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q %q", date, clock)
}

// correctLatitude repairs the decimal-point bugs of the GPS firmware around
// the Madrid latitude band: "0.xxxx" is really "40.xxxx" and a "4.xxxx"
// reading lost its leading "4".
func correctLatitude(lit string) (float64, error) {
	switch {
	case strings.HasPrefix(lit, "0."):
		lit = "40." + lit[2:]
	case strings.HasPrefix(lit, "4."):
		lit = "4" + lit
	}
	return parseFloat(lit)
}

// correctLongitude repairs "-0.xxxx" readings to "-3.xxxx" and folds
// values beyond ±180 back into range.
func correctLongitude(lit string) (float64, error) {
	if strings.HasPrefix(lit, "-0.") {
		lit = "-3." + lit[3:]
	}
	v, err := parseFloat(lit)
	if err != nil {
		return 0, err
	}
	if v > 180 || v < -180 {
		v = math.Mod(v, 180)
	}
	return v, nil
}

func startsWithDigit(s string) bool {
	return s != "" && s[0] >= '0' && s[0] <= '9'
}
