package parser

import (
	"fmt"
	"iter"
	"math"
	"regexp"
	"strings"
	"time"

	"fleet-session-processor/internal/models"
)

const (
	// SampleRateHz is the assumed inertial sensor rate.
	SampleRateHz   = 100
	sampleInterval = time.Second / SampleRateHz

	stabilityFields = 19
	siField         = 15
	accmagField     = 16
)

// 10:14:05AM
var markerRe = regexp.MustCompile(`^(\d{1,2}):(\d{2}):(\d{2})\s*([AaPp][Mm])$`)

// StabilityParser decodes inertial dumps. The sensor writes a time marker
// roughly once per second followed by untimestamped samples; each sample
// is stamped anchor + index × 10 ms.
type StabilityParser struct {
	loc      *time.Location
	failures failureLog
	line     int

	base   time.Time
	anchor  time.Time
	index   int
	last    time.Time
	clamped int
}

// NewStabilityParser creates a parser for one stability dump
func NewStabilityParser(opts Options) *StabilityParser {
	opts = opts.normalize()
	return &StabilityParser{loc: opts.Location, failures: newFailureLog(opts, models.FileStability)}
}

// Base returns the header timestamp, zero if the header was unreadable.
func (p *StabilityParser) Base() time.Time { return p.base }

// Dropped returns the number of lines rejected so far.
func (p *StabilityParser) Dropped() int { return p.failures.count }

// Clamped returns the number of samples stamped with the timestamp of the
// sample before them. Storage keeps only one row per timestamp.
func (p *StabilityParser) Clamped() int { return p.clamped }

// Parse decodes lines lazily. Emitted timestamps never decrease.
func (p *StabilityParser) Parse(lines iter.Seq[string]) iter.Seq[models.StabilityRecord] {
	return func(yield func(models.StabilityRecord) bool) {
		defer p.failures.finish()
		defer func() {
			if p.clamped > 0 {
				p.failures.logger.Warn("stability samples overran their time marker",
					"file", p.failures.file, "clamped", p.clamped)
			}
		}()
		for line := range lines {
			p.line++
			switch p.line {
			case 1:
				if base, ok := HeaderTime(models.FileStability, line, p.loc); ok {
					p.base = base
					p.anchor = base
				}
				continue
			case 2:
				// column names
				continue
			}

			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
				continue
			}
			if m := markerRe.FindStringSubmatch(trimmed); m != nil {
				if err := p.reanchor(m); err != nil {
					p.failures.drop(p.line, err)
				}
				continue
			}

			rec, err := p.parseRow(trimmed)
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

// reanchor moves the anchor to the marker's time of day, on the following
// day when the clock went backwards (the dump crossed midnight).
func (p *StabilityParser) reanchor(m []string) error {
	if p.anchor.IsZero() {
		return errNoAnchor
	}
	hour, ok := to24Hour(atoi(m[1]), m[4])
	if !ok {
		return fmt.Errorf("invalid time marker %q", m[0])
	}
	y, mo, d := p.anchor.Date()
	next, ok := buildTime(y, int(mo), d, hour, atoi(m[2]), atoi(m[3]), p.loc)
	if !ok {
		return fmt.Errorf("invalid time marker %q", m[0])
	}
	if next.Before(p.anchor) {
		next = next.AddDate(0, 0, 1)
	}
	p.anchor = next
	p.index = 0
	return nil
}

func (p *StabilityParser) parseRow(line string) (models.StabilityRecord, error) {
	var rec models.StabilityRecord

	fields := strings.Split(line, ";")
	if len(fields) < stabilityFields {
		return rec, fmt.Errorf("%w: got %d, want %d", errFieldCount, len(fields), stabilityFields)
	}
	if p.anchor.IsZero() {
		return rec, errNoAnchor
	}

	targets := []*float64{
		&rec.Ax, &rec.Ay, &rec.Az,
		&rec.Gx, &rec.Gy, &rec.Gz,
		&rec.Roll, &rec.Pitch, &rec.Yaw,
	}
	for i, dst := range targets {
		v, err := parseFloat(fields[i])
		if err != nil {
			return rec, fmt.Errorf("field %d %q: %w", i, fields[i], err)
		}
		*dst = v
	}
	si, err := parseFloat(fields[siField])
	if err != nil {
		return rec, fmt.Errorf("invalid si %q: %w", fields[siField], err)
	}
	// SI is a derived score, clamp rather than reject.
	rec.SI = math.Min(math.Max(si, 0), 1)
	if rec.AccelMagnitude, err = parseFloat(fields[accmagField]); err != nil {
		return rec, fmt.Errorf("invalid accmag %q: %w", fields[accmagField], err)
	}

	ts := p.anchor.Add(time.Duration(p.index) * sampleInterval)
	p.index++
	if !p.last.IsZero() && !ts.After(p.last) {
		ts = p.last
		p.clamped++
	}
	p.last = ts
	rec.Timestamp = ts
	return rec, nil
}
