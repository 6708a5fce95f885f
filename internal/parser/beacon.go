package parser

import (
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"fleet-session-processor/internal/models"
)

var errBeaconState = errors.New("beacon state must be 0 or 1")

// BeaconParser decodes warning-beacon dumps: header, column line, then
// "timestamp;state" events.
type BeaconParser struct {
	loc      *time.Location
	failures failureLog
	line     int
	date     time.Time
}

// NewBeaconParser creates a parser for one beacon dump
func NewBeaconParser(opts Options) *BeaconParser {
	opts = opts.normalize()
	return &BeaconParser{loc: opts.Location, failures: newFailureLog(opts, models.FileBeacon)}
}

// Date returns the header date. Event timestamps do not depend on it.
func (p *BeaconParser) Date() time.Time { return p.date }

// Dropped returns the number of lines rejected so far.
func (p *BeaconParser) Dropped() int { return p.failures.count }

// Parse decodes lines lazily.
func (p *BeaconParser) Parse(lines iter.Seq[string]) iter.Seq[models.BeaconRecord] {
	return func(yield func(models.BeaconRecord) bool) {
		defer p.failures.finish()
		for line := range lines {
			p.line++
			switch p.line {
			case 1:
				p.date, _ = HeaderTime(models.FileBeacon, line, p.loc)
				continue
			case 2:
				continue
			}

			trimmed := strings.TrimSpace(line)
			if trimmed == "" {
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

func (p *BeaconParser) parseLine(line string) (models.BeaconRecord, error) {
	var rec models.BeaconRecord

	parts := strings.Split(line, ";")
	if len(parts) < 2 {
		return rec, fmt.Errorf("%w: got %d, want 2", errFieldCount, len(parts))
	}
	ts, err := parseTimestamp(parts[0], p.loc)
	if err != nil {
		return rec, err
	}
	state, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return rec, fmt.Errorf("invalid state %q: %w", parts[1], err)
	}
	if state != 0 && state != 1 {
		return rec, fmt.Errorf("%w: %d", errBeaconState, state)
	}

	rec.Timestamp = ts
	rec.State = state
	return rec, nil
}
