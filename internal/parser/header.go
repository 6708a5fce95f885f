package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleet-session-processor/internal/models"
)

var (
	// GPS;20250930 09:46:52;DOBACK024;...
	positionHeaderRe = regexp.MustCompile(`^\s*[A-Za-z]+\s*;\s*(\d{4})(\d{2})(\d{2})[\s-]+(\d{1,2}):(\d{2}):(\d{2})`)
	// ESTABILIDAD;30/09/2025 09:46:52AM;DOBACK024;...
	clockHeaderRe = regexp.MustCompile(`^\s*[A-Za-z]+\s*;\s*(\d{1,2})/(\d{1,2})/(\d{4})[\s-]+(\d{1,2}):(\d{2}):(\d{2})\s*([AaPp][Mm])?`)
	// ROTATIVO;2025-09-30;DOBACK024;...
	beaconHeaderRe = regexp.MustCompile(`^\s*[A-Za-z]+\s*;\s*(\d{4})-(\d{2})-(\d{2})`)
)

// HeaderTime extracts the timestamp carried by the first line of a dump.
func HeaderTime(kind models.FileType, line string, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}
	line = strings.TrimPrefix(line, "\ufeff")
	switch kind {
	case models.FilePosition:
		return positionHeader(line, loc)
	case models.FileStability, models.FileBus:
		return clockHeader(line, loc)
	case models.FileBeacon:
		return beaconHeader(line, loc)
	}
	return time.Time{}, false
}

func positionHeader(line string, loc *time.Location) (time.Time, bool) {
	m := positionHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	return buildTime(atoi(m[1]), atoi(m[2]), atoi(m[3]), atoi(m[4]), atoi(m[5]), atoi(m[6]), loc)
}

func clockHeader(line string, loc *time.Location) (time.Time, bool) {
	m := clockHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	hour, ok := to24Hour(atoi(m[4]), m[7])
	if !ok {
		return time.Time{}, false
	}
	return buildTime(atoi(m[3]), atoi(m[2]), atoi(m[1]), hour, atoi(m[5]), atoi(m[6]), loc)
}

func beaconHeader(line string, loc *time.Location) (time.Time, bool) {
	m := beaconHeaderRe.FindStringSubmatch(line)
	if m == nil {
		return time.Time{}, false
	}
	return buildTime(atoi(m[1]), atoi(m[2]), atoi(m[3]), 0, 0, 0, loc)
}

// to24Hour converts a 12-hour clock reading. An empty suffix means the
// hour is already on the 24-hour clock.
func to24Hour(hour int, suffix string) (int, bool) {
	switch strings.ToUpper(suffix) {
	case "":
		return hour, hour >= 0 && hour < 24
	case "AM":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		return hour % 12, true
	case "PM":
		if hour < 1 || hour > 12 {
			return 0, false
		}
		return hour%12 + 12, true
	}
	return 0, false
}

// buildTime rejects out-of-range fields instead of letting time.Date
// normalize them.
func buildTime(year, month, day, hour, min, sec int, loc *time.Location) (time.Time, bool) {
	t := time.Date(year, time.Month(month), day, hour, min, sec, 0, loc)
	y, mo, d := t.Date()
	if y != year || int(mo) != month || d != day {
		return time.Time{}, false
	}
	if hour < 0 || hour > 23 || min < 0 || min > 59 || sec < 0 || sec > 59 {
		return time.Time{}, false
	}
	return t, true
}

func atoi(s string) int {
	i, _ := strconv.Atoi(s)
	return i
}
