package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"fleet-session-processor/internal/models"
	"fleet-session-processor/internal/parser"
)

const (
	DefaultMinStabilityBytes = 1024
	DefaultMaxWindow         = 30 * time.Minute
)

// ESTABILIDAD_DOBACK024_20250930_1.txt
var fileNameRe = regexp.MustCompile(`^(GPS|CAN|ESTABILIDAD|ROTATIVO)_([A-Za-z]+\d+)_(\d{8})_(\d+)\.(?i:txt)$`)

var vehicleNameRe = regexp.MustCompile(`^[A-Za-z]+\d+$`)

// ValidVehicleName reports whether name can appear in a dump file name.
func ValidVehicleName(name string) bool {
	return vehicleNameRe.MatchString(name)
}

// ParseFileName classifies a dump file from its base name. Sizes and paths
// are left for the caller to fill in.
func ParseFileName(name string) (models.RawFile, bool) {
	m := fileNameRe.FindStringSubmatch(name)
	if m == nil {
		return models.RawFile{}, false
	}
	if _, err := time.Parse("20060102", m[3]); err != nil {
		return models.RawFile{}, false
	}
	seq, err := strconv.Atoi(m[4])
	if err != nil {
		return models.RawFile{}, false
	}
	return models.RawFile{
		Type:        models.FileType(m[1]),
		VehicleName: m[2],
		DateKey:     m[3],
		Sequence:    seq,
	}, true
}

// Detector groups the dump files of a directory tree into sessions.
type Detector struct {
	OrganizationID    string
	MinStabilityBytes int64         // smaller stability dumps are ignored
	MaxWindow         time.Duration // longest accepted header window
	Location          *time.Location
	Logger            *slog.Logger
}

func (d *Detector) defaults() {
	if d.MinStabilityBytes <= 0 {
		d.MinStabilityBytes = DefaultMinStabilityBytes
	}
	if d.MaxWindow <= 0 {
		d.MaxWindow = DefaultMaxWindow
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
}

// Detect walks root and returns every valid session below it, sorted by
// vehicle, date and sequence. Invalid sessions are logged and left out.
func (d Detector) Detect(ctx context.Context, root string) ([]models.CompleteSession, error) {
	d.defaults()

	groups := make(map[string]*models.CompleteSession)
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}

		file, ok := ParseFileName(entry.Name())
		if !ok {
			if strings.EqualFold(filepath.Ext(path), ".txt") {
				d.Logger.Debug("ignoring file with unknown name", "path", path)
			}
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		file.Path = path
		file.Size = info.Size()
		file.ModTime = info.ModTime()

		if file.Type == models.FileStability && file.Size < d.MinStabilityBytes {
			d.Logger.Info("ignoring undersized stability file", "path", path, "size", file.Size)
			return nil
		}

		s := models.CompleteSession{
			VehicleName:    file.VehicleName,
			DateKey:        file.DateKey,
			Sequence:       file.Sequence,
			OrganizationID: d.OrganizationID,
		}
		key := s.Key()
		g, ok := groups[key]
		if !ok {
			s.Files = make(map[models.FileType][]models.RawFile)
			g = &s
			groups[key] = g
		}
		g.Files[file.Type] = append(g.Files[file.Type], file)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}

	sessions := make([]models.CompleteSession, 0, len(groups))
	for key, g := range groups {
		if len(g.Files[models.FilePosition]) == 0 && len(g.Files[models.FileStability]) == 0 {
			d.Logger.Info("rejecting incomplete session", "session", key, "files", g.FileCount())
			continue
		}
		window, err := d.window(g)
		if err != nil {
			d.Logger.Info("rejecting session", "session", key, "error", err)
			continue
		}
		g.Window = window
		sessions = append(sessions, *g)
	}

	sort.Slice(sessions, func(i, j int) bool {
		a, b := sessions[i], sessions[j]
		if a.VehicleName != b.VehicleName {
			return a.VehicleName < b.VehicleName
		}
		if a.DateKey != b.DateKey {
			return a.DateKey < b.DateKey
		}
		return a.Sequence < b.Sequence
	})

	d.Logger.Info("session detection complete", "root", root, "candidates", len(groups), "sessions", len(sessions))
	return sessions, nil
}

var (
	errNoHeaders     = errors.New("no readable header timestamps")
	errWindowTooLong = errors.New("header window too long")
)

// window spans the header timestamps of every member file. Beacon headers
// carry a date only, so they count only when no timed header was read.
func (d Detector) window(s *models.CompleteSession) (models.TemporalWindow, error) {
	var timed, dated []time.Time
	for _, kind := range models.FileTypes {
		for _, f := range s.Files[kind] {
			line, err := firstLine(f.Path)
			if err != nil {
				d.Logger.Warn("failed to read header", "path", f.Path, "error", err)
				continue
			}
			ts, ok := parser.HeaderTime(kind, line, d.Location)
			if !ok {
				continue
			}
			if kind == models.FileBeacon {
				dated = append(dated, ts)
			} else {
				timed = append(timed, ts)
			}
		}
	}
	if len(timed) == 0 {
		timed = dated
	}

	var start, end time.Time
	for _, ts := range timed {
		if start.IsZero() || ts.Before(start) {
			start = ts
		}
		if end.IsZero() || ts.After(end) {
			end = ts
		}
	}
	if start.IsZero() {
		return models.TemporalWindow{}, errNoHeaders
	}

	span := end.Sub(start)
	if span > d.MaxWindow {
		return models.TemporalWindow{}, fmt.Errorf("%w: %s > %s", errWindowTooLong, span, d.MaxWindow)
	}
	return models.TemporalWindow{Start: start, End: end, DurationMinutes: span.Minutes()}, nil
}

func firstLine(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
