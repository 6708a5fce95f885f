package parser

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"fleet-session-processor/internal/models"
)

// maxLoggedFailures caps the per-file warnings for dropped lines.
const maxLoggedFailures = 10

var (
	errLineTooLong = errors.New("line exceeds 1 MiB")
	errFieldCount  = errors.New("insufficient fields")
	errNoAnchor    = errors.New("no time anchor before sample")
	errNotFinite   = errors.New("value is not a finite number")
)

// Options configures a parser for one file
type Options struct {
	File     string         // used in log lines only
	Location *time.Location // zone of the wall-clock timestamps in the dump
	Logger   *slog.Logger
}

func (o Options) normalize() Options {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// failureLog counts dropped lines and logs the first few of them.
type failureLog struct {
	logger *slog.Logger
	file   string
	kind   models.FileType
	count  int
}

func newFailureLog(opts Options, kind models.FileType) failureLog {
	return failureLog{logger: opts.Logger, file: opts.File, kind: kind}
}

func (f *failureLog) drop(line int, err error) {
	f.count++
	if f.count <= maxLoggedFailures {
		f.logger.Warn("dropping malformed line",
			"type", f.kind, "file", f.file, "line", line, "error", err)
	}
}

func (f *failureLog) finish() {
	if f.count > maxLoggedFailures {
		f.logger.Warn("further malformed lines suppressed",
			"type", f.kind, "file", f.file, "dropped", f.count, "suppressed", f.count-maxLoggedFailures)
	}
}

// maxLineBytes is the longest line kept; longer lines are skipped.
const maxLineBytes = 1024 * 1024

// lineReader splits a dump into lines. Lines longer than maxLineBytes are
// discarded and yielded as empty strings so that line numbers stay aligned.
type lineReader struct {
	r        *bufio.Reader
	err      error
	overlong []int
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: bufio.NewReaderSize(r, maxLineBytes)}
}

func (lr *lineReader) all() iter.Seq[string] {
	return func(yield func(string) bool) {
		n := 0
		for {
			b, err := lr.r.ReadSlice('\n')
			if errors.Is(err, bufio.ErrBufferFull) {
				n++
				lr.overlong = append(lr.overlong, n)
				err = lr.skipRest()
				if !yield("") {
					return
				}
			} else if len(b) > 0 || err == nil {
				n++
				if !yield(strings.TrimRight(string(b), "\r\n")) {
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					lr.err = err
				}
				return
			}
		}
	}
}

// skipRest consumes the remainder of an over-long line.
func (lr *lineReader) skipRest() error {
	for {
		_, err := lr.r.ReadSlice('\n')
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// Lines returns the lines of r with trailing carriage returns removed. The
// returned function reports the read error once the sequence is drained.
func Lines(r io.Reader) (iter.Seq[string], func() error) {
	lr := newLineReader(r)
	return lr.all(), func() error { return lr.err }
}

// withContext stops the sequence once ctx is done.
func withContext(ctx context.Context, lines iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		n := 0
		for line := range lines {
			n++
			if n%1024 == 0 && ctx.Err() != nil {
				return
			}
			if !yield(line) {
				return
			}
		}
	}
}

// Result is the decoded content of one dump file
type Result struct {
	Kind    models.FileType
	Records []models.Record
	Dropped int
}

// ParseFile streams a dump file through the parser for kind.
func ParseFile(ctx context.Context, path string, kind models.FileType, opts Options) (*Result, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	if opts.File == "" {
		opts.File = path
	}
	opts = opts.normalize()
	reader := newLineReader(file)
	lines := withContext(ctx, reader.all())

	res := &Result{Kind: kind}
	switch kind {
	case models.FilePosition:
		p := NewPositionParser(opts)
		for rec := range p.Parse(lines) {
			res.Records = append(res.Records, models.Record{Kind: kind, Position: &rec})
		}
		res.Dropped = p.Dropped()
	case models.FileStability:
		p := NewStabilityParser(opts)
		for rec := range p.Parse(lines) {
			res.Records = append(res.Records, models.Record{Kind: kind, Stability: &rec})
		}
		res.Dropped = p.Dropped()
	case models.FileBeacon:
		p := NewBeaconParser(opts)
		for rec := range p.Parse(lines) {
			res.Records = append(res.Records, models.Record{Kind: kind, Beacon: &rec})
		}
		res.Dropped = p.Dropped()
	case models.FileBus:
		p := NewBusFrameParser(opts)
		for rec := range p.Parse(lines) {
			res.Records = append(res.Records, models.Record{Kind: kind, Bus: &rec})
		}
		res.Dropped = p.Dropped()
	default:
		return nil, fmt.Errorf("unsupported file type: %s", kind)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if reader.err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, reader.err)
	}
	if len(reader.overlong) > 0 {
		failures := newFailureLog(opts, kind)
		for _, n := range reader.overlong {
			failures.drop(n, errLineTooLong)
		}
		failures.finish()
		res.Dropped += failures.count
	}
	return res, nil
}

// parseFloat parses a trimmed decimal field and rejects NaN and infinities.
func parseFloat(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNotFinite
	}
	return v, nil
}

// timestampFormats are the full date-time layouts seen in beacon and
// translated bus dumps.
var timestampFormats = []string{
	"02/01/2006-15:04:05",
	"02/01/2006 15:04:05",
	"02/01/2006 3:04:05PM",
	"02/01/2006 3:04:05 PM",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"20060102 15:04:05",
	"20060102-15:04:05",
}

// parseTimestamp tries multiple timestamp formats
func parseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, format := range timestampFormats {
		if t, err := time.ParseInLocation(format, strings.ToUpper(s), loc); err == nil {
			return t, nil
		}
	}

	// Try Unix timestamp
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(ts, 0).In(loc), nil
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", s)
}
