package decoder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const (
	// TranslatedSuffix is appended to the raw base name by the decoder.
	TranslatedSuffix = "_TRADUCIDO.csv"

	DefaultTimeout = 2 * time.Minute
)

var (
	ErrNotConfigured = errors.New("decoder command not configured")
	ErrNoOutput      = errors.New("decoder produced no translated file")
)

// Decoder turns a raw vehicle-bus dump into the translated CSV read by the
// bus frame parser.
type Decoder interface {
	Decode(ctx context.Context, rawPath string) (string, error)
}

// TranslatedPath returns the sibling path the decoder writes for rawPath.
func TranslatedPath(rawPath string) string {
	return strings.TrimSuffix(rawPath, filepath.Ext(rawPath)) + TranslatedSuffix
}

// Exec runs an external decoder executable with the raw path as its last
// argument.
type Exec struct {
	Command       string
	Args          []string
	Timeout       time.Duration
	ReuseExisting bool // skip the run when a translation already exists
	Logger        *slog.Logger
}

// Decode runs the decoder and returns the translated file path.
func (e *Exec) Decode(ctx context.Context, rawPath string) (string, error) {
	if e.Command == "" {
		return "", ErrNotConfigured
	}
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := TranslatedPath(rawPath)
	if e.ReuseExisting && exists(out) {
		logger.Debug("reusing translated bus file", "path", out)
		return out, nil
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string{}, e.Args...), rawPath)
	cmd := exec.CommandContext(ctx, e.Command, args...)
	cmd.WaitDelay = time.Second

	start := time.Now()
	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("decoder interrupted (timeout %s): %w", timeout, ctx.Err())
		}
		return "", fmt.Errorf("decoder failed: %w: %s", err, strings.TrimSpace(string(output)))
	}
	if !exists(out) {
		return "", fmt.Errorf("%w: %s", ErrNoOutput, out)
	}

	logger.Debug("decoded bus file", "raw", rawPath, "translated", out, "duration", time.Since(start))
	return out, nil
}

// Existing only picks up translations produced ahead of time, for hosts
// without the decoder installed.
type Existing struct{}

func (Existing) Decode(_ context.Context, rawPath string) (string, error) {
	out := TranslatedPath(rawPath)
	if !exists(out) {
		return "", fmt.Errorf("%w: %s", ErrNoOutput, out)
	}
	return out, nil
}

// Passthrough treats the raw file as already translated.
type Passthrough struct{}

func (Passthrough) Decode(_ context.Context, rawPath string) (string, error) {
	return rawPath, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
