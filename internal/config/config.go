package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

type Config struct {
	OrganizationID string         `yaml:"organization_id"`
	Timezone       string         `yaml:"timezone"`
	Database       DatabaseConfig `yaml:"database"`
	Input          InputConfig    `yaml:"input"`
	Detector       DetectorConfig `yaml:"detector"`
	Ingest         IngestConfig   `yaml:"ingest"`
	Decoder        DecoderConfig  `yaml:"decoder"`
	KPI            KPIConfig      `yaml:"kpi"`
	API            APIConfig      `yaml:"api"`
	Log            LogConfig      `yaml:"log"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type InputConfig struct {
	Root string `yaml:"root"`
}

type DetectorConfig struct {
	MinStabilityBytes int64         `yaml:"min_stability_bytes"`
	MaxWindow         time.Duration `yaml:"max_window"`
}

type IngestConfig struct {
	SessionConcurrency int `yaml:"session_concurrency"`
	ParseConcurrency   int `yaml:"parse_concurrency"`
}

// DecoderConfig configures the external bus decoder. With no command only
// translations already on disk are used.
type DecoderConfig struct {
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	Timeout       time.Duration `yaml:"timeout"`
	ReuseExisting bool          `yaml:"reuse_existing"`
}

// Zone matching modes.
const (
	ZoneMatchingGeometry = "geometry"
	ZoneMatchingNever    = "never" // every position is outside
)

type KPIConfig struct {
	ZoneMatching string `yaml:"zone_matching"`
}

type APIConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c APIConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		OrganizationID: "default",
		Timezone:       "UTC",
		Database:       DatabaseConfig{Path: "fleet_sessions.db"},
		Input:          InputConfig{Root: "data"},
		Detector: DetectorConfig{
			MinStabilityBytes: 1024,
			MaxWindow:         30 * time.Minute,
		},
		Ingest: IngestConfig{
			SessionConcurrency: 5,
			ParseConcurrency:   4,
		},
		Decoder: DecoderConfig{
			Timeout:       2 * time.Minute,
			ReuseExisting: true,
		},
		KPI: KPIConfig{ZoneMatching: ZoneMatchingGeometry},
		API: APIConfig{Host: "", Port: 8080},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.OrganizationID == "" {
		errs = append(errs, errors.New("organization_id is required"))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.Detector.MaxWindow <= 0 {
		errs = append(errs, errors.New("detector.max_window must be positive"))
	}
	if c.Ingest.SessionConcurrency <= 0 || c.Ingest.ParseConcurrency <= 0 {
		errs = append(errs, errors.New("ingest concurrency must be positive"))
	}
	switch c.KPI.ZoneMatching {
	case ZoneMatchingGeometry, ZoneMatchingNever:
	default:
		errs = append(errs, fmt.Errorf("kpi.zone_matching %q must be %q or %q",
			c.KPI.ZoneMatching, ZoneMatchingGeometry, ZoneMatchingNever))
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api.port %d out of range", c.API.Port))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Location returns the zone dump timestamps and KPI days are read in.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger() *slog.Logger {
	level, _ := parseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}
