// Package synth writes synthetic sensor dumps in the four on-disk formats,
// laid out the way the vehicles deliver them.
package synth

import (
	"bufio"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"fleet-session-processor/internal/decoder"
	"fleet-session-processor/internal/geo"
	"fleet-session-processor/internal/models"
)

// Config describes what to generate. Zero fields take defaults.
type Config struct {
	Vehicles           []string // dump names such as DOBACK024
	Date               time.Time
	SessionsPerVehicle int
	SessionLength      time.Duration
	PositionInterval   time.Duration
	RowsPerSecond      int // stability samples written after each time marker
	Center             models.Coordinate
	Translate          bool // also write the decoder's translated CSV next to each CAN dump
	Seed               int64
	Location           *time.Location
}

func (c *Config) defaults() {
	if len(c.Vehicles) == 0 {
		c.Vehicles = []string{"DOBACK001"}
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Date.IsZero() {
		c.Date = time.Now().In(c.Location)
	}
	if c.SessionsPerVehicle <= 0 {
		c.SessionsPerVehicle = 1
	}
	if c.SessionLength <= 0 {
		c.SessionLength = 20 * time.Minute
	}
	if c.PositionInterval <= 0 {
		c.PositionInterval = 5 * time.Second
	}
	if c.RowsPerSecond <= 0 {
		c.RowsPerSecond = 10
	}
	if c.Center == (models.Coordinate{}) {
		c.Center = models.Coordinate{Lat: 40.4168, Lon: -3.7038}
	}
}

// Report lists what Generate wrote.
type Report struct {
	Sessions int      `json:"sessions"`
	Files    []string `json:"files"`
}

// Generate writes one directory per vehicle below dir. Each session holds a
// GPS, ESTABILIDAD, ROTATIVO and CAN dump covering the same span.
func Generate(dir string, cfg Config) (*Report, error) {
	cfg.defaults()
	rng := rand.New(rand.NewSource(cfg.Seed))
	day := time.Date(cfg.Date.Year(), cfg.Date.Month(), cfg.Date.Day(), 0, 0, 0, 0, cfg.Location)

	report := &Report{}
	for _, vehicle := range cfg.Vehicles {
		vdir := filepath.Join(dir, vehicle)
		if err := os.MkdirAll(vdir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", vdir, err)
		}
		// sessions start at 08:00 and are spread over the working day
		start := day.Add(8 * time.Hour)
		for seq := 1; seq <= cfg.SessionsPerVehicle; seq++ {
			s := &sessionWriter{
				cfg:     &cfg,
				rng:     rng,
				dir:     vdir,
				vehicle: vehicle,
				seq:     seq,
				start:   start.Add(time.Duration(rng.Intn(300)) * time.Second),
			}
			files, err := s.write()
			if err != nil {
				return nil, err
			}
			report.Files = append(report.Files, files...)
			report.Sessions++
			start = s.start.Add(cfg.SessionLength + time.Hour)
		}
	}
	return report, nil
}

type sessionWriter struct {
	cfg     *Config
	rng     *rand.Rand
	dir     string
	vehicle string
	seq     int
	start   time.Time
}

func (s *sessionWriter) name(kind models.FileType) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s_%s_%d.txt", kind, s.vehicle, s.start.Format("20060102"), s.seq))
}

func (s *sessionWriter) end() time.Time { return s.start.Add(s.cfg.SessionLength) }

func (s *sessionWriter) write() ([]string, error) {
	steps := []struct {
		path string
		fn   func(w *bufio.Writer)
	}{
		{s.name(models.FilePosition), s.writePositions},
		{s.name(models.FileStability), s.writeStability},
		{s.name(models.FileBeacon), s.writeBeacon},
		{s.name(models.FileBus), s.writeRawBus},
	}
	if s.cfg.Translate {
		steps = append(steps, struct {
			path string
			fn   func(w *bufio.Writer)
		}{decoder.TranslatedPath(s.name(models.FileBus)), s.writeTranslatedBus})
	}

	var paths []string
	for _, step := range steps {
		if err := writeFile(step.path, step.fn); err != nil {
			return nil, err
		}
		paths = append(paths, step.path)
	}
	return paths, nil
}

func writeFile(path string, fn func(w *bufio.Writer)) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	fn(w)
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

// writePositions drives the vehicle along a random walk around the center,
// alternating stops and runs.
func (s *sessionWriter) writePositions(w *bufio.Writer) {
	fmt.Fprintf(w, "GPS;%s;%s;Sesion:%d\n", s.start.Format("20060102 15:04:05"), s.vehicle, s.seq)
	w.WriteString("HoraRaspberry,Fecha,Hora(GPS),Latitud,Longitud,Altitud,HDOP,Fix,NumSats,Velocidad(km/h)\n")

	lat, lon := s.cfg.Center.Lat, s.cfg.Center.Lon
	heading := s.rng.Float64() * 360
	speed := 0.0
	for ts := s.start; !ts.After(s.end()); ts = ts.Add(s.cfg.PositionInterval) {
		switch {
		case s.rng.Float64() < 0.1:
			speed = 0
		case speed == 0:
			speed = 10 + s.rng.Float64()*40
		default:
			speed = math.Max(0, math.Min(110, speed+(s.rng.Float64()-0.5)*15))
		}
		heading += (s.rng.Float64() - 0.5) * 30
		lat, lon = geo.Destination(lat, lon, heading, speed*s.cfg.PositionInterval.Hours())

		fmt.Fprintf(w, "%s,%s,%.6f,%.6f,%.1f,%.1f,1,%d,%.1f\n",
			ts.Format("02/01/2006"), ts.Format("15:04:05"),
			lat, lon, 650+s.rng.Float64()*20, 0.8+s.rng.Float64(), 6+s.rng.Intn(6), speed)
	}
}

const stabilityColumns = "ax; ay; az; gx; gy; gz; roll; pitch; yaw; timeantwifi; usciclo1; usciclo2; usciclo3; usciclo4; usciclo5; si; accmag; microsds; k3"

// writeStability emits a time marker per second followed by RowsPerSecond
// samples. About one second in a hundred carries an unstable run.
func (s *sessionWriter) writeStability(w *bufio.Writer) {
	fmt.Fprintf(w, "ESTABILIDAD;%s;%s;Sesion:%d;\n", s.start.Format("02/01/2006 03:04:05PM"), s.vehicle, s.seq)
	w.WriteString(stabilityColumns + "\n")

	for ts := s.start; ts.Before(s.end()); ts = ts.Add(time.Second) {
		if ts.After(s.start) {
			w.WriteString(ts.Format("03:04:05PM") + "\n")
		}
		unstable := s.rng.Float64() < 0.01
		floor := 0.05 + s.rng.Float64()*0.5
		for i := 0; i < s.cfg.RowsPerSecond; i++ {
			si := 0.85 + s.rng.Float64()*0.15
			if unstable {
				si = floor + s.rng.Float64()*0.05
			}
			ax, ay, az := (s.rng.Float64()-0.5)*120, (s.rng.Float64()-0.5)*40, 1000+(s.rng.Float64()-0.5)*30
			fmt.Fprintf(w, "%.2f; %.2f; %.2f; %.2f; %.2f; %.2f; %.2f; %.2f; %.2f; 0; 0; 0; 0; 0; 0; %.2f; %.2f; 0; 0\n",
				ax, ay, az,
				(s.rng.Float64()-0.5)*2, (s.rng.Float64()-0.5)*2, (s.rng.Float64()-0.5)*2,
				(s.rng.Float64()-0.5)*6, (s.rng.Float64()-0.5)*6, s.rng.Float64()*360,
				si, math.Sqrt(ax*ax+ay*ay+az*az))
		}
	}
}

// writeBeacon toggles the warning beacon every few minutes.
func (s *sessionWriter) writeBeacon(w *bufio.Writer) {
	fmt.Fprintf(w, "ROTATIVO;%s;%s;Sesion:%d\n", s.start.Format("2006-01-02"), s.vehicle, s.seq)
	w.WriteString("Fecha-Hora;Estado\n")

	state := s.rng.Intn(2)
	for ts := s.start; ts.Before(s.end()); ts = ts.Add(time.Duration(2+s.rng.Intn(6)) * time.Minute) {
		fmt.Fprintf(w, "%s;%d\n", ts.Format("02/01/2006-15:04:05"), state)
		state = 1 - state
	}
}

// writeRawBus writes the undecoded frame dump; only the decoder reads it.
func (s *sessionWriter) writeRawBus(w *bufio.Writer) {
	fmt.Fprintf(w, "CAN;%s;%s;Sesion:%d\n", s.start.Format("02/01/2006 03:04:05PM"), s.vehicle, s.seq)
	for ts := s.start; ts.Before(s.end()); ts = ts.Add(10 * time.Second) {
		fmt.Fprintf(w, "%s;0x18FEF100;8;%02X %02X %02X %02X %02X %02X %02X %02X\n",
			ts.Format("15:04:05"),
			s.rng.Intn(256), s.rng.Intn(256), s.rng.Intn(256), s.rng.Intn(256),
			s.rng.Intn(256), s.rng.Intn(256), s.rng.Intn(256), s.rng.Intn(256))
	}
}

// writeTranslatedBus writes the CSV the decoder would produce for the raw
// dump.
func (s *sessionWriter) writeTranslatedBus(w *bufio.Writer) {
	w.WriteString("# decoded frames\n")
	w.WriteString("Timestamp,Signal,Value\n")
	for ts := s.start; ts.Before(s.end()); ts = ts.Add(10 * time.Second) {
		fmt.Fprintf(w, "%s,EngineRPM,%.0f,VehicleSpeed,%.1f,EngineTemp,%.1f,FuelConsumption,%.2f,FuelSystemStatus,%d\n",
			ts.Format("02/01/2006 15:04:05"),
			800+s.rng.Float64()*2200, s.rng.Float64()*90, 80+s.rng.Float64()*15, 2+s.rng.Float64()*8, 1+s.rng.Intn(2))
	}
}
