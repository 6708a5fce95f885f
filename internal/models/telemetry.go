package models

import (
	"fmt"
	"time"
)

// FileType identifies one of the four sensor dump formats. The value is the
// prefix used in the dump file names.
type FileType string

const (
	FilePosition  FileType = "GPS"
	FileBus       FileType = "CAN"
	FileStability FileType = "ESTABILIDAD"
	FileBeacon    FileType = "ROTATIVO"
)

// FileTypes lists every known type in the order sessions process them.
var FileTypes = []FileType{FilePosition, FileStability, FileBus, FileBeacon}

// RawFile is a sensor dump classified from its file name
type RawFile struct {
	Path        string    `json:"path"`
	Type        FileType  `json:"type"`
	Size        int64     `json:"size"`
	ModTime     time.Time `json:"mtime"`
	Sequence    int       `json:"sequence_number"`
	VehicleName string    `json:"vehicle_id"`
	DateKey     string    `json:"date_key"` // YYYYMMDD
}

// TemporalWindow spans the earliest and latest header timestamps of a session
type TemporalWindow struct {
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	DurationMinutes float64   `json:"duration_minutes"`
}

// CompleteSession is a validated bundle of dump files for one vehicle run
type CompleteSession struct {
	VehicleName    string                 `json:"vehicle_id"`
	DateKey        string                 `json:"date_key"`
	Sequence       int                    `json:"sequence_number"`
	OrganizationID string                 `json:"organization_id"`
	Files          map[FileType][]RawFile `json:"files"`
	Window         TemporalWindow         `json:"temporal_window"`
}

// Key returns the grouping key of the session.
func (s CompleteSession) Key() string {
	return fmt.Sprintf("%s_%s_%d", s.VehicleName, s.DateKey, s.Sequence)
}

// FileCount returns the number of member files across all types.
func (s CompleteSession) FileCount() int {
	n := 0
	for _, files := range s.Files {
		n += len(files)
	}
	return n
}

// PositionRecord is a single GPS fix
type PositionRecord struct {
	Timestamp  time.Time `json:"timestamp"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Altitude   float64   `json:"altitude"`
	SpeedKmh   float64   `json:"speed"` // km/h
	Satellites int       `json:"satellites"`
	HDOP       *float64  `json:"hdop,omitempty"`
	Fix        *int      `json:"fix,omitempty"`
}

// Position validity bounds shared by the parser and the KPI engine.
const (
	MaxSpeedKmh = 200.0
	MinSpeedKmh = 0.0
)

// Valid reports whether the fix is inside the accepted coordinate and speed
// ranges.
func (r PositionRecord) Valid() bool {
	if r.Latitude < -90 || r.Latitude > 90 {
		return false
	}
	if r.Longitude < -180 || r.Longitude > 180 {
		return false
	}
	return r.SpeedKmh >= MinSpeedKmh && r.SpeedKmh <= MaxSpeedKmh
}

// StabilityRecord is one inertial sample. Timestamp is interpolated from the
// last time marker of the dump, the sensor does not stamp every sample.
type StabilityRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Ax             float64   `json:"ax"`
	Ay             float64   `json:"ay"`
	Az             float64   `json:"az"`
	Gx             float64   `json:"gx"`
	Gy             float64   `json:"gy"`
	Gz             float64   `json:"gz"`
	Roll           float64   `json:"roll"`
	Pitch          float64   `json:"pitch"`
	Yaw            float64   `json:"yaw"`
	SI             float64   `json:"si"` // stability index in [0,1]
	AccelMagnitude float64   `json:"accmag"`
}

// BeaconRecord is a warning-light state change
type BeaconRecord struct {
	Timestamp time.Time `json:"timestamp"`
	State     int       `json:"state"` // 0 off, 1 on
}

// On reports whether the beacon is lit.
func (r BeaconRecord) On() bool { return r.State == 1 }

// BusFrameRecord is a decoded vehicle-bus frame
type BusFrameRecord struct {
	Timestamp        time.Time `json:"timestamp"`
	EngineRPM        float64   `json:"engine_rpm"`
	VehicleSpeedKmh  float64   `json:"vehicle_speed"`
	FuelSystemStatus int       `json:"fuel_system_status"`
	EngineTemp       float64   `json:"engine_temp"`      // Celsius
	FuelConsumption  float64   `json:"fuel_consumption"` // l/h
}

// Record carries exactly one decoded record of the kind named by Kind.
type Record struct {
	Kind      FileType
	Position  *PositionRecord
	Stability *StabilityRecord
	Beacon    *BeaconRecord
	Bus       *BusFrameRecord
}

// Timestamp returns the timestamp of the populated payload.
func (r Record) Timestamp() time.Time {
	switch r.Kind {
	case FilePosition:
		return r.Position.Timestamp
	case FileStability:
		return r.Stability.Timestamp
	case FileBeacon:
		return r.Beacon.Timestamp
	case FileBus:
		return r.Bus.Timestamp
	}
	return time.Time{}
}

// DataPointCounts holds per-type record totals
type DataPointCounts struct {
	GPS       int `json:"gps"`
	Stability int `json:"stability"`
	CAN       int `json:"can"`
	Beacon    int `json:"rotativo"`
}

// Add accumulates other into c.
func (c *DataPointCounts) Add(other DataPointCounts) {
	c.GPS += other.GPS
	c.Stability += other.Stability
	c.CAN += other.CAN
	c.Beacon += other.Beacon
}

// Total returns the sum over all types.
func (c DataPointCounts) Total() int {
	return c.GPS + c.Stability + c.CAN + c.Beacon
}
