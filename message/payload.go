package message

import (
	"fmt"
	"math"

	"github.com/zam-cv/microtime/errors"
)

// Payload is one sensor reading. Each concrete type belongs to exactly one
// driver.
type Payload interface {
	// Driver returns the driver whose route carries this payload.
	Driver() Driver

	// Validate checks the reading is plausible enough to publish or store.
	Validate() error
}

// TemperatureReading is a body temperature in degrees Celsius.
type TemperatureReading struct {
	Temperature float32 `json:"temperature"`
}

func (TemperatureReading) Driver() Driver { return Temperature }

func (p TemperatureReading) Validate() error {
	v := float64(p.Temperature)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.WrapInvalid(errors.ErrInvalidData, "TemperatureReading", "Validate", "temperature must be finite")
	}
	return nil
}

// HeartRate carries the current beat estimate and, optionally, the raw
// optical channels it was derived from.
type HeartRate struct {
	HeartRate uint32 `json:"heart_rate"`
	Red       uint32 `json:"red,omitempty"`
	IR        uint32 `json:"ir,omitempty"`
}

func (HeartRate) Driver() Driver { return Optical }

// Validate accepts zero: the detector has not locked on yet.
func (p HeartRate) Validate() error {
	if p.HeartRate > 255 {
		return errors.WrapInvalid(fmt.Errorf("%w: heart rate %d", errors.ErrInvalidData, p.HeartRate),
			"HeartRate", "Validate", "range check")
	}
	return nil
}

// Steps is the running step count since the device booted.
type Steps struct {
	Steps uint32 `json:"steps"`
}

func (Steps) Driver() Driver { return Motion }

func (Steps) Validate() error { return nil }

// Report is an alert raised by the device.
type Report struct {
	Status      string `json:"status"`
	Description string `json:"description"`
}

// Alert statuses.
const (
	StatusWarning  = "warning"
	StatusCritical = "critical"
	StatusInfo     = "info"
)

func (Report) Driver() Driver { return Alert }

func (p Report) Validate() error {
	if p.Status == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Report", "Validate", "status is required")
	}
	return nil
}
