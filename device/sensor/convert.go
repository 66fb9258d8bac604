package sensor

import (
	"math"
	"time"

	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/pkg/beat"
)

// Converter turns raw samples into payloads. It returns false when the
// sample produces nothing to send.
type Converter interface {
	Driver() message.Driver
	Convert(s Sample, at time.Time) (message.Payload, bool)
}

// Thermometer forwards every temperature sample.
type Thermometer struct{}

func (Thermometer) Driver() message.Driver { return message.Temperature }

func (Thermometer) Convert(s Sample, _ time.Time) (message.Payload, bool) {
	return message.TemperatureReading{Temperature: s.Celsius}, true
}

// HeartMonitor feeds the IR channel through a beat detector and reports the
// rolling rate with the latest raw pair.
type HeartMonitor struct {
	detector *beat.Detector
}

// NewHeartMonitor creates a monitor with its own detector.
func NewHeartMonitor() *HeartMonitor {
	return &HeartMonitor{detector: beat.New()}
}

func (*HeartMonitor) Driver() message.Driver { return message.Optical }

func (h *HeartMonitor) Convert(s Sample, at time.Time) (message.Payload, bool) {
	h.detector.Add(int32(min(s.IR, math.MaxInt32)), at)
	return message.HeartRate{
		HeartRate: uint32(math.Round(h.detector.Average())),
		Red:       s.Red,
		IR:        s.IR,
	}, true
}

// Pedometer counts steps as upward crossings of the acceleration magnitude
// through High, re-armed once the magnitude falls back under Low.
type Pedometer struct {
	High, Low float64

	steps uint32
	armed bool
}

// NewPedometer uses thresholds suited to a wrist-worn accelerometer.
func NewPedometer() *Pedometer {
	return &Pedometer{High: 1.3, Low: 1.05, armed: true}
}

func (*Pedometer) Driver() message.Driver { return message.Motion }

func (p *Pedometer) Convert(s Sample, _ time.Time) (message.Payload, bool) {
	m := s.Accel.Magnitude()
	switch {
	case p.armed && m > p.High:
		p.steps++
		p.armed = false
	case !p.armed && m < p.Low:
		p.armed = true
	}
	return message.Steps{Steps: p.steps}, true
}

// Steps returns the running count.
func (p *Pedometer) Steps() uint32 {
	return p.steps
}

// Button raises a warning on each high-to-low transition of its input.
type Button struct {
	Description string

	last bool
}

// NewButton creates an idle (high) button that reports description when pressed.
func NewButton(description string) *Button {
	return &Button{Description: description, last: true}
}

func (*Button) Driver() message.Driver { return message.Alert }

func (b *Button) Convert(s Sample, _ time.Time) (message.Payload, bool) {
	pressed := b.last && !s.Level
	b.last = s.Level
	if !pressed {
		return nil, false
	}
	return message.Report{Status: message.StatusWarning, Description: b.Description}, true
}
