// Package sim provides synthetic sensor drivers so the device binary can run
// without hardware. Waveforms are functions of the sample time, which keeps
// them deterministic under an injected clock.
package sim

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/zam-cv/microtime/device/sensor"
	"github.com/zam-cv/microtime/errors"
)

// Faults injects read and reinitialization failures.
type Faults struct {
	// ReadFailureRate is the probability in [0,1] that a read fails.
	ReadFailureRate float64
	// FailReinit makes every Reinitialize call fail.
	FailReinit bool
	// Seed fixes the failure sequence; zero uses the wall clock.
	Seed int64
}

type base struct {
	name   string
	faults Faults
	now    func() time.Time

	mu     sync.Mutex
	rng    *rand.Rand
	reinit int
}

func newBase(name string, f Faults, now func() time.Time) base {
	seed := f.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if now == nil {
		now = time.Now
	}
	return base{name: name, faults: f, now: now, rng: rand.New(rand.NewSource(seed))}
}

func (b *base) fail() error {
	if b.faults.ReadFailureRate <= 0 {
		return nil
	}
	b.mu.Lock()
	roll := b.rng.Float64()
	b.mu.Unlock()
	if roll < b.faults.ReadFailureRate {
		return fmt.Errorf("%s: %w: bus timeout", b.name, errors.ErrSensorRead)
	}
	return nil
}

// Reinitialize simulates tearing down and rebuilding the driver.
func (b *base) Reinitialize(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	b.reinit++
	b.mu.Unlock()
	if b.faults.FailReinit {
		return fmt.Errorf("%s: %w", b.name, errors.ErrSensorReinit)
	}
	return nil
}

// Reinitializations returns how many times Reinitialize was called.
func (b *base) Reinitializations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reinit
}

// Thermometer reports a body temperature drifting slowly around Mean.
type Thermometer struct {
	base
	Mean  float64
	Swing float64
}

// NewThermometer creates a thermometer around 36.6 C.
func NewThermometer(f Faults, now func() time.Time) *Thermometer {
	return &Thermometer{base: newBase("thermometer", f, now), Mean: 36.6, Swing: 0.3}
}

func (t *Thermometer) Read(context.Context) (sensor.Sample, error) {
	if err := t.fail(); err != nil {
		return sensor.Sample{}, err
	}
	secs := float64(t.now().UnixNano()) / 1e9
	c := t.Mean + t.Swing*math.Sin(2*math.Pi*secs/600)
	return sensor.Sample{Celsius: float32(math.Round(c*100) / 100)}, nil
}

// PulseOximeter renders a clean PPG waveform at BPM.
type PulseOximeter struct {
	base
	BPM float64
}

// NewPulseOximeter creates an optical front end beating at bpm.
func NewPulseOximeter(bpm float64, f Faults, now func() time.Time) *PulseOximeter {
	return &PulseOximeter{base: newBase("oximeter", f, now), BPM: bpm}
}

func (p *PulseOximeter) Read(context.Context) (sensor.Sample, error) {
	if err := p.fail(); err != nil {
		return sensor.Sample{}, err
	}
	secs := float64(p.now().UnixNano()) / 1e9
	wave := math.Sin(2 * math.Pi * p.BPM / 60 * secs)
	return sensor.Sample{
		IR:  uint32(50000 + 200*wave),
		Red: uint32(42000 + 120*wave),
	}, nil
}

// Accelerometer simulates a wearer walking at Cadence steps per second.
type Accelerometer struct {
	base
	Cadence float64
}

// NewAccelerometer creates a walking accelerometer.
func NewAccelerometer(cadence float64, f Faults, now func() time.Time) *Accelerometer {
	return &Accelerometer{base: newBase("accelerometer", f, now), Cadence: cadence}
}

func (a *Accelerometer) Read(context.Context) (sensor.Sample, error) {
	if err := a.fail(); err != nil {
		return sensor.Sample{}, err
	}
	secs := float64(a.now().UnixNano()) / 1e9
	bounce := 0.5 * math.Max(0, math.Sin(2*math.Pi*a.Cadence*secs))
	return sensor.Sample{Accel: sensor.Vector{X: 0.05, Y: 0.02, Z: 1 + bounce}}, nil
}

// Button is pressed for Hold once every Period.
type Button struct {
	base
	Period time.Duration
	Hold   time.Duration
}

// NewButton creates a periodically pressed button.
func NewButton(period time.Duration, f Faults, now func() time.Time) *Button {
	return &Button{base: newBase("button", f, now), Period: period, Hold: 300 * time.Millisecond}
}

// Read reports the input level; low while pressed.
func (b *Button) Read(context.Context) (sensor.Sample, error) {
	if err := b.fail(); err != nil {
		return sensor.Sample{}, err
	}
	if b.Period <= 0 {
		return sensor.Sample{Level: true}, nil
	}
	phase := time.Duration(b.now().UnixNano()) % b.Period
	return sensor.Sample{Level: phase >= b.Hold}, nil
}

var (
	_ sensor.Driver = (*Thermometer)(nil)
	_ sensor.Driver = (*PulseOximeter)(nil)
	_ sensor.Driver = (*Accelerometer)(nil)
	_ sensor.Driver = (*Button)(nil)
)
