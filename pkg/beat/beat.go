// Package beat detects heartbeats in a raw photoplethysmography stream.
//
// Each sample goes through a DC baseline estimator and a 23-tap symmetric
// low-pass FIR. A rising zero crossing of the filtered signal is a beat
// candidate; it counts when the peak-to-trough excursion of the preceding
// cycle lies in (MinAmplitude, MaxAmplitude). The interval between
// consecutive beats gives an instantaneous rate, which is kept only inside
// (MinBPM, MaxBPM) and averaged over the last RateWindow accepted rates.
//
// A Detector is not safe for concurrent use; each sensor owns its own.
package beat

import (
	"time"
)

const (
	MinAmplitude = 20
	MaxAmplitude = 1000
	MinBPM       = 20
	MaxBPM       = 255
	RateWindow   = 4
)

// firCoeffs holds one half of the symmetric filter; firCoeffs[11] is the
// centre tap.
var firCoeffs = [12]int64{172, 321, 579, 927, 1360, 1858, 2390, 2916, 3391, 3768, 4012, 4096}

// Beat is an accepted heartbeat.
type Beat struct {
	At      time.Time
	BPM     float64 // instantaneous rate from the previous beat
	Average float64 // rolling average over the last RateWindow rates
}

// Detector holds the filter and edge state for one sample stream.
type Detector struct {
	dcReg  int64
	ring   [32]int64
	offset int

	prev, cur        int64
	maxSeen, minSeen int64
	risingEdge       bool
	fallingEdge      bool

	lastBeat time.Time
	haveLast bool

	rates   [RateWindow]float64
	nRates  int
	rateIdx int
}

// New returns a detector with empty state.
func New() *Detector {
	return &Detector{}
}

// Add feeds one sample captured at at. It returns ok only when the sample
// completes a plausible beat whose rate was accepted.
func (d *Detector) Add(sample int32, at time.Time) (Beat, bool) {
	if !d.candidate(int64(sample)) {
		return Beat{}, false
	}

	if !d.haveLast {
		d.lastBeat, d.haveLast = at, true
		return Beat{}, false
	}

	delta := at.Sub(d.lastBeat)
	d.lastBeat = at
	if delta <= 0 {
		return Beat{}, false
	}

	bpm := 60 / delta.Seconds()
	if bpm <= MinBPM || bpm >= MaxBPM {
		return Beat{}, false
	}

	d.rates[d.rateIdx] = bpm
	d.rateIdx = (d.rateIdx + 1) % RateWindow
	d.nRates = min(d.nRates+1, RateWindow)

	return Beat{At: at, BPM: bpm, Average: d.Average()}, true
}

// Average returns the rolling average rate, or 0 before the first accepted beat.
func (d *Detector) Average() float64 {
	if d.nRates == 0 {
		return 0
	}
	var sum float64
	for i := range d.nRates {
		sum += d.rates[i]
	}
	return sum / float64(d.nRates)
}

// Reset clears all state.
func (d *Detector) Reset() {
	*d = Detector{}
}

// candidate runs the filter chain and edge tracking for one sample.
func (d *Detector) candidate(sample int64) bool {
	d.prev = d.cur
	dc := d.estimateDC(sample)
	d.cur = d.lowPass(sample - dc)

	beat := false

	if d.prev <= 0 && d.cur > 0 {
		swing := d.maxSeen - d.minSeen
		d.risingEdge, d.fallingEdge = true, false
		d.maxSeen = 0
		beat = swing > MinAmplitude && swing < MaxAmplitude
	}

	if d.prev > 0 && d.cur <= 0 {
		d.risingEdge, d.fallingEdge = false, true
		d.minSeen = 0
	}

	if d.risingEdge && d.cur > d.prev {
		d.maxSeen = d.cur
	}
	if d.fallingEdge && d.cur < d.prev {
		d.minSeen = d.cur
	}

	return beat
}

// estimateDC is a single-pole IIR with 15 fractional bits and alpha 1/16.
func (d *Detector) estimateDC(x int64) int64 {
	d.dcReg += ((x << 15) - d.dcReg) >> 4
	return d.dcReg >> 15
}

func (d *Detector) lowPass(x int64) int64 {
	d.ring[d.offset] = x

	z := firCoeffs[11] * d.ring[(d.offset-11)&0x1f]
	for i := range 11 {
		z += firCoeffs[i] * (d.ring[(d.offset-i)&0x1f] + d.ring[(d.offset-22+i)&0x1f])
	}

	d.offset = (d.offset + 1) % len(d.ring)
	return z >> 15
}
