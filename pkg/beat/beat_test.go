package beat

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRate = 50 // Hz

// sinusoid renders seconds of a pure tone at bpm around a DC level, the way
// an optical sensor sees a clean pulse.
func sinusoid(bpm float64, seconds int) []int32 {
	n := seconds * sampleRate
	out := make([]int32, n)
	for i := range n {
		phase := 2 * math.Pi * bpm / 60 * float64(i) / sampleRate
		out[i] = int32(2000 + 100*math.Sin(phase))
	}
	return out
}

func run(d *Detector, samples []int32) []Beat {
	start := time.Unix(1700000000, 0)
	var beats []Beat
	for i, s := range samples {
		at := start.Add(time.Duration(i) * time.Second / sampleRate)
		if b, ok := d.Add(s, at); ok {
			beats = append(beats, b)
		}
	}
	return beats
}

func TestDetector_InBandRates(t *testing.T) {
	tests := []struct {
		name string
		bpm  float64
	}{
		{"resting", 60},
		{"exercise", 120},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			beats := run(d, sinusoid(tt.bpm, 30))

			require.NotEmpty(t, beats)
			last := beats[len(beats)-1]
			assert.InDelta(t, tt.bpm, last.Average, 2)
			assert.InDelta(t, tt.bpm, last.BPM, 2)
			assert.InDelta(t, tt.bpm, d.Average(), 2)
		})
	}
}

func TestDetector_OutOfBandRates(t *testing.T) {
	tests := []struct {
		name string
		bpm  float64
	}{
		{"below band", 10},
		{"above band", 300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New()
			beats := run(d, sinusoid(tt.bpm, 30))

			assert.Empty(t, beats)
			assert.Zero(t, d.Average())
		})
	}
}

func TestDetector_Deterministic(t *testing.T) {
	samples := sinusoid(72, 30)

	first := run(New(), samples)
	second := run(New(), samples)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestDetector_FlatSignal(t *testing.T) {
	samples := make([]int32, 30*sampleRate)
	for i := range samples {
		samples[i] = 2000
	}
	assert.Empty(t, run(New(), samples))
}

func TestDetector_Reset(t *testing.T) {
	d := New()
	run(d, sinusoid(60, 30))
	require.NotZero(t, d.Average())

	d.Reset()
	assert.Zero(t, d.Average())
	assert.Equal(t, *New(), *d)
}

func TestDetector_RateWindow(t *testing.T) {
	d := New()
	beats := run(d, sinusoid(120, 30))

	// With a steady tone the window average equals every instantaneous rate.
	require.Greater(t, len(beats), 2*RateWindow)
	for _, b := range beats[2*RateWindow:] {
		assert.InDelta(t, b.BPM, b.Average, 1)
	}
}
