package sensor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/message"
)

func TestThermometer_Convert(t *testing.T) {
	p, ok := Thermometer{}.Convert(Sample{Celsius: 21.5}, time.Now())
	require.True(t, ok)
	assert.Equal(t, message.TemperatureReading{Temperature: 21.5}, p)
	assert.Equal(t, message.Temperature, Thermometer{}.Driver())
}

func TestPedometer_Hysteresis(t *testing.T) {
	p := NewPedometer()
	mags := []float64{1.0, 1.4, 1.5, 1.2, 1.35, 1.0, 1.4, 0.9}
	// 1.35 arrives before the magnitude drops under Low, so it is not a step.
	var steps uint32
	for _, m := range mags {
		out, ok := p.Convert(Sample{Accel: Vector{Z: m}}, time.Time{})
		require.True(t, ok)
		steps = out.(message.Steps).Steps
	}
	assert.Equal(t, uint32(2), steps)
}

func TestButton_FallingEdge(t *testing.T) {
	b := NewButton("help")
	levels := []bool{true, true, false, false, true, false, true}
	var reports []message.Payload
	for _, level := range levels {
		if p, ok := b.Convert(Sample{Level: level}, time.Time{}); ok {
			reports = append(reports, p)
		}
	}

	require.Len(t, reports, 2)
	assert.Equal(t, message.Report{Status: message.StatusWarning, Description: "help"}, reports[0])
}

func TestButton_HeldAtStart(t *testing.T) {
	b := NewButton("help")
	_, ok := b.Convert(Sample{Level: false}, time.Time{})
	assert.True(t, ok, "an idle-high button pressed on the first sample is an edge")

	_, ok = b.Convert(Sample{Level: false}, time.Time{})
	assert.False(t, ok)
}

func TestVector_Magnitude(t *testing.T) {
	assert.InDelta(t, 5.0, Vector{X: 3, Y: 4}.Magnitude(), 1e-9)
}
