package sensor

import (
	"context"
	"errors"
	"math"
)

// ErrNoEvent is returned by event-style drivers when nothing happened since
// the previous read. It is neither a failure nor a reading.
var ErrNoEvent = errors.New("no event")

// Vector is an accelerometer reading in g.
type Vector struct {
	X, Y, Z float64
}

// Magnitude returns the Euclidean norm.
func (v Vector) Magnitude() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Sample is one raw reading. Only the fields relevant to the producing
// driver are set.
type Sample struct {
	Celsius float32 // thermometer
	Red, IR uint32  // optical front end
	Accel   Vector  // accelerometer
	Level   bool    // digital input level; buttons idle high
}

// Driver is the boundary to one hardware sensor. Implementations are not
// required to be goroutine-safe; the loop only calls them under the bus lock.
type Driver interface {
	Read(ctx context.Context) (Sample, error)
	Reinitialize(ctx context.Context) error
}
