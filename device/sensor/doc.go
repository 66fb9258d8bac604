// Package sensor runs the device's acquisition loops.
//
// Each physical sensor gets one Loop. The loop samples its Driver on a fixed
// cadence while holding the Bus the driver sits on, converts the sample into
// a payload and hands envelopes to the uplink at two independent cadences:
// one for the live channel and one for the durable channel.
//
// Read failures are charged to a per-loop breaker. When the error budget for
// the current window is spent the loop reinitializes the driver, again under
// the bus lock. A failed reinitialization is logged and polling continues, so
// one faulty sensor never stops the others.
package sensor
