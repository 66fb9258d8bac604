// Package message defines the telemetry model shared by the device and the
// broker: routes, payload variants and the envelope wire format.
//
// # Routes
//
// A route is "<channel>/<driver>", e.g. "durable/optical". The channel
// selects delivery semantics (live fan-out or durable storage); the driver
// names the sensor that produced the reading.
//
// # Wire format
//
// An envelope serializes as
//
//	{"headers":{"timestamp":1700000000},"payload":{"heart_rate":72}}
//
// The payload object carries no type discriminant. Receivers choose the
// concrete type from the route through the decoder table, which must cover
// every driver; ValidateTable is called at startup by both binaries.
package message
