// Package microtime moves wearable telemetry from a device to a backend.
//
// The device side samples sensors on fixed periods and publishes readings on
// two channels. Live readings go out immediately and are dropped while the
// uplink is down. Durable readings are held in a bounded outbox and replayed
// in order once the link returns.
//
// The broker side subscribes to every route. Durable envelopes are written to
// a store (PostgreSQL, MongoDB or a JetStream stream) and live envelopes are
// fanned out to websocket sessions subscribed to their driver.
//
// # Layout
//
//   - message: routes, envelopes and the per-driver payload codec
//   - device/sensor: sampling loops, drivers and converters
//   - device/outbox: durable queue and link manager
//   - broker/router, broker/hub, broker/store: the backend pipeline
//   - transport: MQTT and NATS clients behind one interface
//   - config, health, metric, errors: shared infrastructure
//
// The binaries live under cmd/microtime-device and cmd/microtime-broker.
package microtime
