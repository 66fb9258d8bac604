// Package metric holds the Prometheus registry and scrape endpoint shared by
// the microtime binaries.
//
// NewMetricsRegistry registers the core pipeline metrics (sensor reads, link
// state, router outcomes, store writes, hub fan-out) next to the Go runtime
// and process collectors. Pools and buffers add their own collectors through
// Registrar under an owner name and remove them with Unregister.
//
// Record methods on a nil *Metrics are no-ops, so components built without a
// registry need no guards:
//
//	var m *metric.Metrics
//	m.RecordPublish("live/temperature", "sent")
//
// Server exposes /metrics (OpenMetrics when negotiated) and /health.
package metric
