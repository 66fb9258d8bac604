// Package outbox is the device side of the uplink: a store-and-forward queue
// for durable envelopes and the link manager that keeps the uplink connected.
//
// Durable envelopes pass through Manager.Submit into a bounded drop-oldest
// buffer, and a single sender goroutine publishes the buffer oldest-first.
// Entries that waited through an outage have their timestamps rewritten by a
// RebasePolicy when they are replayed; entries submitted while the link is up
// keep their capture time.
//
// Live envelopes pass through Manager.PublishLive and are never stored.
//
// The reconnect loop retries Uplink.Connect with a constant delay. When every
// attempt fails it emits a single FatalRestart on Manager.Fatal and stops; the
// device binary turns that into a non-zero exit so its supervisor restarts it.
package outbox
