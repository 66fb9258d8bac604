// Package testutil provides in-memory stand-ins for the message bus and the
// durable store, plus sample envelopes for every driver.
//
// MemoryBus implements transport.Client: what one side publishes is handed
// synchronously to every handler subscribed to the route, so a device outbox
// and a broker router can share one bus in a test. SetDown simulates an
// outage and fires the connection-lost handler the way the real clients do.
//
// MemoryStore satisfies the broker's store interface and records inserts.
package testutil
