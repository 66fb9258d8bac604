// Package store persists durable telemetry on the broker.
//
// A Store inserts one envelope per call into whatever backs it (PostgreSQL,
// MongoDB, a JetStream stream). The Writer sits in front of a Store and makes
// persistence fire-and-forget for the router: envelopes are queued on a
// worker pool, each insert runs behind a circuit breaker, and failed writes
// are logged, counted and dropped.
package store

import (
	"context"

	"github.com/zam-cv/microtime/message"
)

// Store inserts durable envelopes.
type Store interface {
	Insert(ctx context.Context, driver message.Driver, env message.Envelope) error
	Close(ctx context.Context) error
}

// Persister accepts envelopes without blocking or reporting failure. The
// router depends on this rather than on Store.
type Persister interface {
	Persist(driver message.Driver, env message.Envelope)
}

// Record is the storage-neutral row shape shared by the backends. Payload
// holds the payload's JSON encoding.
type Record struct {
	Driver    message.Driver
	Timestamp int64
	Payload   []byte
}

// Discard accepts and forgets every envelope. It backs brokers that run
// without a durable store.
type Discard struct{}

// Insert does nothing.
func (Discard) Insert(context.Context, message.Driver, message.Envelope) error { return nil }

// Close does nothing.
func (Discard) Close(context.Context) error { return nil }
