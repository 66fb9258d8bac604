package testutil

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/transport"
)

// MemoryBus is an in-memory transport.Client.
// Thread-safe for concurrent use from multiple goroutines.
type MemoryBus struct {
	mu        sync.RWMutex
	messages  map[string][][]byte
	subs      []subscription
	connected bool
	down      bool
	connects  int
	acks      int
	onLost    func(error)
}

type subscription struct {
	ctx     context.Context
	routes  []string
	handler transport.Handler
}

var _ transport.Client = (*MemoryBus)(nil)

// NewMemoryBus creates a reachable, disconnected bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{messages: make(map[string][][]byte)}
}

// Connect succeeds unless the bus is down.
func (b *MemoryBus) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connects++
	if b.down {
		return errors.WrapTransient(errors.ErrNoConnection, "MemoryBus", "Connect", "bus is down")
	}
	b.connected = true
	return nil
}

// IsConnected reports whether Connect succeeded since the last outage.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

// Close disconnects without firing the lost handler.
func (b *MemoryBus) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// SetConnectionLostHandler registers fn for SetDown(true).
func (b *MemoryBus) SetConnectionLostHandler(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onLost = fn
}

// SetDown starts or ends an outage. Starting one drops a live connection.
func (b *MemoryBus) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	wasConnected := b.connected
	if down {
		b.connected = false
	}
	fn := b.onLost
	b.mu.Unlock()

	if down && wasConnected && fn != nil {
		fn(errors.ErrConnectionLost)
	}
}

// Publish records payload and hands it to every subscriber of route.
func (b *MemoryBus) Publish(_ context.Context, route string, payload []byte) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return errors.WrapTransient(errors.ErrNoConnection, "MemoryBus", "Publish", "publish "+route)
	}
	data := slices.Clone(payload)
	b.messages[route] = append(b.messages[route], data)

	// Copy handlers to avoid holding the lock during callbacks
	var targets []subscription
	for _, s := range b.subs {
		if slices.Contains(s.routes, route) {
			targets = append(targets, s)
		}
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.handler(s.ctx, transport.Delivery{Route: route, Payload: data, Ack: b.ack})
	}
	return nil
}

func (b *MemoryBus) ack() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks++
}

// Subscribe registers h for routes.
func (b *MemoryBus) Subscribe(ctx context.Context, routes []string, h transport.Handler) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, subscription{ctx: ctx, routes: slices.Clone(routes), handler: h})
	return nil
}

// Messages returns a copy of everything published on route.
func (b *MemoryBus) Messages(route string) [][]byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.messages[route])
}

// Count returns the number of messages published on route.
func (b *MemoryBus) Count(route string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages[route])
}

// Subscribers returns the number of Subscribe calls.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Connects returns the number of Connect calls.
func (b *MemoryBus) Connects() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connects
}

// Acks returns how many deliveries were acknowledged.
func (b *MemoryBus) Acks() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.acks
}

// WaitForCount fails the test unless route sees count messages within timeout.
func WaitForCount(t *testing.T, b *MemoryBus, route string, count int, timeout time.Duration) {
	t.Helper()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if b.Count(route) >= count {
			return
		}
		select {
		case <-deadline.C:
			t.Fatalf("timeout waiting for %d messages on %s (got %d)", count, route, b.Count(route))
			return
		case <-ticker.C:
		}
	}
}
