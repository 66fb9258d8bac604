// Package hub fans live sensor messages out to websocket sessions.
//
// The Hub holds one topic per driver, created up front. Publish never blocks:
// each subscriber has a small buffer and a full buffer drops the message for
// that subscriber only. There is no history; a subscriber sees only what is
// published after it joined.
package hub

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
)

// DefaultSubscriberBuffer is the per-subscriber queue length.
const DefaultSubscriberBuffer = 16

// Hub routes published messages to the subscribers of each driver topic.
type Hub struct {
	topics  map[message.Driver]*topic
	buffer  int
	logger  *slog.Logger
	metrics *metric.Metrics
}

type topic struct {
	driver message.Driver

	mu   sync.RWMutex
	next uint64
	subs map[uint64]*Subscription
}

// Option configures a Hub.
type Option func(*Hub)

// WithSubscriberBuffer sets the per-subscriber queue length.
func WithSubscriberBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.buffer = n
		}
	}
}

// WithLogger sets the hub logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMetrics records deliveries and drops.
func WithMetrics(m *metric.Metrics) Option {
	return func(h *Hub) {
		h.metrics = m
	}
}

// New creates a hub with a topic for each driver. With no drivers it covers
// every known driver.
func New(drivers []message.Driver, opts ...Option) *Hub {
	if len(drivers) == 0 {
		drivers = message.Drivers
	}
	h := &Hub{
		topics: make(map[message.Driver]*topic, len(drivers)),
		buffer: DefaultSubscriberBuffer,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	for _, d := range drivers {
		h.topics[d] = &topic{driver: d, subs: make(map[uint64]*Subscription)}
	}
	h.logger = h.logger.With("component", "hub")
	return h
}

// Publish hands data to every current subscriber of driver. It reports how
// many subscribers received it.
func (h *Hub) Publish(driver message.Driver, data []byte) int {
	t, ok := h.topics[driver]
	if !ok {
		return 0
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	delivered := 0
	for _, sub := range t.subs {
		select {
		case sub.ch <- data:
			delivered++
			h.metrics.RecordHubDelivery(string(driver))
		default:
			h.metrics.RecordHubDrop(string(driver))
			h.logger.Debug("subscriber behind, message dropped", "driver", string(driver), "subscription", sub.id)
		}
	}
	return delivered
}

// Subscribe joins the topic for driver.
func (h *Hub) Subscribe(driver message.Driver) (*Subscription, error) {
	t, ok := h.topics[driver]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownDriver, driver),
			"Hub", "Subscribe", "find topic")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	sub := &Subscription{id: t.next, topic: t, ch: make(chan []byte, h.buffer), hub: h}
	t.subs[sub.id] = sub
	h.metrics.AddSubscriptions(1)
	return sub, nil
}

// Subscribers counts the current subscribers of driver.
func (h *Hub) Subscribers(driver message.Driver) int {
	t, ok := h.topics[driver]
	if !ok {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Subscription is one subscriber's view of a topic.
type Subscription struct {
	id    uint64
	topic *topic
	hub   *Hub
	ch    chan []byte
	once  sync.Once
}

// C yields published messages. It is closed by Cancel.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Driver names the topic.
func (s *Subscription) Driver() message.Driver {
	return s.topic.driver
}

// Cancel leaves the topic. It is safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.topic.mu.Lock()
		delete(s.topic.subs, s.id)
		close(s.ch)
		s.topic.mu.Unlock()
		s.hub.metrics.AddSubscriptions(-1)
	})
}
