// Package buffer provides a bounded, thread-safe FIFO that evicts its
// oldest item when full.
//
// The device outbox keeps undelivered envelopes in a Ring, so it always
// holds the most recent N entries in arrival order. Evicted items are handed
// to an optional callback; Prometheus metrics are opt-in via WithMetrics.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/metric"
)

// Ring is a fixed-capacity FIFO. Push never blocks.
type Ring[T any] struct {
	mu     sync.Mutex
	items  []T
	head   int // oldest item
	n      int
	closed bool

	onEvict func(T)
	metrics *ringMetrics

	pushed, popped, evicted atomic.Int64
	highWater               atomic.Int64
}

// Option configures a Ring.
type Option[T any] func(*ringConfig[T])

type ringConfig[T any] struct {
	onEvict  func(T)
	registry *metric.MetricsRegistry
	name     string
}

// WithEvictHandler runs fn, outside the lock, with every evicted item.
func WithEvictHandler[T any](fn func(T)) Option[T] {
	return func(c *ringConfig[T]) { c.onEvict = fn }
}

// WithMetrics exports the ring's activity labelled with name. A nil
// registry or empty name disables export.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(c *ringConfig[T]) {
		c.registry = registry
		c.name = name
	}
}

// New creates a ring holding at most capacity items, minimum one.
func New[T any](capacity int, opts ...Option[T]) (*Ring[T], error) {
	var cfg ringConfig[T]
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Ring[T]{
		items:   make([]T, max(capacity, 1)),
		onEvict: cfg.onEvict,
	}
	if cfg.registry != nil && cfg.name != "" {
		m, err := newRingMetrics(cfg.registry, cfg.name)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "New", "register metrics")
		}
		m.capacity.Set(float64(len(r.items)))
		r.metrics = m
	}
	return r, nil
}

// Push appends item, evicting the oldest entry when the ring is full.
func (r *Ring[T]) Push(item T) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Ring", "Push", "push to closed ring")
	}

	var (
		old     T
		evicted bool
	)
	if r.n == len(r.items) {
		old, evicted = r.removeHead(), true
	}
	r.items[(r.head+r.n)%len(r.items)] = item
	r.n++
	r.record(opPush, evicted)
	r.mu.Unlock()

	if evicted && r.onEvict != nil {
		r.onEvict(old)
	}
	return nil
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		var zero T
		return zero, false
	}
	item := r.removeHead()
	r.record(opPop, false)
	return item, true
}

// PopIf removes the oldest item only when match accepts it. A reader that
// peeked, worked on the item and then pops with PopIf cannot remove an item
// pushed after an eviction replaced the one it peeked.
func (r *Ring[T]) PopIf(match func(T) bool) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var zero T
	if r.n == 0 || !match(r.items[r.head]) {
		return zero, false
	}
	item := r.removeHead()
	r.record(opPop, false)
	return item, true
}

// Peek returns the oldest item without removing it.
func (r *Ring[T]) Peek() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.n == 0 {
		var zero T
		return zero, false
	}
	return r.items[r.head], true
}

// Snapshot copies the contents oldest-first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, r.n)
	for i := range out {
		out[i] = r.items[(r.head+i)%len(r.items)]
	}
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Ring[T]) Cap() int { return len(r.items) }

// Close rejects further pushes. Buffered items stay readable.
func (r *Ring[T]) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// Stats is a point-in-time copy of the ring counters.
type Stats struct {
	Pushed    int64 `json:"pushed"`
	Popped    int64 `json:"popped"`
	Evicted   int64 `json:"evicted"`
	HighWater int64 `json:"high_water"`
}

func (r *Ring[T]) Stats() Stats {
	return Stats{
		Pushed:    r.pushed.Load(),
		Popped:    r.popped.Load(),
		Evicted:   r.evicted.Load(),
		HighWater: r.highWater.Load(),
	}
}

// removeHead requires r.mu and a non-empty ring.
func (r *Ring[T]) removeHead() T {
	var zero T
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.n--
	return item
}

type op string

const (
	opPush  op = "push"
	opPop   op = "pop"
	opEvict op = "evict"
)

// record requires r.mu.
func (r *Ring[T]) record(o op, evicted bool) {
	switch o {
	case opPush:
		r.pushed.Add(1)
	case opPop:
		r.popped.Add(1)
	}
	if evicted {
		r.evicted.Add(1)
	}
	if int64(r.n) > r.highWater.Load() {
		r.highWater.Store(int64(r.n))
	}

	if r.metrics == nil {
		return
	}
	r.metrics.ops.WithLabelValues(string(o)).Inc()
	if evicted {
		r.metrics.ops.WithLabelValues(string(opEvict)).Inc()
	}
	r.metrics.size.Set(float64(r.n))
}

type ringMetrics struct {
	ops      *prometheus.CounterVec
	size     prometheus.Gauge
	capacity prometheus.Gauge
}

func newRingMetrics(registry *metric.MetricsRegistry, name string) (*ringMetrics, error) {
	labels := prometheus.Labels{"buffer": name}
	m := &ringMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "operations_total",
			Help:        "Buffer pushes, pops and evictions",
			ConstLabels: labels,
		}, []string{"op"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "size",
			Help:        "Items currently held",
			ConstLabels: labels,
		}),
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "capacity",
			Help:        "Maximum items held before eviction",
			ConstLabels: labels,
		}),
	}

	owner := "buffer." + name
	for key, c := range map[string]prometheus.Collector{
		"operations_total": m.ops,
		"size":             m.size,
		"capacity":         m.capacity,
	} {
		if err := registry.Register(owner, key, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
