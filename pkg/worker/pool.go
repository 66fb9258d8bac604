package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zam-cv/microtime/metric"
)

var (
	ErrNotStarted   = errors.New("worker pool not started")
	ErrStopped      = errors.New("worker pool stopped")
	ErrStarted      = errors.New("worker pool already started")
	ErrQueueFull    = errors.New("worker pool queue full")
	ErrStopDeadline = errors.New("worker pool did not drain before the deadline")
)

type lifecycle int

const (
	idle lifecycle = iota
	running
	stopped
)

// Outcome labels on the items counter.
const (
	outcomeAccepted = "accepted"
	outcomeRejected = "rejected"
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
)

// Pool runs fn for every submitted item on a fixed set of goroutines.
type Pool[T any] struct {
	workers int
	queue   chan T
	fn      func(context.Context, T) error
	onError func(T, error)
	logger  *slog.Logger

	mu    sync.Mutex
	state lifecycle
	wg    sync.WaitGroup

	accepted, rejected, done, failed atomic.Int64

	registry *metric.MetricsRegistry
	name     string
	metrics  *poolMetrics
}

type poolMetrics struct {
	items    *prometheus.CounterVec
	depth    prometheus.Gauge
	duration prometheus.Histogram
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetricsRegistry exports the pool's counters under name.
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.name = name
	}
}

// WithErrorHandler runs fn on the worker goroutine for every failed item.
func WithErrorHandler[T any](fn func(T, error)) Option[T] {
	return func(p *Pool[T]) { p.onError = fn }
}

func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool sizes a pool; non-positive sizes fall back to 4 workers and a
// queue of 256. fn must not be nil.
func NewPool[T any](workers, queueSize int, fn func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if fn == nil {
		panic("worker: nil processing function")
	}
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &Pool[T]{
		workers: workers,
		queue:   make(chan T, queueSize),
		fn:      fn,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.registry != nil && p.name != "" {
		p.metrics = p.register()
	}
	return p
}

func (p *Pool[T]) register() *poolMetrics {
	labels := prometheus.Labels{"pool": p.name}
	m := &poolMetrics{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "items_total",
			Help:        "Pool items by outcome (accepted, rejected, ok, failed)",
			ConstLabels: labels,
		}, []string{"outcome"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "queue_depth",
			Help:        "Items waiting for a worker",
			ConstLabels: labels,
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "worker",
			Name:        "item_duration_seconds",
			Help:        "Time spent on one item",
			Buckets:     []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			ConstLabels: labels,
		}),
	}

	component := "worker." + p.name
	for _, err := range []error{
		p.registry.Register(component, "items_total", m.items),
		p.registry.Register(component, "queue_depth", m.depth),
		p.registry.Register(component, "item_duration_seconds", m.duration),
	} {
		if err != nil {
			p.logger.Warn("worker metrics not registered", "pool", p.name, "error", err)
		}
	}
	return m
}

func (p *Pool[T]) count(outcome string) {
	if p.metrics == nil {
		return
	}
	p.metrics.items.WithLabelValues(outcome).Inc()
	p.metrics.depth.Set(float64(len(p.queue)))
}

// Submit queues item without blocking. A full queue rejects it with
// ErrQueueFull.
func (p *Pool[T]) Submit(item T) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case idle:
		return ErrNotStarted
	case stopped:
		return ErrStopped
	}

	select {
	case p.queue <- item:
		p.accepted.Add(1)
		p.count(outcomeAccepted)
		return nil
	default:
		p.rejected.Add(1)
		p.count(outcomeRejected)
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx ends or after Stop once
// the queue is drained.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != idle {
		return ErrStarted
	}

	p.wg.Add(p.workers)
	for range p.workers {
		go p.run(ctx)
	}
	p.state = running
	return nil
}

// Stop refuses new items and waits up to timeout for queued ones.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if p.state != running {
		p.mu.Unlock()
		return nil
	}
	p.state = stopped
	close(p.queue)
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-time.After(timeout):
		return ErrStopDeadline
	}
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:    p.workers,
		QueueSize:  cap(p.queue),
		QueueDepth: len(p.queue),
		Submitted:  p.accepted.Load(),
		Processed:  p.done.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.rejected.Load(),
	}
}

func (p *Pool[T]) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-p.queue:
			if !ok {
				return
			}
			p.handle(ctx, item)
		}
	}
}

func (p *Pool[T]) handle(ctx context.Context, item T) {
	start := time.Now()
	err := p.fn(ctx, item)
	if p.metrics != nil {
		p.metrics.duration.Observe(time.Since(start).Seconds())
	}

	p.done.Add(1)
	if err == nil {
		p.count(outcomeOK)
		return
	}
	p.failed.Add(1)
	p.count(outcomeFailed)
	if p.onError != nil {
		p.onError(item, err)
	}
}
