package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
	"github.com/zam-cv/microtime/pkg/worker"
)

// WriterConfig tunes the Writer.
type WriterConfig struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerDelay.
	BreakerFailures uint
	BreakerDelay    time.Duration
}

// DefaultWriterConfig returns the settings used by the broker.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		Workers:         4,
		QueueSize:       1024,
		WriteTimeout:    5 * time.Second,
		BreakerFailures: 5,
		BreakerDelay:    15 * time.Second,
	}
}

func (c *WriterConfig) applyDefaults() {
	d := DefaultWriterConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerDelay <= 0 {
		c.BreakerDelay = d.BreakerDelay
	}
}

type job struct {
	driver message.Driver
	env    message.Envelope
}

// Writer persists envelopes asynchronously. Failed writes are dropped.
type Writer struct {
	store   Store
	cfg     WriterConfig
	pool    *worker.Pool[job]
	breaker circuitbreaker.CircuitBreaker[any]
	logger  *slog.Logger
	metrics *metric.Metrics
}

var _ Persister = (*Writer)(nil)

// NewWriter wraps s. registry may be nil.
func NewWriter(s Store, cfg WriterConfig, logger *slog.Logger, registry *metric.MetricsRegistry) *Writer {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "store_writer")

	w := &Writer{
		store:   s,
		cfg:     cfg,
		logger:  logger,
		metrics: registry.CoreMetrics(),
	}

	w.breaker = circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(cfg.BreakerFailures).
		WithDelay(cfg.BreakerDelay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			logger.Warn("store circuit breaker state change",
				"from", stateName(e.OldState), "to", stateName(e.NewState))
		}).
		Build()

	w.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, w.write,
		worker.WithMetricsRegistry[job](registry, "store_writer"),
		worker.WithLogger[job](logger),
		worker.WithErrorHandler(w.dropped),
	)
	return w
}

// Start launches the workers.
func (w *Writer) Start(ctx context.Context) error {
	return w.pool.Start(ctx)
}

// Stop waits up to timeout for queued writes.
func (w *Writer) Stop(timeout time.Duration) error {
	return w.pool.Stop(timeout)
}

// Persist queues env for insertion. A full queue drops it.
func (w *Writer) Persist(driver message.Driver, env message.Envelope) {
	if err := w.pool.Submit(job{driver: driver, env: env}); err != nil {
		w.dropped(job{driver: driver, env: env}, errors.WrapTransient(err, "Writer", "Persist", "queue write"))
	}
}

// BreakerOpen reports whether writes are currently short-circuited.
func (w *Writer) BreakerOpen() bool {
	return w.breaker.IsOpen()
}

// Stats exposes the worker pool counters.
func (w *Writer) Stats() worker.PoolStats {
	return w.pool.Stats()
}

func (w *Writer) write(ctx context.Context, j job) error {
	err := failsafe.With[any](w.breaker).Run(func() error {
		wctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
		defer cancel()
		return w.store.Insert(wctx, j.driver, j.env)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Writer", "write", "insert "+string(j.driver))
	}
	if err != nil {
		return errors.WrapTransient(err, "Writer", "write", "insert "+string(j.driver))
	}
	w.metrics.RecordStoreWrite(string(j.driver), "ok")
	return nil
}

func (w *Writer) dropped(j job, err error) {
	outcome := "error"
	if errors.Is(err, errors.ErrCircuitOpen) {
		outcome = "circuit_open"
	} else if errors.Is(err, worker.ErrQueueFull) {
		outcome = "queue_full"
	}
	w.metrics.RecordStoreWrite(string(j.driver), outcome)
	w.logger.Error("durable write dropped",
		"driver", string(j.driver), "timestamp", j.env.Timestamp, "error", err)
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.ClosedState:
		return "closed"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	case circuitbreaker.OpenState:
		return "open"
	default:
		return "unknown"
	}
}
