package sensor

import (
	"context"
	"log/slog"
	"time"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
	"github.com/zam-cv/microtime/pkg/breaker"
)

// Sink receives the envelopes a loop produces. The device outbox implements it.
type Sink interface {
	// PublishLive sends best effort on the live channel.
	PublishLive(route message.Route, env message.Envelope)
	// Submit sends through the store-and-forward outbox.
	Submit(route message.Route, env message.Envelope)
}

// Config sets a loop's cadences and error budget.
//
// LiveEvery and DurableEvery are minimum spacings between envelopes on each
// channel: zero sends every produced payload, a negative value disables the
// channel.
type Config struct {
	Name         string
	SampleEvery  time.Duration
	LiveEvery    time.Duration
	DurableEvery time.Duration
	ErrorCeiling int
	ErrorWindow  time.Duration
	ReinitDelay  time.Duration
}

// Loop samples one driver until its context is cancelled.
type Loop struct {
	cfg     Config
	bus     *Bus
	driver  Driver
	conv    Converter
	sink    Sink
	breaker *breaker.Breaker
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	lastLive    time.Time
	lastDurable time.Time
}

// Option configures a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics records reads and reinitializations.
func WithMetrics(m *metric.Metrics) Option {
	return func(l *Loop) {
		l.metrics = m
	}
}

// WithClock replaces time.Now for envelope stamps and cadence decisions.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		l.now = now
	}
}

// WithBreaker replaces the breaker built from Config.
func WithBreaker(b *breaker.Breaker) Option {
	return func(l *Loop) {
		l.breaker = b
	}
}

// NewLoop wires a driver on bus to sink.
func NewLoop(cfg Config, bus *Bus, driver Driver, conv Converter, sink Sink, opts ...Option) *Loop {
	if cfg.Name == "" {
		cfg.Name = string(conv.Driver())
	}
	if cfg.SampleEvery <= 0 {
		cfg.SampleEvery = time.Second
	}
	if cfg.ErrorCeiling <= 0 {
		cfg.ErrorCeiling = 20
	}

	l := &Loop{
		cfg:    cfg,
		bus:    bus,
		driver: driver,
		conv:   conv,
		sink:   sink,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.breaker == nil {
		l.breaker = breaker.New(cfg.ErrorCeiling, cfg.ErrorWindow)
	}
	l.logger = l.logger.With("sensor", cfg.Name, "bus", bus.Name())

	return l
}

// Name returns the configured loop name.
func (l *Loop) Name() string {
	return l.cfg.Name
}

// Run samples until ctx is cancelled. It never returns early on sensor errors.
func (l *Loop) Run(ctx context.Context) error {
	l.breaker.Start(ctx)
	defer l.breaker.Stop()

	ticker := time.NewTicker(l.cfg.SampleEvery)
	defer ticker.Stop()

	l.logger.Info("acquisition loop started", "sample_every", l.cfg.SampleEvery)

	for {
		l.step(ctx)

		select {
		case <-ctx.Done():
			l.logger.Info("acquisition loop stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (l *Loop) step(ctx context.Context) {
	var s Sample
	err := l.bus.Do(ctx, func() error {
		var readErr error
		s, readErr = l.driver.Read(ctx)
		return readErr
	})

	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, ErrNoEvent):
		l.metrics.RecordSensorRead(l.cfg.Name, "idle")
		return
	case err != nil:
		l.handleReadError(ctx, err)
		return
	}

	l.metrics.RecordSensorRead(l.cfg.Name, "ok")

	at := l.now()
	payload, ok := l.conv.Convert(s, at)
	if !ok {
		return
	}

	env := message.NewEnvelope(payload, at)
	if err := env.Validate(); err != nil {
		l.logger.Debug("discarding implausible reading", "error", err)
		return
	}

	driver := payload.Driver()
	if due(l.cfg.LiveEvery, &l.lastLive, at) {
		l.sink.PublishLive(message.NewRoute(message.Live, driver), env)
	}
	if due(l.cfg.DurableEvery, &l.lastDurable, at) {
		l.sink.Submit(message.NewRoute(message.Durable, driver), env)
	}
}

func (l *Loop) handleReadError(ctx context.Context, err error) {
	l.metrics.RecordSensorRead(l.cfg.Name, "error")
	l.metrics.RecordError("sensor."+l.cfg.Name, errors.Classify(err).String())
	l.breaker.RecordError()

	l.logger.Warn("sensor read failed",
		"error", errors.WrapTransient(err, "Loop", "step", "read"),
		"errors_in_window", l.breaker.Count(),
		"ceiling", l.breaker.Ceiling())

	if l.breaker.OverBudget() {
		l.reinitialize(ctx)
	}
}

func (l *Loop) reinitialize(ctx context.Context) {
	if l.cfg.ReinitDelay > 0 {
		timer := time.NewTimer(l.cfg.ReinitDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	l.logger.Warn("error budget exhausted, reinitializing driver",
		"ceiling", l.breaker.Ceiling(), "window", l.breaker.WindowResets())

	err := l.bus.Do(ctx, func() error {
		return l.driver.Reinitialize(ctx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.metrics.RecordSensorReinit(l.cfg.Name, "error")
		l.logger.Error("driver reinitialization failed, continuing degraded",
			"error", errors.Wrap(err, "Loop", "reinitialize", "reinitialize driver"))
		return
	}

	l.metrics.RecordSensorReinit(l.cfg.Name, "ok")
	l.breaker.Reset()
	l.logger.Info("driver reinitialized")
}

// due reports whether a channel with spacing every should send at now, and
// records the send.
func due(every time.Duration, last *time.Time, now time.Time) bool {
	if every < 0 {
		return false
	}
	if !last.IsZero() && now.Sub(*last) < every {
		return false
	}
	*last = now
	return true
}
