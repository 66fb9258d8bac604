package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
	"github.com/zam-cv/microtime/pkg/buffer"
	"github.com/zam-cv/microtime/pkg/retry"
)

// Uplink is the device's connection to the broker.
type Uplink interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, route string, payload []byte) error
	IsConnected() bool
	Close(ctx context.Context) error
	SetConnectionLostHandler(fn func(error))
}

// Config tunes the outbox and the reconnect loop.
type Config struct {
	// Capacity bounds the outbox. Older entries are evicted beyond it.
	Capacity int
	// LiveQueueSize bounds live envelopes waiting to be published.
	LiveQueueSize int

	MaxConnectAttempts int
	RetryDelay         time.Duration
	PublishTimeout     time.Duration

	Rebase RebasePolicy
}

// DefaultConfig matches the firmware this device replaces: a 3000 entry
// outbox and seven connection attempts ten seconds apart.
func DefaultConfig() Config {
	link := retry.Link()
	return Config{
		Capacity:           3000,
		LiveQueueSize:      32,
		MaxConnectAttempts: link.MaxAttempts,
		RetryDelay:         link.InitialDelay,
		PublishTimeout:     5 * time.Second,
		Rebase:             RebaseToNow,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.LiveQueueSize <= 0 {
		c.LiveQueueSize = d.LiveQueueSize
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.Rebase == nil {
		c.Rebase = d.Rebase
	}
}

type liveItem struct {
	route message.Route
	env   message.Envelope
}

// Manager owns the outbox, the sender goroutine and the reconnect loop.
//
// The outbox is the only queue between Submit and the uplink. Every durable
// entry is stamped with the connection epoch it was submitted in; the epoch
// advances on each successful connect, so an entry from an older epoch has
// waited through an outage and is rebased when replayed.
type Manager struct {
	cfg     Config
	uplink  Uplink
	outbox  *buffer.Ring[Entry]
	logger  *slog.Logger
	metrics *metric.Metrics
	now     func() time.Time

	state atomic.Int32
	epoch atomic.Uint64
	seq   atomic.Uint64
	live  chan liveItem
	lost  chan struct{}
	drain chan struct{}
	fatal chan FatalRestart
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	now      func() time.Time
}

// WithLogger sets the manager logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics exports outbox depth and link metrics through registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithClock replaces time.Now for enqueue times and rebasing.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// NewManager creates a Manager in the Disconnected state. Nothing is sent
// until Run is called.
func NewManager(cfg Config, uplink Uplink, opts ...Option) (*Manager, error) {
	if uplink == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Manager", "NewManager", "uplink is required")
	}
	cfg.applyDefaults()

	o := options{logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	m := &Manager{
		cfg:     cfg,
		uplink:  uplink,
		logger:  o.logger.With("component", "outbox"),
		metrics: o.registry.CoreMetrics(),
		now:     o.now,
		live:    make(chan liveItem, cfg.LiveQueueSize),
		lost:    make(chan struct{}, 1),
		drain:   make(chan struct{}, 1),
		fatal:   make(chan FatalRestart, 1),
	}

	outbox, err := buffer.New(cfg.Capacity,
		buffer.WithMetrics[Entry](o.registry, "outbox"),
		buffer.WithEvictHandler(m.evicted),
	)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "NewManager", "create outbox buffer")
	}
	m.outbox = outbox

	uplink.SetConnectionLostHandler(m.MarkDisconnected)
	m.setState(Disconnected)

	return m, nil
}

// Submit appends a durable envelope to the outbox and wakes the sender. It
// never blocks; a full outbox evicts its oldest entry.
func (m *Manager) Submit(route message.Route, env message.Envelope) {
	m.enqueue(Entry{
		Route:      route,
		Envelope:   env,
		EnqueuedAt: m.now(),
		epoch:      m.epoch.Load(),
		seq:        m.seq.Add(1),
	})
	signal(m.drain)
}

// PublishLive queues a live envelope for immediate publication. It is dropped
// when the link is down or the live queue is full.
func (m *Manager) PublishLive(route message.Route, env message.Envelope) {
	if m.State() != Connected {
		m.metrics.RecordPublish(route.String(), "dropped")
		return
	}
	select {
	case m.live <- liveItem{route: route, env: env}:
	default:
		m.metrics.RecordPublish(route.String(), "dropped")
	}
}

// State returns the current link state.
func (m *Manager) State() LinkState {
	return LinkState(m.state.Load())
}

// Len returns the number of entries waiting in the outbox.
func (m *Manager) Len() int {
	return m.outbox.Len()
}

// Stats reports outbox activity since the manager was created.
func (m *Manager) Stats() buffer.Stats {
	return m.outbox.Stats()
}

// Fatal delivers at most one FatalRestart, once the reconnect budget is spent.
func (m *Manager) Fatal() <-chan FatalRestart {
	return m.fatal
}

// MarkDisconnected records that the link dropped and wakes the reconnect
// loop. Calls while not Connected are ignored.
func (m *Manager) MarkDisconnected(err error) {
	if !m.state.CompareAndSwap(int32(Connected), int32(Disconnected)) {
		return
	}
	m.metrics.RecordLinkState(int(Disconnected))
	m.logger.Warn("uplink lost", "error", err)
	signal(m.lost)
}

// Run connects the uplink and runs the sender until ctx is cancelled. A spent
// reconnect budget does not end Run; watch Fatal for that.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.linkLoop(ctx) })
	g.Go(func() error { return m.sendLoop(ctx) })
	g.Go(func() error { return m.liveLoop(ctx) })

	err := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), m.cfg.PublishTimeout)
	defer cancel()
	if cerr := m.uplink.Close(closeCtx); cerr != nil {
		m.logger.Warn("closing uplink", "error", cerr)
	}
	m.outbox.Close()
	if n := m.outbox.Len(); n > 0 {
		m.logger.Info("outbox not empty at shutdown", "entries", n)
	}
	return err
}

func (m *Manager) linkLoop(ctx context.Context) error {
	signal(m.lost)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.lost:
		}
		if m.State() == Connected {
			continue
		}

		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.escalate(err)
			return nil
		}
	}
}

func (m *Manager) connect(ctx context.Context) error {
	m.setState(Connecting)
	m.logger.Info("connecting uplink",
		"max_attempts", m.cfg.MaxConnectAttempts, "retry_delay", m.cfg.RetryDelay)

	cfg := retry.Constant(m.cfg.MaxConnectAttempts, m.cfg.RetryDelay)
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		m.logger.Warn("uplink connect failed",
			"attempt", attempt, "max_attempts", m.cfg.MaxConnectAttempts, "retry_in", next, "error", err)
	}

	err := retry.Do(ctx, cfg, func() error {
		m.metrics.RecordConnectAttempt()
		return m.uplink.Connect(ctx)
	})
	if err != nil {
		m.setState(Disconnected)
		return err
	}

	m.epoch.Add(1)
	m.setState(Connected)
	m.logger.Info("uplink connected", "backlog", m.outbox.Len())
	signal(m.drain)
	return nil
}

func (m *Manager) escalate(err error) {
	f := FatalRestart{
		Attempts: m.cfg.MaxConnectAttempts,
		LastErr:  errors.WrapFatal(err, "Manager", "connect", "reconnect uplink"),
		At:       m.now(),
	}
	m.metrics.RecordFatalRestart()
	m.logger.Error("reconnect budget exhausted, requesting restart",
		"attempts", f.Attempts, "error", err)

	select {
	case m.fatal <- f:
	default:
	}
}

func (m *Manager) sendLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.drain:
			if m.State() == Connected {
				_ = m.replay(ctx)
			}
		}
	}
}

// held reports whether e waited through an outage.
func (m *Manager) held(e Entry) bool {
	return e.epoch < m.epoch.Load()
}

// replay publishes the outbox oldest-first. An entry leaves the outbox only
// after it was published, and only held entries are rebased.
func (m *Manager) replay(ctx context.Context) error {
	replayed := 0
	defer func() {
		if replayed > 0 {
			m.logger.Info("replayed outbox entries", "count", replayed, "remaining", m.outbox.Len())
		}
	}()

	for {
		head, ok := m.outbox.Peek()
		if !ok {
			return nil
		}
		env, held := head.Envelope, m.held(head)
		if held {
			env = m.cfg.Rebase(head, m.now())
		}
		if err := m.publish(ctx, head.Route, env); err != nil {
			m.MarkDisconnected(err)
			return err
		}
		// A concurrent Submit may have evicted head while it was in flight.
		m.outbox.PopIf(func(e Entry) bool { return e.seq == head.seq })
		if held {
			replayed++
		}
	}
}

func (m *Manager) liveLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case item := <-m.live:
			if m.State() != Connected {
				m.metrics.RecordPublish(item.route.String(), "dropped")
				continue
			}
			if err := m.publish(ctx, item.route, item.env); err != nil {
				m.logger.Debug("live publish failed", "route", item.route.String(), "error", err)
				m.MarkDisconnected(err)
			}
		}
	}
}

func (m *Manager) publish(ctx context.Context, route message.Route, env message.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		m.metrics.RecordPublish(route.String(), "invalid")
		return errors.WrapInvalid(err, "Manager", "publish", "encode envelope")
	}

	pctx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()

	if err := m.uplink.Publish(pctx, route.String(), data); err != nil {
		m.metrics.RecordPublish(route.String(), "error")
		return errors.WrapTransient(err, "Manager", "publish", "publish "+route.String())
	}
	m.metrics.RecordPublish(route.String(), "ok")
	return nil
}

func (m *Manager) enqueue(e Entry) {
	if err := m.outbox.Push(e); err != nil {
		m.logger.Warn("outbox rejected entry", "route", e.Route.String(), "error", err)
	}
}

func (m *Manager) evicted(e Entry) {
	m.metrics.RecordPublish(e.Route.String(), "evicted")
	m.logger.Warn("outbox full, evicted oldest entry",
		"route", e.Route.String(), "captured_at", e.Envelope.Timestamp)
}

func (m *Manager) setState(s LinkState) {
	m.state.Store(int32(s))
	m.metrics.RecordLinkState(int(s))
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
