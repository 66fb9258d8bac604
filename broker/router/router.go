// Package router dispatches inbound bus messages on the broker: durable
// routes are decoded and persisted, live routes are fanned out untouched.
package router

import (
	"context"
	"log/slog"

	"github.com/zam-cv/microtime/broker/store"
	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
	"github.com/zam-cv/microtime/transport"
)

// Routing outcomes recorded per route.
const (
	OutcomeStored      = "stored"
	OutcomeFannedOut   = "fanned_out"
	OutcomeDropped     = "dropped"
	OutcomeDecodeError = "decode_error"
)

// Fanout receives live payloads. *hub.Hub satisfies it.
type Fanout interface {
	Publish(driver message.Driver, data []byte) int
}

// Router connects a transport.Subscriber to the store and the hub.
type Router struct {
	sub       transport.Subscriber
	persister store.Persister
	fanout    Fanout
	logger    *slog.Logger
	metrics   *metric.Metrics
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records one outcome per handled delivery.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// New creates a router. All three collaborators are required.
func New(sub transport.Subscriber, persister store.Persister, fanout Fanout, opts ...Option) (*Router, error) {
	switch {
	case sub == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New", "subscriber is required")
	case persister == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New", "persister is required")
	case fanout == nil:
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Router", "New", "fanout is required")
	}

	r := &Router{sub: sub, persister: persister, fanout: fanout, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "router")
	return r, nil
}

// Routes lists every route the router subscribes to.
func Routes() []string {
	all := message.AllRoutes()
	out := make([]string, len(all))
	for i, r := range all {
		out[i] = r.String()
	}
	return out
}

// Run subscribes to every route and blocks until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	routes := Routes()
	if err := r.sub.Subscribe(ctx, routes, r.Handle); err != nil {
		return errors.Wrap(err, "Router", "Run", "subscribe")
	}
	r.logger.Info("router subscribed", "routes", len(routes))

	<-ctx.Done()
	return nil
}

// Handle dispatches one delivery and always acknowledges it.
func (r *Router) Handle(_ context.Context, d transport.Delivery) {
	defer func() {
		if d.Ack != nil {
			d.Ack()
		}
	}()

	route, err := message.ParseRoute(d.Route)
	if err != nil {
		r.logger.Debug("dropping message on unknown route", "route", d.Route, "error", err)
		r.metrics.RecordRouted("unknown", OutcomeDropped)
		return
	}

	switch route.Channel {
	case message.Durable:
		r.persist(route, d.Payload)
	case message.Live:
		n := r.fanout.Publish(route.Driver, d.Payload)
		r.logger.Debug("live message fanned out", "route", d.Route, "subscribers", n)
		r.metrics.RecordRouted(d.Route, OutcomeFannedOut)
	}
}

func (r *Router) persist(route message.Route, payload []byte) {
	env, err := message.Decode(route.Driver, payload)
	if err == nil {
		err = env.Validate()
	}
	if err != nil {
		r.logger.Warn("dropping undecodable durable message",
			"route", route.String(), "driver", route.Driver, "error", err)
		r.metrics.RecordRouted(route.String(), OutcomeDecodeError)
		return
	}

	r.persister.Persist(route.Driver, env)
	r.metrics.RecordRouted(route.String(), OutcomeStored)
}
