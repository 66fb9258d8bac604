package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/broker/hub"
	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/metric"
	"github.com/zam-cv/microtime/transport"
)

type persisted struct {
	driver message.Driver
	env    message.Envelope
}

type recordingPersister struct {
	mu  sync.Mutex
	got []persisted
}

func (p *recordingPersister) Persist(driver message.Driver, env message.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, persisted{driver, env})
}

func (p *recordingPersister) all() []persisted {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]persisted(nil), p.got...)
}

type fakeSubscriber struct {
	mu      sync.Mutex
	routes  []string
	handler transport.Handler
	err     error
}

func (s *fakeSubscriber) Subscribe(_ context.Context, routes []string, h transport.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes, s.handler = routes, h
	return s.err
}

func (s *fakeSubscriber) subscribed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.routes
}

func newRouter(t *testing.T) (*Router, *recordingPersister, *hub.Hub, *metric.Metrics) {
	t.Helper()
	p := &recordingPersister{}
	h := hub.New(nil)
	m := metric.NewMetricsRegistry().CoreMetrics()
	r, err := New(&fakeSubscriber{}, p, h, WithMetrics(m))
	require.NoError(t, err)
	return r, p, h, m
}

func delivery(route string, payload string, acked *int) transport.Delivery {
	return transport.Delivery{Route: route, Payload: []byte(payload), Ack: func() { *acked++ }}
}

func TestHandle_DurableIsDecodedAndPersisted(t *testing.T) {
	r, p, h, m := newRouter(t)
	sub, err := h.Subscribe(message.Temperature)
	require.NoError(t, err)
	defer sub.Cancel()

	acked := 0
	r.Handle(context.Background(), delivery("durable/temperature",
		`{"headers":{"timestamp":1700000000},"payload":{"temperature":21.5}}`, &acked))

	got := p.all()
	require.Len(t, got, 1)
	assert.Equal(t, message.Temperature, got[0].driver)
	assert.Equal(t, message.NewEnvelope(message.TemperatureReading{Temperature: 21.5}, time.Unix(1700000000, 0)), got[0].env)
	assert.Equal(t, 1, acked)
	assert.Empty(t, sub.C(), "durable messages are never fanned out")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Routed.WithLabelValues("durable/temperature", OutcomeStored)))
}

func TestHandle_LiveIsFannedOutUnchanged(t *testing.T) {
	r, p, h, m := newRouter(t)
	sub, err := h.Subscribe(message.Optical)
	require.NoError(t, err)
	defer sub.Cancel()

	raw := `{"headers":{"timestamp":5},"payload":{"heart_rate":72}}`
	acked := 0
	r.Handle(context.Background(), delivery("live/optical", raw, &acked))

	select {
	case data := <-sub.C():
		assert.Equal(t, raw, string(data))
	default:
		t.Fatal("live message not delivered")
	}
	assert.Empty(t, p.all(), "live messages are never stored")
	assert.Equal(t, 1, acked)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Routed.WithLabelValues("live/optical", OutcomeFannedOut)))
}

func TestHandle_UnknownRouteIsDroppedAndAcked(t *testing.T) {
	r, p, _, m := newRouter(t)

	for _, route := range []string{"durable/sonar", "socket/temperature", "durable", "durable/motion/extra", ""} {
		acked := 0
		r.Handle(context.Background(), delivery(route, `{}`, &acked))
		assert.Equal(t, 1, acked, route)
	}
	assert.Empty(t, p.all())
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Routed.WithLabelValues("unknown", OutcomeDropped)))
}

func TestHandle_UndecodableDurableIsDropped(t *testing.T) {
	r, p, _, m := newRouter(t)

	cases := []string{
		`not json`,
		`{"headers":{"timestamp":1}}`,
		`{"headers":{"timestamp":1},"payload":{"status":""}}`,
	}
	for _, raw := range cases {
		acked := 0
		r.Handle(context.Background(), delivery("durable/alert", raw, &acked))
		assert.Equal(t, 1, acked)
	}
	assert.Empty(t, p.all())
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Routed.WithLabelValues("durable/alert", OutcomeDecodeError)))
}

func TestHandle_NilAck(t *testing.T) {
	r, p, _, _ := newRouter(t)
	assert.NotPanics(t, func() {
		r.Handle(context.Background(), transport.Delivery{
			Route:   "durable/motion",
			Payload: []byte(`{"headers":{"timestamp":1},"payload":{"steps":3}}`),
		})
	})
	assert.Len(t, p.all(), 1)
}

func TestRun_SubscribesToEveryRoute(t *testing.T) {
	sub := &fakeSubscriber{}
	r, err := New(sub, &recordingPersister{}, hub.New(nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return len(sub.subscribed()) > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	routes := sub.subscribed()
	assert.Len(t, routes, 8)
	assert.Contains(t, routes, "live/temperature")
	assert.Contains(t, routes, "durable/alert")
}

func TestRun_SubscribeFailure(t *testing.T) {
	sub := &fakeSubscriber{err: errors.ErrSubscriptionFailed}
	r, err := New(sub, &recordingPersister{}, hub.New(nil))
	require.NoError(t, err)

	err = r.Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrSubscriptionFailed)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(nil, &recordingPersister{}, hub.New(nil))
	assert.True(t, errors.IsInvalid(err))
	_, err = New(&fakeSubscriber{}, nil, hub.New(nil))
	assert.True(t, errors.IsInvalid(err))
	_, err = New(&fakeSubscriber{}, &recordingPersister{}, nil)
	assert.True(t, errors.IsInvalid(err))
}
