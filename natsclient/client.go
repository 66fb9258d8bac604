package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/zam-cv/microtime/errors"
)

// ConnectionStatus is the state of the underlying NATS connection.
type ConnectionStatus int32

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrClosed       = stderrors.New("client closed")
)

// MsgHandler processes one core NATS message.
type MsgHandler func(ctx context.Context, subject string, data []byte)

// Client wraps a NATS connection and its JetStream context.
type Client struct {
	url    string
	cfg    settings
	logger *slog.Logger
	status atomic.Int32
	closed atomic.Bool

	mu        sync.RWMutex
	conn      *nats.Conn
	js        jetstream.JetStream
	subs      []*nats.Subscription
	consumers map[string]jetstream.ConsumeContext
	onLost    func(error)
}

// NewClient creates a disconnected client for url.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	cfg := defaultSettings()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	return &Client{
		url:       url,
		cfg:       cfg,
		logger:    cfg.logger.With("component", "natsclient", "url", url),
		consumers: make(map[string]jetstream.ConsumeContext),
	}, nil
}

// URL returns the server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

// IsConnected reports whether messages can be sent right now.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	return conn != nil && conn.IsConnected()
}

// SetConnectionLostHandler registers fn to run when the connection drops.
// With reconnects enabled it runs on the first disconnect of each outage.
func (c *Client) SetConnectionLostHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

func (c *Client) options() []nats.Option {
	return append(c.cfg.natsOptions(),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	)
}

// Connect dials the server. It is a no-op while connected and redials after
// the previous connection was closed.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(ErrClosed, "Client", "Connect", "check client state")
	}
	if c.IsConnected() {
		return nil
	}

	c.status.Store(int32(StatusConnecting))
	c.logger.Debug("connecting to NATS")

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.options()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		c.status.Store(int32(StatusDisconnected))
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}
	if res.err != nil {
		c.status.Store(int32(StatusDisconnected))
		return errors.WrapTransient(res.err, "Client", "Connect", "establish connection")
	}

	js, err := jetstream.New(res.conn)
	if err != nil {
		res.conn.Close()
		c.status.Store(int32(StatusDisconnected))
		return errors.Wrap(err, "Client", "Connect", "create JetStream context")
	}

	c.mu.Lock()
	c.conn = res.conn
	c.js = js
	c.subs = nil
	c.mu.Unlock()

	c.status.Store(int32(StatusConnected))
	c.logger.Info("connected to NATS")
	return nil
}

// Close stops consumers, drains the connection and marks the client unusable.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	for key, cc := range c.consumers {
		cc.Stop()
		delete(c.consumers, key)
	}
	conn := c.conn
	c.conn = nil
	c.js = nil
	c.subs = nil
	c.cfg.pass, c.cfg.token = "", ""
	c.mu.Unlock()

	defer c.status.Store(int32(StatusDisconnected))
	if conn == nil {
		return nil
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	var err error
	select {
	case err = <-drained:
	case <-ctx.Done():
		err = ctx.Err()
	case <-time.After(c.cfg.drainTimeout):
		err = fmt.Errorf("drain timeout after %v", c.cfg.drainTimeout)
	}
	conn.Close()

	if err != nil {
		return errors.Wrap(err, "Client", "Close", "drain connection")
	}
	return nil
}

// Publish sends data on a core NATS subject.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}
	return nil
}

// Subscribe registers handler on subject. Each message gets a context derived
// from ctx with a per-message timeout.
func (c *Client) Subscribe(ctx context.Context, subject string, handler MsgHandler) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return ErrNotConnected
	}

	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, c.cfg.handlerTTL)
		defer cancel()
		handler(msgCtx, msg.Subject, msg.Data)
	})
	if err != nil {
		return errors.Wrap(err, "Client", "Subscribe", "subscribe "+subject)
	}
	c.subs = append(c.subs, sub)
	return nil
}

// JetStream returns the JetStream context of the current connection.
func (c *Client) JetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.js == nil {
		return nil, ErrNotConnected
	}
	return c.js, nil
}

// EnsureStream creates the stream or updates it to cfg.
func (c *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := c.JetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}
	return stream, nil
}

// PublishToStream publishes data and waits for the stream acknowledgement.
func (c *Client) PublishToStream(ctx context.Context, subject string, data []byte) error {
	js, err := c.JetStream()
	if err != nil {
		return err
	}
	if _, err := js.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
	}
	return nil
}

// ConsumeStream attaches a durable consumer filtered to subject. handler owns
// acknowledgement of each message.
func (c *Client) ConsumeStream(ctx context.Context, stream, durable, subject string, handler func(jetstream.Msg)) error {
	if c.closed.Load() {
		return errors.WrapInvalid(ErrClosed, "Client", "ConsumeStream", "check client state")
	}
	js, err := c.JetStream()
	if err != nil {
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "ConsumeStream", "create consumer "+durable)
	}

	cc, err := consumer.Consume(handler)
	if err != nil {
		return errors.WrapTransient(err, "Client", "ConsumeStream", "start consumer "+durable)
	}

	key := stream + ":" + durable
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.consumers[key]; ok {
		old.Stop()
	}
	c.consumers[key] = cc
	return nil
}

// RTT measures the round trip to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return 0, ErrNotConnected
	}
	return conn.RTT()
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.status.Store(int32(StatusReconnecting))
	c.logger.Warn("NATS disconnected", "error", err)

	c.mu.RLock()
	fn := c.onLost
	c.mu.RUnlock()
	if fn != nil {
		if err == nil {
			err = errors.ErrConnectionLost
		}
		go fn(err)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.status.Store(int32(StatusConnected))
	c.logger.Info("NATS reconnected", "server", conn.ConnectedUrlRedacted())
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.status.Store(int32(StatusDisconnected))
}

func (c *Client) handleError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("NATS async error", "subject", subject, "error", err)
}
