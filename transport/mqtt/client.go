// Package mqtt carries routes over an MQTT broker using the Eclipse Paho
// client. Routes map one-to-one onto topics, optionally under a prefix.
package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/transport"
)

// Config describes the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	// TopicPrefix is prepended to every route, e.g. "microtime" gives
	// "microtime/durable/temperature".
	TopicPrefix string
	QoS         byte

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	KeepAlive      time.Duration

	// AutoReconnect lets Paho redial on its own and restore subscriptions.
	// The device leaves it off so its link manager owns reconnects.
	AutoReconnect bool

	// TLS is used for ssl://, tls:// and wss:// brokers.
	TLS *tls.Config
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 30 * time.Second
	}
}

// Validate checks the fields a connection needs.
func (c Config) Validate() error {
	if c.Broker == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqtt", "Validate", "broker is required")
	}
	if c.ClientID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "mqtt", "Validate", "client id is required")
	}
	if c.QoS > 2 {
		return errors.WrapInvalid(fmt.Errorf("%w: qos %d", errors.ErrInvalidConfig, c.QoS),
			"mqtt", "Validate", "check qos")
	}
	return nil
}

// Client is a transport.Uplink and transport.Bus over MQTT.
type Client struct {
	cfg    Config
	client paho.Client
	logger *slog.Logger

	mu      sync.RWMutex
	onLost  func(error)
	filters map[string]byte
	handler transport.Handler
	subCtx  context.Context
}

var (
	_ transport.Uplink = (*Client)(nil)
	_ transport.Bus    = (*Client)(nil)
)

// New creates a disconnected client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "mqtt", "broker", cfg.Broker),
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(brokerURL(cfg.Broker))
	opts.SetClientID(cfg.ClientID)
	opts.SetKeepAlive(cfg.KeepAlive)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(cfg.AutoReconnect)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(true)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.TLS != nil {
		opts.SetTLSConfig(cfg.TLS)
	}
	opts.SetConnectionLostHandler(c.connectionLost)
	opts.SetOnConnectHandler(c.onConnect)

	c.client = paho.NewClient(opts)
	return c, nil
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Topic maps a route onto an MQTT topic.
func (c *Client) Topic(route string) string {
	if c.cfg.TopicPrefix == "" {
		return route
	}
	return c.cfg.TopicPrefix + "/" + route
}

// Route maps an MQTT topic back onto a route. It returns false for topics
// outside the prefix.
func (c *Client) Route(topic string) (string, bool) {
	if c.cfg.TopicPrefix == "" {
		return topic, true
	}
	return strings.CutPrefix(topic, c.cfg.TopicPrefix+"/")
}

// Connect dials the broker once.
func (c *Client) Connect(ctx context.Context) error {
	if c.client.IsConnected() {
		return nil
	}
	if err := wait(ctx, c.client.Connect(), c.cfg.ConnectTimeout); err != nil {
		return errors.WrapTransient(err, "Client", "Connect", "connect to "+c.cfg.Broker)
	}
	c.logger.Info("mqtt connected", "client_id", c.cfg.ClientID)
	return nil
}

// IsConnected reports whether the client has a live connection.
func (c *Client) IsConnected() bool {
	return c.client.IsConnectionOpen()
}

// SetConnectionLostHandler registers fn to run when the connection drops.
func (c *Client) SetConnectionLostHandler(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = fn
}

// Publish sends payload on the route's topic and waits for the broker.
func (c *Client) Publish(ctx context.Context, route string, payload []byte) error {
	if !c.client.IsConnectionOpen() {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", "publish "+route)
	}
	tok := c.client.Publish(c.Topic(route), c.cfg.QoS, false, payload)
	if err := wait(ctx, tok, c.cfg.PublishTimeout); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish "+route)
	}
	return nil
}

// Subscribe registers h for routes. With AutoReconnect the subscription is
// restored after every reconnect.
func (c *Client) Subscribe(ctx context.Context, routes []string, h transport.Handler) error {
	filters := make(map[string]byte, len(routes))
	for _, r := range routes {
		filters[c.Topic(r)] = c.cfg.QoS
	}

	c.mu.Lock()
	c.filters = filters
	c.handler = h
	c.subCtx = ctx
	c.mu.Unlock()

	return c.subscribe(ctx)
}

func (c *Client) subscribe(ctx context.Context) error {
	c.mu.RLock()
	filters := c.filters
	c.mu.RUnlock()
	if len(filters) == 0 {
		return nil
	}

	tok := c.client.SubscribeMultiple(filters, c.dispatch)
	if err := wait(ctx, tok, c.cfg.ConnectTimeout); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrSubscriptionFailed, err),
			"Client", "Subscribe", "subscribe")
	}
	c.logger.Info("mqtt subscribed", "topics", len(filters))
	return nil
}

func (c *Client) dispatch(_ paho.Client, msg paho.Message) {
	c.mu.RLock()
	h, ctx := c.handler, c.subCtx
	c.mu.RUnlock()
	if h == nil {
		return
	}

	route, ok := c.Route(msg.Topic())
	if !ok {
		c.logger.Debug("ignoring topic outside prefix", "topic", msg.Topic())
		msg.Ack()
		return
	}
	h(ctx, transport.Delivery{Route: route, Payload: msg.Payload(), Ack: msg.Ack})
}

// Close disconnects, giving in-flight work up to a quarter second.
func (c *Client) Close(context.Context) error {
	if c.client.IsConnected() {
		c.client.Disconnect(250)
		c.logger.Info("mqtt disconnected")
	}
	return nil
}

func (c *Client) connectionLost(_ paho.Client, err error) {
	c.logger.Warn("mqtt connection lost", "error", err, "auto_reconnect", c.cfg.AutoReconnect)

	c.mu.RLock()
	fn := c.onLost
	c.mu.RUnlock()
	if fn != nil {
		fn(err)
	}
}

// onConnect restores subscriptions after Paho's own reconnects.
func (c *Client) onConnect(paho.Client) {
	if !c.cfg.AutoReconnect {
		return
	}
	c.mu.RLock()
	ctx := c.subCtx
	c.mu.RUnlock()
	if ctx == nil {
		return
	}
	go func() {
		if err := c.subscribe(ctx); err != nil {
			c.logger.Error("restoring subscriptions failed", "error", err)
		}
	}()
}

// wait blocks until tok completes, ctx ends or timeout passes.
func wait(ctx context.Context, tok paho.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.ErrConnectionTimeout
	}
}
