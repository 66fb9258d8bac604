package natsclient

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// settings collects everything ClientOptions can change.
type settings struct {
	logger *slog.Logger
	name   string

	maxReconnects int
	reconnectWait time.Duration
	dialTimeout   time.Duration
	drainTimeout  time.Duration
	handlerTTL    time.Duration

	user, pass, token string
	tls               *tls.Config
}

func defaultSettings() settings {
	return settings{
		logger:        slog.Default(),
		maxReconnects: -1,
		reconnectWait: 2 * time.Second,
		dialTimeout:   5 * time.Second,
		drainTimeout:  10 * time.Second,
		handlerTTL:    30 * time.Second,
	}
}

// natsOptions translates the settings; handlers are appended by the client.
func (s settings) natsOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(s.maxReconnects),
		nats.ReconnectWait(s.reconnectWait),
		nats.Timeout(s.dialTimeout),
		nats.DrainTimeout(s.drainTimeout),
	}
	switch {
	case s.token != "":
		opts = append(opts, nats.Token(s.token))
	case s.user != "":
		opts = append(opts, nats.UserInfo(s.user, s.pass))
	}
	if s.tls != nil {
		opts = append(opts, nats.Secure(s.tls))
	}
	if s.name != "" {
		opts = append(opts, nats.Name(s.name))
	}
	return opts
}

// ClientOption configures a Client.
type ClientOption func(*settings) error

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(s *settings) error {
		if logger != nil {
			s.logger = logger
		}
		return nil
	}
}

// WithName sets the connection name the server reports.
func WithName(name string) ClientOption {
	return func(s *settings) error {
		s.name = name
		return nil
	}
}

// WithMaxReconnects bounds automatic redials: -1 redials forever, 0 never.
// With 0 a dropped connection stays down until Connect is called again.
func WithMaxReconnects(n int) ClientOption {
	return func(s *settings) error {
		if n < -1 {
			return fmt.Errorf("max reconnects must be -1 or more, got %d", n)
		}
		s.maxReconnects = n
		return nil
	}
}

// WithReconnectWait sets the pause between automatic redials.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(s *settings) error {
		s.reconnectWait = d
		return nil
	}
}

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(s *settings) error {
		if d <= 0 {
			return fmt.Errorf("timeout must be positive, got %v", d)
		}
		s.dialTimeout = d
		return nil
	}
}

// WithCredentials authenticates with a username and password.
func WithCredentials(user, pass string) ClientOption {
	return func(s *settings) error {
		if user == "" {
			return fmt.Errorf("username is required with credentials")
		}
		s.user, s.pass = user, pass
		return nil
	}
}

// WithToken authenticates with a token. It wins over credentials.
func WithToken(token string) ClientOption {
	return func(s *settings) error {
		s.token = token
		return nil
	}
}

// WithTLSConfig secures the connection, typically with a config from
// pkg/tlsutil.
func WithTLSConfig(cfg *tls.Config) ClientOption {
	return func(s *settings) error {
		s.tls = cfg
		return nil
	}
}
