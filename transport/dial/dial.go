// Package dial builds a transport.Client from configuration.
package dial

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zam-cv/microtime/config"
	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/natsclient"
	"github.com/zam-cv/microtime/pkg/tlsutil"
	"github.com/zam-cv/microtime/transport"
	"github.com/zam-cv/microtime/transport/mqtt"
	"github.com/zam-cv/microtime/transport/natsbus"
)

// Role decides who owns reconnects.
type Role int

const (
	// Device clients never redial on their own; the outbox link manager
	// does, and gives up after its budget.
	Device Role = iota
	// Broker clients redial forever and restore subscriptions.
	Broker
)

func (r Role) String() string {
	if r == Device {
		return "device"
	}
	return "broker"
}

// Result carries the client and, for NATS, the underlying connection so
// JetStream users can share it.
type Result struct {
	Client transport.Client
	NATS   *natsclient.Client
}

// New builds a disconnected client for cfg.
func New(cfg config.TransportConfig, role Role, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("microtime-%s-%s", role, uuid.NewString()[:8])
	}

	tlsCfg, err := tlsutil.ClientConfig(cfg.TLS)
	if err != nil {
		return Result{}, err
	}

	switch cfg.Kind {
	case config.TransportMQTT:
		c, err := mqtt.New(mqtt.Config{
			Broker:         cfg.URL,
			ClientID:       clientID,
			Username:       cfg.Username,
			Password:       cfg.Password,
			TopicPrefix:    cfg.Prefix,
			QoS:            byte(cfg.QoS),
			ConnectTimeout: cfg.ConnectTimeout,
			AutoReconnect:  role == Broker,
			TLS:            tlsCfg,
		}, logger)
		if err != nil {
			return Result{}, err
		}
		return Result{Client: c}, nil

	case config.TransportNATS:
		opts := []natsclient.ClientOption{
			natsclient.WithLogger(logger),
			natsclient.WithName(clientID),
		}
		if cfg.ConnectTimeout > 0 {
			opts = append(opts, natsclient.WithTimeout(cfg.ConnectTimeout))
		}
		if role == Device {
			opts = append(opts, natsclient.WithMaxReconnects(0))
		} else {
			opts = append(opts, natsclient.WithMaxReconnects(-1), natsclient.WithReconnectWait(2*time.Second))
		}
		if cfg.Username != "" {
			opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
		}
		if cfg.Token != "" {
			opts = append(opts, natsclient.WithToken(cfg.Token))
		}
		if tlsCfg != nil {
			opts = append(opts, natsclient.WithTLSConfig(tlsCfg))
		}
		nc, err := natsclient.NewClient(cfg.URL, opts...)
		if err != nil {
			return Result{}, err
		}
		return Result{Client: natsbus.New(nc, cfg.Prefix), NATS: nc}, nil

	default:
		return Result{}, errors.WrapInvalid(fmt.Errorf("%w: transport kind %q", errors.ErrInvalidConfig, cfg.Kind),
			"dial", "New", "select transport")
	}
}
