// Package jetstream appends durable telemetry to a NATS JetStream stream so
// other services can replay it.
package jetstream

import (
	"context"
	"encoding/json"
	"time"

	natsjs "github.com/nats-io/nats.go/jetstream"

	"github.com/zam-cv/microtime/broker/store"
	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
	"github.com/zam-cv/microtime/natsclient"
)

// Defaults for Config.
const (
	DefaultStream = "TELEMETRY"
	DefaultPrefix = "microtime.store"
)

// Config names the stream and bounds its retention.
type Config struct {
	Stream        string
	SubjectPrefix string
	MaxAge        time.Duration
	Replicas      int
}

// Store publishes envelopes to <prefix>.<driver> and waits for the stream ack.
type Store struct {
	client *natsclient.Client
	cfg    Config
}

var _ store.Store = (*Store)(nil)

// New ensures the stream exists on a connected client.
func New(ctx context.Context, client *natsclient.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "jetstream", "New", "client is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultPrefix
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	_, err := client.EnsureStream(ctx, natsjs.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Storage:   natsjs.FileStorage,
		Retention: natsjs.LimitsPolicy,
		MaxAge:    cfg.MaxAge,
		Replicas:  cfg.Replicas,
	})
	if err != nil {
		return nil, err
	}
	return &Store{client: client, cfg: cfg}, nil
}

// Subject returns the stream subject for driver.
func (s *Store) Subject(driver message.Driver) string {
	return s.cfg.SubjectPrefix + "." + string(driver)
}

// Insert appends env in wire form.
func (s *Store) Insert(ctx context.Context, driver message.Driver, env message.Envelope) error {
	if !driver.Valid() {
		return errors.WrapInvalid(errors.ErrUnknownDriver, "jetstream", "Insert", "check driver "+string(driver))
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "jetstream", "Insert", "encode envelope")
	}
	return s.client.PublishToStream(ctx, s.Subject(driver), data)
}

// Close is a no-op; the client belongs to the caller.
func (s *Store) Close(context.Context) error {
	return nil
}
