package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zam-cv/microtime/broker/store"
	"github.com/zam-cv/microtime/broker/store/jetstream"
	"github.com/zam-cv/microtime/broker/store/mongo"
	"github.com/zam-cv/microtime/broker/store/postgres"
	"github.com/zam-cv/microtime/config"
	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/natsclient"
	"github.com/zam-cv/microtime/pkg/retry"
)

// openStore connects the configured backend. shared is the transport's NATS
// connection, if any; a JetStream store reuses it unless the DSN names a
// different server.
func openStore(ctx context.Context, cfg config.StoreConfig, shared *natsclient.Client, logger *slog.Logger) (store.Store, error) {
	switch cfg.Kind {
	case config.StoreNone, "":
		logger.Warn("No durable store configured, durable envelopes are discarded")
		return store.Discard{}, nil

	case config.StorePostgres:
		pg, err := openWithRetry(ctx, logger, retry.Quick(), func() (*postgres.Store, error) {
			return postgres.Open(ctx, cfg.DSN, cfg.TablePrefix)
		})
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close(ctx)
				return nil, err
			}
			logger.Info("Postgres tables ready", "prefix", cfg.TablePrefix)
		}
		return pg, nil

	case config.StoreMongo:
		return openWithRetry(ctx, logger, retry.Quick(), func() (*mongo.Store, error) {
			return mongo.Open(ctx, cfg.DSN, cfg.Database)
		})

	case config.StoreJetStream:
		jsCfg := jetstream.Config{Stream: cfg.Stream, MaxAge: cfg.MaxAge}
		if cfg.DSN == "" || (shared != nil && cfg.DSN == shared.URL()) {
			if shared == nil {
				return nil, errors.WrapInvalid(errors.ErrMissingConfig, "broker", "openStore",
					"jetstream store needs a dsn when the transport is not nats")
			}
			return jetstream.New(ctx, shared, jsCfg)
		}

		nc, err := natsclient.NewClient(cfg.DSN,
			natsclient.WithLogger(logger),
			natsclient.WithName(appName+"-store"),
		)
		if err != nil {
			return nil, err
		}
		if err := retry.Do(ctx, retry.Quick(), func() error { return nc.Connect(ctx) }); err != nil {
			return nil, err
		}
		js, err := jetstream.New(ctx, nc, jsCfg)
		if err != nil {
			_ = nc.Close(ctx)
			return nil, err
		}
		return ownedStore{Store: js, conn: nc}, nil

	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: store kind %q", errors.ErrInvalidConfig, cfg.Kind),
			"broker", "openStore", "select store")
	}
}

// openWithRetry retries open while the backend is unreachable. A bad DSN or
// other invalid configuration fails on the first attempt.
func openWithRetry[T any](ctx context.Context, logger *slog.Logger, cfg retry.Config, open func() (T, error)) (T, error) {
	cfg.OnRetry = func(attempt int, err error, next time.Duration) {
		logger.Warn("Store unreachable, retrying", "attempt", attempt, "retry_in", next, "error", err)
	}
	var invalid error
	v, err := retry.Value(ctx, cfg, func() (T, error) {
		v, err := open()
		if errors.IsInvalid(err) {
			invalid = err
			return v, retry.Permanent(err)
		}
		return v, err
	})
	if invalid != nil {
		return v, invalid
	}
	return v, err
}

// ownedStore closes the NATS connection it was opened on.
type ownedStore struct {
	store.Store
	conn *natsclient.Client
}

func (s ownedStore) Close(ctx context.Context) error {
	err := s.Store.Close(ctx)
	if cerr := s.conn.Close(ctx); err == nil {
		err = cerr
	}
	return err
}
