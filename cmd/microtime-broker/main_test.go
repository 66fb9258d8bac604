package main

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/broker/store"
	"github.com/zam-cv/microtime/config"
	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/health"
	"github.com/zam-cv/microtime/pkg/retry"
)

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"empty list allows all", nil, "https://evil.example", true},
		{"wildcard", []string{"*"}, "https://any.example", true},
		{"exact origin", []string{"https://app.example"}, "https://app.example", true},
		{"host only", []string{"app.example"}, "https://app.example", true},
		{"not listed", []string{"https://app.example"}, "https://evil.example", false},
		{"no origin header", []string{"https://app.example"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/ws/", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, originChecker(tt.allowed)(r))
		})
	}
}

func TestOpenStore_None(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := openStore(context.Background(), config.StoreConfig{Kind: config.StoreNone}, nil, logger)
	require.NoError(t, err)
	assert.IsType(t, store.Discard{}, s)
}

func TestOpenStore_Errors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := openStore(context.Background(), config.StoreConfig{Kind: "redis"}, nil, logger)
	assert.True(t, errors.IsInvalid(err))

	_, err = openStore(context.Background(), config.StoreConfig{Kind: config.StoreJetStream}, nil, logger)
	assert.True(t, errors.IsInvalid(err))
}

func TestOpenWithRetry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := retry.Constant(5, time.Millisecond)

	t.Run("retries unreachable backend", func(t *testing.T) {
		calls := 0
		v, err := openWithRetry(context.Background(), logger, cfg, func() (string, error) {
			calls++
			if calls < 3 {
				return "", errors.WrapTransient(errors.ErrStorageUnavailable, "test", "open", "ping")
			}
			return "db", nil
		})
		require.NoError(t, err)
		assert.Equal(t, "db", v)
		assert.Equal(t, 3, calls)
	})

	t.Run("invalid config is not retried", func(t *testing.T) {
		calls := 0
		_, err := openWithRetry(context.Background(), logger, cfg, func() (string, error) {
			calls++
			return "", errors.WrapInvalid(errors.ErrMissingConfig, "test", "open", "uri is required")
		})
		assert.True(t, errors.IsInvalid(err))
		assert.False(t, retry.IsPermanent(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("gives up after budget", func(t *testing.T) {
		calls := 0
		_, err := openWithRetry(context.Background(), logger, cfg, func() (string, error) {
			calls++
			return "", errors.ErrStorageUnavailable
		})
		assert.ErrorIs(t, err, retry.ErrExhausted)
		assert.Equal(t, 5, calls)
	})
}

func TestTransportStatus(t *testing.T) {
	st := transportStatus(false, nil)
	assert.Equal(t, health.StateUnhealthy, st.State)

	st = transportStatus(true, nil)
	assert.Equal(t, health.StateHealthy, st.State)
	assert.Equal(t, "connected", st.Message)

	st = transportStatus(true, func() (time.Duration, error) { return 3 * time.Millisecond, nil })
	assert.Equal(t, health.StateHealthy, st.State)
	assert.Equal(t, "connected, rtt 3ms", st.Message)

	st = transportStatus(true, func() (time.Duration, error) { return 0, errors.ErrConnectionTimeout })
	assert.Equal(t, health.StateDegraded, st.State)
}

func TestParseFlags(t *testing.T) {
	t.Setenv("MICROTIME_CONFIG", "base.yaml, prod.yaml")
	t.Setenv("MICROTIME_LOG_LEVEL", "")
	t.Setenv("MICROTIME_LOG_FORMAT", "")

	cli, err := parseFlags(nil, io.Discard)
	require.NoError(t, err)
	assert.Equal(t, []string{"base.yaml", "prod.yaml"}, cli.ConfigPaths)

	_, err = parseFlags([]string{"-log-format", "xml"}, io.Discard)
	assert.Error(t, err)
}
