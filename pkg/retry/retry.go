package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// ErrExhausted is wrapped into the error returned when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

type permanentError struct{ err error }

func (e permanentError) Error() string { return "permanent: " + e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Config bounds a retry loop. Zero fields take the DefaultConfig values,
// except MaxAttempts where zero means a single attempt.
type Config struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Multiplier scales the delay after each failure; 1 keeps it constant.
	Multiplier float64
	// AddJitter stretches each delay by up to a quarter.
	AddJitter bool

	// OnRetry runs after a failed attempt that will be retried, with that
	// attempt's number and the pause before the next one.
	OnRetry func(attempt int, err error, next time.Duration)
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
		AddJitter:    true,
	}
}

// Quick suits connections made at startup.
func Quick() Config {
	return Config{
		MaxAttempts:  10,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   1.5,
		AddJitter:    true,
	}
}

// Constant retries attempts times with a fixed delay.
func Constant(attempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Multiplier:   1,
	}
}

// Link is the device uplink reconnect budget: seven attempts ten seconds
// apart, after which the device gives up and restarts.
func Link() Config {
	return Constant(7, 10*time.Second)
}

func (c Config) normalized() (Config, error) {
	if c.InitialDelay < 0 || c.MaxDelay < 0 || c.Multiplier < 0 {
		return c, errors.New("retry: delays and multiplier must not be negative")
	}
	d := DefaultConfig()
	c.MaxAttempts = max(c.MaxAttempts, 1)
	if c.InitialDelay == 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay == 0 {
		c.MaxDelay = max(d.MaxDelay, c.InitialDelay)
	}
	if c.Multiplier == 0 {
		c.Multiplier = d.Multiplier
	}
	c.Multiplier = min(c.Multiplier, 1000)
	if c.MaxDelay < c.InitialDelay {
		return c, errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	return c, nil
}

// pause returns the wait before the next attempt and advances delay.
func (c Config) pause(delay *time.Duration) time.Duration {
	d := *delay
	if c.AddJitter && d >= 4 {
		d += rand.N(d / 4)
	}
	next := time.Duration(float64(*delay) * c.Multiplier)
	if next <= 0 || next > c.MaxDelay {
		next = c.MaxDelay
	}
	*delay = next
	return d
}

// Do calls fn until it succeeds, returns a Permanent error, ctx ends or the
// attempts run out. An exhausted loop wraps ErrExhausted and the last error.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	cfg, err := cfg.normalized()
	if err != nil {
		return err
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; ; attempt++ {
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) {
			return lastErr
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			return fmt.Errorf("retry failed after %d attempts: %w", attempt, errors.Join(ErrExhausted, lastErr))
		}

		wait := cfg.pause(&delay)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr, wait)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled waiting for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}
}

// Value is Do for functions that produce a result.
func Value[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var v T
	err := Do(ctx, cfg, func() error {
		var err error
		v, err = fn()
		return err
	})
	return v, err
}
