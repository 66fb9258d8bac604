// Package breaker implements the per-sensor windowed error budget.
//
// A Breaker counts errors and reports when the count reaches its ceiling.
// A background ticker zeros the count at every window boundary, so a sensor
// gets a fresh budget each window even if it never succeeds in between.
package breaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the budget window used when none is configured.
const DefaultWindow = 60 * time.Second

// Ticker abstracts time.Ticker so tests can drive window boundaries.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

// Breaker is safe for concurrent use.
type Breaker struct {
	ceiling int64
	window  time.Duration
	count   atomic.Int64
	resets  atomic.Int64

	newTicker func(time.Duration) Ticker

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithTicker replaces the wall-clock ticker.
func WithTicker(fn func(time.Duration) Ticker) Option {
	return func(b *Breaker) {
		b.newTicker = fn
	}
}

// New creates a breaker that trips after ceiling errors within window.
// A ceiling below 1 is treated as 1; a non-positive window uses DefaultWindow.
func New(ceiling int, window time.Duration, opts ...Option) *Breaker {
	if ceiling < 1 {
		ceiling = 1
	}
	if window <= 0 {
		window = DefaultWindow
	}

	b := &Breaker{
		ceiling: int64(ceiling),
		window:  window,
		newTicker: func(d time.Duration) Ticker {
			return realTicker{time.NewTicker(d)}
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Start launches the window ticker. It runs until ctx is cancelled or Stop
// is called. Calling Start on a running breaker is a no-op.
func (b *Breaker) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.stopped = make(chan struct{})

	ticker := b.newTicker(b.window)
	go func(done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
				b.count.Store(0)
				b.resets.Add(1)
			}
		}
	}(b.stopped)
}

// Stop halts the window ticker and waits for it to exit.
func (b *Breaker) Stop() {
	b.mu.Lock()
	cancel, done := b.cancel, b.stopped
	b.cancel, b.stopped = nil, nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// RecordError counts one failure.
func (b *Breaker) RecordError() {
	b.count.Add(1)
}

// OverBudget reports whether the errors recorded in this window reached the ceiling.
func (b *Breaker) OverBudget() bool {
	return b.count.Load() >= b.ceiling
}

// Reset zeros the count, typically after a successful reinitialization.
func (b *Breaker) Reset() {
	b.count.Store(0)
}

// Count returns the errors recorded in the current window.
func (b *Breaker) Count() int {
	return int(b.count.Load())
}

// Ceiling returns the configured error budget.
func (b *Breaker) Ceiling() int {
	return int(b.ceiling)
}

// WindowResets returns how many window boundaries have passed since Start.
func (b *Breaker) WindowResets() int64 {
	return b.resets.Load()
}
