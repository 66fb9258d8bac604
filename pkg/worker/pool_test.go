package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func process(_ context.Context, w testWork) error {
	time.Sleep(w.delay)
	if w.fail {
		return errors.New("work failed")
	}
	return nil
}

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(5, 100, process)
	if pool.workers != 5 || cap(pool.queue) != 100 {
		t.Errorf("unexpected sizing %d/%d", pool.workers, cap(pool.queue))
	}

	pool = NewPool(0, 0, process)
	if pool.workers != 4 {
		t.Errorf("expected default 4 workers, got %d", pool.workers)
	}
	if cap(pool.queue) != 256 {
		t.Errorf("expected default queue size 256, got %d", cap(pool.queue))
	}
}

func TestNewPool_NilProcessor(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("expected panic for nil processor")
		}
	}()
	NewPool[testWork](5, 100, nil)
}

func TestPool_Lifecycle(t *testing.T) {
	var processed int64
	pool := NewPool(2, 10, func(_ context.Context, _ testWork) error {
		atomic.AddInt64(&processed, 1)
		return nil
	})

	if err := pool.Submit(testWork{}); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}

	ctx := context.Background()
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("failed to start pool: %v", err)
	}
	if err := pool.Start(ctx); !errors.Is(err, ErrStarted) {
		t.Errorf("expected ErrStarted, got %v", err)
	}

	for i := range 5 {
		if err := pool.Submit(testWork{id: i}); err != nil {
			t.Errorf("failed to submit work %d: %v", i, err)
		}
	}

	if err := pool.Stop(5 * time.Second); err != nil {
		t.Fatalf("failed to stop pool: %v", err)
	}
	if got := atomic.LoadInt64(&processed); got != 5 {
		t.Errorf("expected 5 processed items, got %d", got)
	}
	if err := pool.Submit(testWork{}); !errors.Is(err, ErrStopped) {
		t.Errorf("expected ErrStopped, got %v", err)
	}
	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("second stop should be a no-op, got %v", err)
	}
}

func TestPool_QueueFull(t *testing.T) {
	release := make(chan struct{})
	pool := NewPool(1, 1, func(_ context.Context, _ testWork) error {
		<-release
		return nil
	})
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	// Wait for the single worker to pick up the first item.
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))

	err := pool.Submit(testWork{id: 3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), pool.Stats().Dropped)

	close(release)
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(2), pool.Stats().Processed)
}

func TestPool_ErrorHandler(t *testing.T) {
	var (
		mu     sync.Mutex
		failed []int
	)
	pool := NewPool(2, 10, process, WithErrorHandler(func(w testWork, err error) {
		mu.Lock()
		defer mu.Unlock()
		failed = append(failed, w.id)
	}))
	require.NoError(t, pool.Start(context.Background()))

	for i := range 6 {
		require.NoError(t, pool.Submit(testWork{id: i, fail: i%2 == 0}))
	}
	require.NoError(t, pool.Stop(time.Second))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []int{0, 2, 4}, failed)

	stats := pool.Stats()
	assert.Equal(t, int64(6), stats.Processed)
	assert.Equal(t, int64(3), stats.Failed)
}

func TestPool_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(2, 10, process)
	require.NoError(t, pool.Start(ctx))

	cancel()

	done := make(chan struct{})
	go func() {
		pool.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not exit after context cancellation")
	}
}

func TestPool_StopTimeout(t *testing.T) {
	pool := NewPool(1, 4, process)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{delay: 200 * time.Millisecond}))
	time.Sleep(10 * time.Millisecond)

	assert.ErrorIs(t, pool.Stop(10*time.Millisecond), ErrStopDeadline)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool := NewPool(1, 4, process, WithMetricsRegistry[testWork](registry, "store"))
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{}))
	require.NoError(t, pool.Submit(testWork{fail: true}))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, 2.0, testutil.ToFloat64(pool.metrics.items.WithLabelValues(outcomeAccepted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.items.WithLabelValues(outcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(pool.metrics.items.WithLabelValues(outcomeFailed)))
	assert.Equal(t, 0.0, testutil.ToFloat64(pool.metrics.depth))
}
