package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
)

type memStore struct {
	mu      sync.Mutex
	err     error
	calls   int
	records []Record
	block   chan struct{}
}

func (m *memStore) Insert(_ context.Context, driver message.Driver, env message.Envelope) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return m.err
	}
	m.records = append(m.records, Record{Driver: driver, Timestamp: env.Timestamp})
	return nil
}

func (m *memStore) Close(context.Context) error { return nil }

func (m *memStore) snapshot() (int, []Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls, append([]Record(nil), m.records...)
}

type mockStore struct {
	mock.Mock
}

func (m *mockStore) Insert(ctx context.Context, driver message.Driver, env message.Envelope) error {
	return m.Called(ctx, driver, env).Error(0)
}

func (m *mockStore) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func tempEnvelope(ts int64) message.Envelope {
	return message.NewEnvelope(message.TemperatureReading{Temperature: 21.5}, time.Unix(ts, 0))
}

func startWriter(t *testing.T, s Store, cfg WriterConfig) *Writer {
	t.Helper()
	w := NewWriter(s, cfg, nil, nil)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop(time.Second) })
	return w
}

func TestWriter_PersistsAsynchronously(t *testing.T) {
	s := &memStore{}
	w := startWriter(t, s, WriterConfig{Workers: 1})

	for i := range 3 {
		w.Persist(message.Temperature, tempEnvelope(int64(100+i)))
	}

	require.Eventually(t, func() bool {
		_, recs := s.snapshot()
		return len(recs) == 3
	}, time.Second, 5*time.Millisecond)

	_, recs := s.snapshot()
	assert.Equal(t, message.Temperature, recs[0].Driver)
	assert.Equal(t, int64(100), recs[0].Timestamp)
}

func TestWriter_FailuresAreDropped(t *testing.T) {
	s := &memStore{err: errors.ErrStorageUnavailable}
	w := startWriter(t, s, WriterConfig{Workers: 1, BreakerFailures: 100})

	w.Persist(message.Motion, tempEnvelope(1))
	w.Persist(message.Motion, tempEnvelope(2))

	require.Eventually(t, func() bool {
		return w.Stats().Failed == 2
	}, time.Second, 5*time.Millisecond)

	calls, recs := s.snapshot()
	assert.Equal(t, 2, calls, "no retries")
	assert.Empty(t, recs)
}

func TestWriter_BreakerShortCircuits(t *testing.T) {
	s := &memStore{err: errors.ErrStorageUnavailable}
	w := startWriter(t, s, WriterConfig{Workers: 1, BreakerFailures: 3, BreakerDelay: time.Hour})

	for i := range 10 {
		w.Persist(message.Alert, tempEnvelope(int64(i)))
	}

	require.Eventually(t, func() bool {
		return w.Stats().Failed == 10
	}, time.Second, 5*time.Millisecond)

	calls, _ := s.snapshot()
	assert.Equal(t, 3, calls, "open breaker keeps further writes off the store")
	assert.True(t, w.BreakerOpen())
}

func TestWriter_FullQueueDrops(t *testing.T) {
	s := &memStore{block: make(chan struct{})}
	w := startWriter(t, s, WriterConfig{Workers: 1, QueueSize: 1})

	// One in flight, one queued, the rest dropped.
	for i := range 5 {
		w.Persist(message.Optical, tempEnvelope(int64(i)))
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(3), w.Stats().Dropped)

	close(s.block)
	require.Eventually(t, func() bool {
		_, recs := s.snapshot()
		return len(recs) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestWriter_InsertCarriesDeadline(t *testing.T) {
	s := &mockStore{}
	env := tempEnvelope(42)
	done := make(chan struct{})

	hasDeadline := mock.MatchedBy(func(ctx context.Context) bool {
		_, ok := ctx.Deadline()
		return ok
	})
	s.On("Insert", hasDeadline, message.Temperature, env).
		Return(nil).
		Once().
		Run(func(mock.Arguments) { close(done) })

	w := startWriter(t, s, WriterConfig{Workers: 1, WriteTimeout: time.Second})
	w.Persist(message.Temperature, env)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("insert never reached the store")
	}
	s.AssertExpectations(t)
}
