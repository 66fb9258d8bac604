package outbox

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
)

var errLinkDown = errors.New("link down")

type publication struct {
	route string
	data  []byte
}

type fakeUplink struct {
	mu        sync.Mutex
	up        bool
	connected bool
	failOn    int // fail the nth publish, 1-based; 0 never
	delay     time.Duration
	publishes int
	connects  int
	closed    bool
	sent      []publication
	onLost    func(error)
}

func (u *fakeUplink) Connect(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.connects++
	if !u.up {
		return errLinkDown
	}
	u.connected = true
	return nil
}

func (u *fakeUplink) Publish(_ context.Context, route string, payload []byte) error {
	u.mu.Lock()
	delay := u.delay
	u.mu.Unlock()
	time.Sleep(delay)

	u.mu.Lock()
	defer u.mu.Unlock()
	u.publishes++
	if !u.up || u.publishes == u.failOn {
		return errLinkDown
	}
	u.sent = append(u.sent, publication{route: route, data: payload})
	return nil
}

func (u *fakeUplink) IsConnected() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}

func (u *fakeUplink) Close(context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.closed = true
	return nil
}

func (u *fakeUplink) SetConnectionLostHandler(fn func(error)) {
	u.onLost = fn
}

func (u *fakeUplink) setUp(up bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.up = up
}

func (u *fakeUplink) connectCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connects
}

func (u *fakeUplink) published() []publication {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]publication(nil), u.sent...)
}

var durableMotion = message.NewRoute(message.Durable, message.Motion)

func stepsEnvelope(n int) message.Envelope {
	return message.NewEnvelope(message.Steps{Steps: uint32(n)}, time.Unix(int64(1000+n), 0))
}

func decodeSteps(t *testing.T, p publication) (uint32, int64) {
	t.Helper()
	env, err := message.Decode(message.Motion, p.data)
	require.NoError(t, err)
	return env.Payload.(message.Steps).Steps, env.Timestamp
}

func snapshotSteps(m *Manager) []uint32 {
	var out []uint32
	for _, e := range m.outbox.Snapshot() {
		out = append(out, e.Envelope.Payload.(message.Steps).Steps)
	}
	return out
}

func testConfig() Config {
	return Config{
		Capacity:           10,
		MaxConnectAttempts: 1000,
		RetryDelay:         5 * time.Millisecond,
		PublishTimeout:     time.Second,
	}
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestManager_DropOldestBeyondCapacity(t *testing.T) {
	up := &fakeUplink{}
	cfg := testConfig()
	cfg.Capacity = 5
	m, err := NewManager(cfg, up)
	require.NoError(t, err)
	startManager(t, m)

	for i := 1; i <= 12; i++ {
		m.Submit(durableMotion, stepsEnvelope(i))
	}

	require.Eventually(t, func() bool {
		s := snapshotSteps(m)
		return len(s) == 5 && s[4] == 12
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []uint32{8, 9, 10, 11, 12}, snapshotSteps(m))
	assert.NotEqual(t, Connected, m.State())
}

func TestManager_ReplayInOrderThenNewEntry(t *testing.T) {
	up := &fakeUplink{}
	now := time.Unix(5000, 0)
	m, err := NewManager(testConfig(), up, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	startManager(t, m)

	for i := 1; i <= 4; i++ {
		m.Submit(durableMotion, stepsEnvelope(i))
	}
	require.Eventually(t, func() bool { return m.Len() == 4 }, time.Second, 5*time.Millisecond)

	up.setUp(true)
	require.Eventually(t, func() bool { return m.Len() == 0 && m.State() == Connected }, time.Second, 5*time.Millisecond)

	m.Submit(durableMotion, stepsEnvelope(5))
	require.Eventually(t, func() bool { return len(up.published()) == 5 }, time.Second, 5*time.Millisecond)

	pubs := up.published()
	for i, p := range pubs {
		steps, ts := decodeSteps(t, p)
		assert.Equal(t, uint32(i+1), steps)
		assert.Equal(t, "durable/motion", p.route)
		if i < 4 {
			assert.Equal(t, now.Unix(), ts, "replayed entries are rebased")
		} else {
			assert.Equal(t, int64(1005), ts, "fresh entries keep their capture time")
		}
	}
}

func TestManager_TemperatureRoundTrip(t *testing.T) {
	up := &fakeUplink{}
	now := time.Unix(1700000600, 0)
	m, err := NewManager(testConfig(), up, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	startManager(t, m)

	route := message.NewRoute(message.Durable, message.Temperature)
	captured := time.Unix(1700000000, 0)
	m.Submit(route, message.NewEnvelope(message.TemperatureReading{Temperature: 21.5}, captured))

	require.Eventually(t, func() bool { return m.Len() == 1 }, time.Second, 5*time.Millisecond)

	up.setUp(true)
	require.Eventually(t, func() bool { return len(up.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, m.Len())

	p := up.published()[0]
	assert.Equal(t, "durable/temperature", p.route)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(p.data, &wire))
	assert.Equal(t, map[string]any{"temperature": 21.5}, wire["payload"])
	assert.Equal(t, float64(now.Unix()), wire["headers"].(map[string]any)["timestamp"])
}

func assertStrictOrder(t *testing.T, pubs []publication, n int, rebased func(step uint32) bool, now time.Time) {
	t.Helper()
	require.Len(t, pubs, n)
	for i, p := range pubs {
		steps, ts := decodeSteps(t, p)
		require.Equal(t, uint32(i+1), steps, "publication %d out of order", i)
		if rebased(steps) {
			assert.Equal(t, now.Unix(), ts, "entry %d", steps)
		} else {
			assert.Equal(t, int64(1000+steps), ts, "entry %d", steps)
		}
	}
}

func TestManager_BacklogSubmittedBeforeRun(t *testing.T) {
	up := &fakeUplink{up: true}
	now := time.Unix(5000, 0)
	cfg := testConfig()
	cfg.Capacity = 100
	m, err := NewManager(cfg, up, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	for i := 1; i <= 40; i++ {
		m.Submit(durableMotion, stepsEnvelope(i))
	}
	startManager(t, m)

	require.Eventually(t, func() bool { return len(up.published()) == 40 }, 2*time.Second, 5*time.Millisecond)
	assertStrictOrder(t, up.published(), 40, func(uint32) bool { return true }, now)
	assert.Equal(t, 0, m.Len())
}

func TestManager_SubmitDuringSlowReplay(t *testing.T) {
	up := &fakeUplink{delay: 5 * time.Millisecond}
	now := time.Unix(5000, 0)
	cfg := testConfig()
	cfg.Capacity = 100
	m, err := NewManager(cfg, up, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	startManager(t, m)

	for i := 1; i <= 10; i++ {
		m.Submit(durableMotion, stepsEnvelope(i))
	}
	up.setUp(true)
	require.Eventually(t, func() bool { return len(up.published()) >= 1 }, time.Second, time.Millisecond)
	for i := 11; i <= 30; i++ {
		m.Submit(durableMotion, stepsEnvelope(i))
	}

	require.Eventually(t, func() bool { return len(up.published()) == 30 }, 2*time.Second, 5*time.Millisecond)
	assertStrictOrder(t, up.published(), 30, func(step uint32) bool { return step <= 10 }, now)
	require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(30), m.Stats().Popped)
}

func TestManager_FailedReplayKeepsHead(t *testing.T) {
	up := &fakeUplink{up: true, failOn: 2}
	m, err := NewManager(testConfig(), up)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		m.Submit(durableMotion, stepsEnvelope(i))
	}
	m.epoch.Add(1)
	m.setState(Connected)

	require.ErrorIs(t, m.replay(context.Background()), errLinkDown)
	m.Submit(durableMotion, stepsEnvelope(4))

	require.Len(t, up.published(), 1)
	steps, _ := decodeSteps(t, up.published()[0])
	assert.Equal(t, uint32(1), steps)
	assert.Equal(t, []uint32{2, 3, 4}, snapshotSteps(m))
	assert.Equal(t, Disconnected, m.State())
}

func TestManager_FailedFreshPublishIsHeld(t *testing.T) {
	up := &fakeUplink{up: true, failOn: 1}
	m, err := NewManager(testConfig(), up)
	require.NoError(t, err)
	m.epoch.Add(1)
	m.setState(Connected)

	m.Submit(durableMotion, stepsEnvelope(1))
	head, ok := m.outbox.Peek()
	require.True(t, ok)
	assert.False(t, m.held(head))

	require.Error(t, m.replay(context.Background()))
	assert.Empty(t, up.published())
	assert.Equal(t, []uint32{1}, snapshotSteps(m))
	assert.Equal(t, Disconnected, m.State())

	// The next connect moves it into the held set.
	m.epoch.Add(1)
	assert.True(t, m.held(head))
}

func TestManager_SubmitAfterRunIsRejected(t *testing.T) {
	up := &fakeUplink{}
	m, err := NewManager(testConfig(), up)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.Run(ctx))

	m.Submit(durableMotion, stepsEnvelope(1))
	assert.Equal(t, 0, m.Len())
	assert.Equal(t, int64(0), m.Stats().Pushed)
}

func TestManager_FatalRestartAfterBudget(t *testing.T) {
	up := &fakeUplink{}
	cfg := testConfig()
	cfg.MaxConnectAttempts = 7
	cfg.RetryDelay = time.Millisecond
	m, err := NewManager(cfg, up)
	require.NoError(t, err)
	startManager(t, m)

	var f FatalRestart
	select {
	case f = <-m.Fatal():
	case <-time.After(2 * time.Second):
		t.Fatal("no FatalRestart")
	}

	assert.Equal(t, 7, f.Attempts)
	assert.Equal(t, 7, up.connectCount())
	assert.True(t, errors.IsFatal(f.LastErr))
	assert.ErrorIs(t, f, errLinkDown)
	assert.False(t, f.At.IsZero())

	// The loop stops retrying after escalating.
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 7, up.connectCount())
	select {
	case <-m.Fatal():
		t.Fatal("second FatalRestart")
	default:
	}
}

func TestManager_ReconnectsAfterConnectionLost(t *testing.T) {
	up := &fakeUplink{up: true}
	m, err := NewManager(testConfig(), up)
	require.NoError(t, err)
	startManager(t, m)

	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, 5*time.Millisecond)

	up.onLost(errLinkDown)
	require.Eventually(t, func() bool {
		return up.connectCount() == 2 && m.State() == Connected
	}, time.Second, 5*time.Millisecond)
}

func TestManager_PublishLive(t *testing.T) {
	up := &fakeUplink{up: true}
	m, err := NewManager(testConfig(), up)
	require.NoError(t, err)

	live := message.NewRoute(message.Live, message.Optical)
	env := message.NewEnvelope(message.HeartRate{HeartRate: 72}, time.Unix(1, 0))

	m.PublishLive(live, env)
	assert.Empty(t, m.live, "dropped while disconnected")

	startManager(t, m)
	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, 5*time.Millisecond)

	m.PublishLive(live, env)
	require.Eventually(t, func() bool { return len(up.published()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "live/optical", up.published()[0].route)
	assert.Equal(t, 0, m.Len(), "live envelopes are never stored")
}

func TestManager_RunClosesUplink(t *testing.T) {
	up := &fakeUplink{up: true}
	m, err := NewManager(testConfig(), up)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	require.NoError(t, <-done)
	up.mu.Lock()
	defer up.mu.Unlock()
	assert.True(t, up.closed)
}

func TestNewManager_RequiresUplink(t *testing.T) {
	_, err := NewManager(DefaultConfig(), nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3000, cfg.Capacity)
	assert.Equal(t, 7, cfg.MaxConnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.RetryDelay)
}
