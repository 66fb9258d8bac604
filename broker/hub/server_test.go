package hub

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/message"
)

func startServer(t *testing.T, opts ...ServerOption) (*Hub, *Server, string) {
	t.Helper()
	h := New(nil)
	srv := NewServer(h, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return h, srv, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func waitSubscribers(t *testing.T, h *Hub, d message.Driver, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Subscribers(d) == n }, 2*time.Second, 5*time.Millisecond)
}

func expectNothing(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
}

func TestServer_SubscribeAndForward(t *testing.T) {
	h, srv, url := startServer(t)
	conn := dial(t, url)

	send(t, conn, "temperature\n")
	waitSubscribers(t, h, message.Temperature, 1)
	assert.Equal(t, 1, srv.Sessions())

	h.Publish(message.Temperature, []byte(`{"headers":{"timestamp":1},"payload":{"temperature":21.5}}`))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, kind)
	assert.Contains(t, string(data), `"temperature":21.5`)
}

func TestServer_SessionsAreIsolated(t *testing.T) {
	h, _, url := startServer(t)
	temp := dial(t, url)
	optical := dial(t, url)

	send(t, temp, "temperature")
	send(t, optical, "optical")
	waitSubscribers(t, h, message.Temperature, 1)
	waitSubscribers(t, h, message.Optical, 1)

	h.Publish(message.Temperature, []byte("t"))

	require.NoError(t, temp.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := temp.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "t", string(data))

	expectNothing(t, optical)
}

func TestServer_RepeatedSubscriptionIsIdempotent(t *testing.T) {
	h, _, url := startServer(t)
	conn := dial(t, url)

	send(t, conn, "motion")
	send(t, conn, "motion")
	send(t, conn, "sonar")
	send(t, conn, "alert")
	waitSubscribers(t, h, message.Alert, 1)
	assert.Equal(t, 1, h.Subscribers(message.Motion))

	h.Publish(message.Motion, []byte("m"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "m", string(data))

	expectNothing(t, conn)
}

func TestServer_DisconnectReleasesSubscriptions(t *testing.T) {
	h, srv, url := startServer(t)
	conn := dial(t, url)

	send(t, conn, "optical")
	waitSubscribers(t, h, message.Optical, 1)

	require.NoError(t, conn.Close())

	waitSubscribers(t, h, message.Optical, 0)
	require.Eventually(t, func() bool { return srv.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestServer_CloseRefusesNewSessions(t *testing.T) {
	h, srv, url := startServer(t)
	conn := dial(t, url)
	send(t, conn, "alert")
	waitSubscribers(t, h, message.Alert, 1)

	srv.Close()
	waitSubscribers(t, h, message.Alert, 0)

	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		require.NoError(t, late.SetReadDeadline(time.Now().Add(time.Second)))
		_, _, err = late.ReadMessage()
		_ = late.Close()
	}
	assert.Error(t, err)
}

func TestServer_FrameRateLimit(t *testing.T) {
	h, _, url := startServer(t, WithFrameRate(0, 1))
	conn := dial(t, url)

	send(t, conn, "temperature")
	send(t, conn, "optical")
	waitSubscribers(t, h, message.Temperature, 1)

	// The second frame arrived after the only token was spent.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, h.Subscribers(message.Optical))
}
