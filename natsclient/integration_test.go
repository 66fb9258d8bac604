//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx := t.Context()

	got := make(chan string, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "microtime.live.>", func(_ context.Context, subject string, data []byte) {
		got <- subject + " " + string(data)
	}))

	require.NoError(t, tc.Client.Publish(ctx, "microtime.live.optical", []byte("{}")))

	select {
	case msg := <-got:
		assert.Equal(t, "microtime.live.optical {}", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestIntegration_StreamRoundTrip(t *testing.T) {
	tc := NewTestClient(t, WithJetStream())
	ctx := t.Context()

	_, err := tc.Client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:     "TELEMETRY",
		Subjects: []string{"telemetry.>"},
	})
	require.NoError(t, err)

	require.NoError(t, tc.Client.PublishToStream(ctx, "telemetry.temperature", []byte(`{"temperature":21.5}`)))

	got := make(chan []byte, 1)
	require.NoError(t, tc.Client.ConsumeStream(ctx, "TELEMETRY", "test", "telemetry.>", func(msg jetstream.Msg) {
		got <- msg.Data()
		_ = msg.Ack()
	}))

	select {
	case data := <-got:
		assert.JSONEq(t, `{"temperature":21.5}`, string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("stream message not consumed")
	}
}

func TestIntegration_ConnectionLostHandler(t *testing.T) {
	tc := NewTestClient(t)

	lost := make(chan error, 1)
	tc.Client.SetConnectionLostHandler(func(err error) { lost <- err })

	require.NoError(t, tc.container.Stop(context.Background(), nil))

	select {
	case err := <-lost:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("connection loss not reported")
	}
}
