//go:build integration

package mqtt

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zam-cv/microtime/transport"
)

func startMosquitto(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "eclipse-mosquitto:2",
			ExposedPorts: []string{"1883/tcp"},
			Cmd:          []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
			WaitingFor:   wait.ForListeningPort("1883/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "1883")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	broker := startMosquitto(t)
	ctx := t.Context()

	sub, err := New(Config{Broker: broker, ClientID: "broker", TopicPrefix: "microtime", AutoReconnect: true}, nil)
	require.NoError(t, err)
	require.NoError(t, sub.Connect(ctx))
	defer sub.Close(ctx)

	got := make(chan transport.Delivery, 1)
	require.NoError(t, sub.Subscribe(ctx, []string{"durable/temperature"}, func(_ context.Context, d transport.Delivery) {
		d.Ack()
		got <- d
	}))

	pub, err := New(Config{Broker: broker, ClientID: "device", TopicPrefix: "microtime"}, nil)
	require.NoError(t, err)
	require.NoError(t, pub.Connect(ctx))
	defer pub.Close(ctx)

	body := `{"headers":{"timestamp":1},"payload":{"temperature":21.5}}`
	require.NoError(t, pub.Publish(ctx, "durable/temperature", []byte(body)))

	select {
	case d := <-got:
		assert.Equal(t, "durable/temperature", d.Route)
		assert.JSONEq(t, body, string(d.Payload))
	case <-time.After(5 * time.Second):
		t.Fatal("message not delivered")
	}
}
