//go:build integration

package natsbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/natsclient"
	"github.com/zam-cv/microtime/transport"
)

func TestIntegration_RouteRoundTrip(t *testing.T) {
	tc := natsclient.NewTestClient(t)
	b := New(tc.Client, "")
	ctx := t.Context()

	got := make(chan transport.Delivery, 1)
	require.NoError(t, b.Subscribe(ctx, []string{"durable/motion"}, func(_ context.Context, d transport.Delivery) {
		d.Ack()
		got <- d
	}))
	require.NoError(t, b.Publish(ctx, "durable/motion", []byte(`{"headers":{"timestamp":1},"payload":{"steps":3}}`)))

	select {
	case d := <-got:
		assert.Equal(t, "durable/motion", d.Route)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery missing")
	}
}
