package mqtt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/errors"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{Broker: "localhost:1883", ClientID: "dev-1"}, false},
		{"missing broker", Config{ClientID: "dev-1"}, true},
		{"missing client id", Config{Broker: "localhost:1883"}, true},
		{"bad qos", Config{Broker: "localhost:1883", ClientID: "dev-1", QoS: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.True(t, errors.IsInvalid(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClient_TopicMapping(t *testing.T) {
	c, err := New(Config{Broker: "localhost:1883", ClientID: "x", TopicPrefix: "microtime"}, nil)
	require.NoError(t, err)

	assert.Equal(t, "microtime/durable/temperature", c.Topic("durable/temperature"))

	route, ok := c.Route("microtime/live/optical")
	assert.True(t, ok)
	assert.Equal(t, "live/optical", route)

	_, ok = c.Route("other/live/optical")
	assert.False(t, ok)

	bare, err := New(Config{Broker: "localhost:1883", ClientID: "y"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "live/motion", bare.Topic("live/motion"))
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", brokerURL("localhost:1883"))
	assert.Equal(t, "ssl://broker:8883", brokerURL("ssl://broker:8883"))
}

func TestClient_PublishWhileDisconnected(t *testing.T) {
	c, err := New(Config{Broker: "localhost:1883", ClientID: "z"}, nil)
	require.NoError(t, err)

	assert.False(t, c.IsConnected())
	err = c.Publish(context.Background(), "live/alert", []byte("{}"))
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrNoConnection)
	assert.NoError(t, c.Close(context.Background()))
}
