package outbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
)

func TestRebasePolicies(t *testing.T) {
	captured := time.Unix(1000, 0)
	entry := Entry{
		Route:      message.NewRoute(message.Durable, message.Temperature),
		Envelope:   message.NewEnvelope(message.TemperatureReading{Temperature: 20}, captured),
		EnqueuedAt: time.Unix(1002, 0),
	}
	now := time.Unix(1100, 0)

	tests := []struct {
		name   string
		policy RebasePolicy
		want   int64
	}{
		{"now", RebaseToNow, 1100},
		{"queue age", AdvanceByQueueAge, 1098},
		{"capture", KeepCaptureTime, 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy(entry, now)
			assert.Equal(t, tt.want, got.Timestamp)
			assert.Equal(t, entry.Envelope.Payload, got.Payload)
		})
	}
	assert.Equal(t, int64(1000), entry.Envelope.Timestamp, "policies return copies")
}

func TestParseRebasePolicy(t *testing.T) {
	for _, name := range []string{"", "now", "queue_age", "capture"} {
		p, err := ParseRebasePolicy(name)
		require.NoError(t, err, name)
		assert.NotNil(t, p)
	}

	_, err := ParseRebasePolicy("double")
	assert.True(t, errors.IsInvalid(err))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestLinkState_String(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "LinkState(9)", LinkState(9).String())
}
