package testutil

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
)

// SamplePayloads holds one plausible reading per driver.
var SamplePayloads = map[message.Driver]message.Payload{
	message.Temperature: message.TemperatureReading{Temperature: 36.6},
	message.Optical:     message.HeartRate{HeartRate: 72, Red: 51234, IR: 60211},
	message.Motion:      message.Steps{Steps: 1280},
	message.Alert:       message.Report{Status: message.StatusWarning, Description: "button pressed"},
}

// SampleEnvelope wraps the sample payload for driver, stamped at ts.
func SampleEnvelope(driver message.Driver, ts time.Time) message.Envelope {
	return message.NewEnvelope(SamplePayloads[driver], ts)
}

// Encode marshals env or fails the test.
func Encode(t *testing.T, env message.Envelope) []byte {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	return data
}

// Insert is one recorded store write.
type Insert struct {
	Driver   message.Driver
	Envelope message.Envelope
}

// MemoryStore records inserts. Set Fail to make every insert fail with a
// transient error.
type MemoryStore struct {
	mu      sync.Mutex
	inserts []Insert
	closed  bool
	Fail    bool
}

// Insert records env.
func (s *MemoryStore) Insert(_ context.Context, driver message.Driver, env message.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Fail {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "MemoryStore", "Insert", "insert "+string(driver))
	}
	s.inserts = append(s.inserts, Insert{Driver: driver, Envelope: env})
	return nil
}

// Close marks the store closed.
func (s *MemoryStore) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Inserts returns a copy of the recorded writes.
func (s *MemoryStore) Inserts() []Insert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Insert(nil), s.inserts...)
}

// Closed reports whether Close was called.
func (s *MemoryStore) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
