package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zam-cv/microtime/errors"
)

// Envelope pairs a payload with its capture time in unix seconds.
type Envelope struct {
	Timestamp int64
	Payload   Payload
}

// NewEnvelope stamps p with at.
func NewEnvelope(p Payload, at time.Time) Envelope {
	return Envelope{Timestamp: at.Unix(), Payload: p}
}

// Time returns the timestamp as a time.Time.
func (e Envelope) Time() time.Time {
	return time.Unix(e.Timestamp, 0)
}

// WithTimestamp returns a copy of e carrying t.
func (e Envelope) WithTimestamp(t time.Time) Envelope {
	e.Timestamp = t.Unix()
	return e
}

// Validate checks the payload is present and plausible.
func (e Envelope) Validate() error {
	if e.Payload == nil {
		return errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Validate", "payload is required")
	}
	return e.Payload.Validate()
}

type headers struct {
	Timestamp int64 `json:"timestamp"`
}

type wireFormat struct {
	Headers headers         `json:"headers"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalJSON writes the untagged wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "MarshalJSON", "payload is required")
	}

	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "MarshalJSON", "marshal payload")
	}

	return json.Marshal(wireFormat{
		Headers: headers{Timestamp: e.Timestamp},
		Payload: payload,
	})
}

// Decode parses an envelope whose payload type is selected by driver.
func Decode(driver Driver, data []byte) (Envelope, error) {
	newPayload, ok := decoders[driver]
	if !ok {
		return Envelope{}, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnknownDriver, driver),
			"message", "Decode", "lookup decoder")
	}

	var wire wireFormat
	if err := json.Unmarshal(data, &wire); err != nil {
		return Envelope{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
			"message", "Decode", "unmarshal envelope")
	}
	if len(wire.Payload) == 0 || string(wire.Payload) == "null" {
		return Envelope{}, errors.WrapInvalid(fmt.Errorf("%w: missing payload", errors.ErrDecodeFailed),
			"message", "Decode", "unmarshal envelope")
	}

	payload, err := newPayload(wire.Payload)
	if err != nil {
		return Envelope{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrDecodeFailed, err),
			"message", "Decode", fmt.Sprintf("unmarshal %s payload", driver))
	}

	return Envelope{Timestamp: wire.Headers.Timestamp, Payload: payload}, nil
}
