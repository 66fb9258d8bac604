package store

import (
	"encoding/json"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
)

// NewRecord flattens env for storage.
func NewRecord(driver message.Driver, env message.Envelope) (Record, error) {
	if !driver.Valid() {
		return Record{}, errors.WrapInvalid(errors.ErrUnknownDriver, "store", "NewRecord", "check driver "+string(driver))
	}
	if env.Payload == nil {
		return Record{}, errors.WrapInvalid(errors.ErrInvalidData, "store", "NewRecord", "payload is required")
	}
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return Record{}, errors.WrapInvalid(err, "store", "NewRecord", "encode payload")
	}
	return Record{Driver: driver, Timestamp: env.Timestamp, Payload: payload}, nil
}
