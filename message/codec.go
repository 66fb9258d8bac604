package message

import (
	"encoding/json"
	"fmt"

	"github.com/zam-cv/microtime/errors"
)

type decodeFunc func(json.RawMessage) (Payload, error)

func decodeAs[T Payload](raw json.RawMessage) (Payload, error) {
	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// decoders selects the payload type for each driver. Adding a Driver
// without an entry here fails ValidateTable at startup.
var decoders = map[Driver]decodeFunc{
	Temperature: decodeAs[TemperatureReading],
	Optical:     decodeAs[HeartRate],
	Motion:      decodeAs[Steps],
	Alert:       decodeAs[Report],
}

// ValidateTable checks that every driver has a decoder and that each decoder
// yields a payload belonging to that driver.
func ValidateTable() error {
	for _, d := range Drivers {
		decode, ok := decoders[d]
		if !ok {
			return errors.WrapFatal(fmt.Errorf("%w: no decoder for %q", errors.ErrInvalidConfig, d),
				"message", "ValidateTable", "check decoder table")
		}

		p, err := decode(json.RawMessage("{}"))
		if err != nil {
			return errors.WrapFatal(err, "message", "ValidateTable", fmt.Sprintf("probe %s decoder", d))
		}
		if p.Driver() != d {
			return errors.WrapFatal(
				fmt.Errorf("%w: decoder for %q yields %q payloads", errors.ErrInvalidConfig, d, p.Driver()),
				"message", "ValidateTable", "check decoder table")
		}
	}

	if len(decoders) != len(Drivers) {
		return errors.WrapFatal(fmt.Errorf("%w: decoder table has %d entries for %d drivers",
			errors.ErrInvalidConfig, len(decoders), len(Drivers)), "message", "ValidateTable", "check decoder table")
	}
	return nil
}
