package outbox

import (
	"fmt"
	"time"
)

// LinkState is the uplink connection state as seen by the Manager.
type LinkState int32

const (
	Disconnected LinkState = iota
	Connecting
	Connected
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("LinkState(%d)", int32(s))
	}
}

// FatalRestart reports that the reconnect budget was spent. The process is
// expected to exit and be restarted by its supervisor.
type FatalRestart struct {
	Attempts int
	LastErr  error
	At       time.Time
}

func (f FatalRestart) Error() string {
	return fmt.Sprintf("uplink unreachable after %d attempts: %v", f.Attempts, f.LastErr)
}

func (f FatalRestart) Unwrap() error {
	return f.LastErr
}
