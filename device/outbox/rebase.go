package outbox

import (
	"fmt"
	"time"

	"github.com/zam-cv/microtime/errors"
	"github.com/zam-cv/microtime/message"
)

// Entry is one envelope waiting in the outbox.
type Entry struct {
	Route      message.Route
	Envelope   message.Envelope
	EnqueuedAt time.Time

	epoch uint64
	seq   uint64
}

// RebasePolicy chooses the timestamp a replayed entry is published with.
type RebasePolicy func(e Entry, now time.Time) message.Envelope

// RebaseToNow stamps replayed entries with the drain time. A whole backlog
// therefore lands within a second or two of each other.
func RebaseToNow(e Entry, now time.Time) message.Envelope {
	return e.Envelope.WithTimestamp(now)
}

// AdvanceByQueueAge shifts the capture time forward by how long the entry
// waited, keeping the spacing between replayed entries.
func AdvanceByQueueAge(e Entry, now time.Time) message.Envelope {
	waited := now.Sub(e.EnqueuedAt)
	return e.Envelope.WithTimestamp(e.Envelope.Time().Add(waited))
}

// KeepCaptureTime publishes the original capture timestamp unchanged.
func KeepCaptureTime(e Entry, _ time.Time) message.Envelope {
	return e.Envelope
}

// ParseRebasePolicy maps a configuration name to a policy. The empty string
// selects RebaseToNow.
func ParseRebasePolicy(name string) (RebasePolicy, error) {
	switch name {
	case "", "now":
		return RebaseToNow, nil
	case "queue_age":
		return AdvanceByQueueAge, nil
	case "capture":
		return KeepCaptureTime, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: rebase policy %q", errors.ErrInvalidConfig, name),
			"outbox", "ParseRebasePolicy", "parse policy name")
	}
}
