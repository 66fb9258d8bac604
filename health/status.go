package health

import (
	"regexp"
	"time"
)

// State is the condition of a component. The zero value is unknown and
// aggregates as unhealthy.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

func (s State) rank() int {
	switch s {
	case StateHealthy:
		return 0
	case StateDegraded:
		return 1
	default:
		return 2
	}
}

// Status is one component's reported condition. Aggregates carry their
// parts in Components.
type Status struct {
	Component  string    `json:"component"`
	State      State     `json:"status"`
	Healthy    bool      `json:"healthy"`
	Message    string    `json:"message,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
	Components []Status  `json:"components,omitempty"`
}

func newStatus(component string, state State, message string) Status {
	return Status{
		Component: component,
		State:     state,
		Healthy:   state == StateHealthy,
		Message:   message,
		CheckedAt: time.Now(),
	}
}

// NewHealthy reports component as working.
func NewHealthy(component, message string) Status {
	return newStatus(component, StateHealthy, message)
}

// NewDegraded reports component as working with reduced function.
func NewDegraded(component, message string) Status {
	return newStatus(component, StateDegraded, message)
}

// NewUnhealthy reports component as not working.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, StateUnhealthy, message)
}

func (s Status) IsHealthy() bool   { return s.State == StateHealthy }
func (s Status) IsDegraded() bool  { return s.State == StateDegraded }
func (s Status) IsUnhealthy() bool { return s.State.rank() == 2 }

// Aggregate takes the worst state among parts. No parts is healthy.
func Aggregate(component string, parts []Status) Status {
	worst := StateHealthy
	for _, p := range parts {
		switch r := p.State.rank(); {
		case r == 2:
			worst = StateUnhealthy
		case r == 1 && worst == StateHealthy:
			worst = StateDegraded
		}
	}

	var msg string
	switch worst {
	case StateHealthy:
		msg = "all components healthy"
	case StateDegraded:
		msg = "running degraded"
	default:
		msg = "one or more components unhealthy"
	}

	agg := newStatus(component, worst, msg)
	if len(parts) > 0 {
		agg.Components = append([]Status(nil), parts...)
	}
	return agg
}

var redactions = []struct {
	re   *regexp.Regexp
	repl string
}{
	// Credentials go first so DSN userinfo never survives the URL pass.
	{regexp.MustCompile(`(?i)(password|passwd|token|secret)\s*[:=]\s*[^\s,;&]+`), "$1=[REDACTED]"},
	{regexp.MustCompile(`[a-zA-Z][a-zA-Z0-9+.-]*://[^\s,]+`), "[URL]"},
	{regexp.MustCompile(`\b\d{1,3}(\.\d{1,3}){3}(:\d{1,5})?\b`), "[ADDR]"},
	{regexp.MustCompile(`(^|\s)/[a-zA-Z0-9/_.-]+`), "$1[PATH]"},
}

// redact strips URLs, addresses, paths and credentials from s so it can be
// served on an unauthenticated endpoint.
func redact(s string) string {
	for _, r := range redactions {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// FromError is healthy when err is nil and unhealthy with a redacted
// message otherwise.
func FromError(component string, err error) Status {
	if err == nil {
		return NewHealthy(component, "ok")
	}
	return NewUnhealthy(component, redact(err.Error()))
}
