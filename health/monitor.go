package health

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"sync"
	"time"
)

// Check reports a component's status when the monitor is read.
type Check func() Status

// Monitor holds one source per component. Pushed statuses are stored as
// checks that return a fixed value, so reads treat both kinds alike.
type Monitor struct {
	mu      sync.RWMutex
	sources map[string]Check
	now     func() time.Time
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{sources: make(map[string]Check), now: time.Now}
}

// Update pushes status for name, replacing any registered check.
func (m *Monitor) Update(name string, status Status) {
	fixed := m.stamp(name, status)
	m.AddCheck(name, func() Status { return fixed })
}

// AddCheck polls fn for name's status on every read.
func (m *Monitor) AddCheck(name string, fn Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources[name] = fn
}

// Remove stops reporting name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sources, name)
}

// Get evaluates the source for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	fn, ok := m.sources[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return m.stamp(name, fn()), true
}

// GetAll evaluates every source. Checks run outside the lock.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	sources := maps.Clone(m.sources)
	m.mu.RUnlock()

	out := make(map[string]Status, len(sources))
	for name, fn := range sources {
		out[name] = m.stamp(name, fn())
	}
	return out
}

// AggregateHealth folds every component, in name order, into one status
// named systemName.
func (m *Monitor) AggregateHealth(systemName string) Status {
	all := m.GetAll()
	parts := make([]Status, 0, len(all))
	for _, name := range slices.Sorted(maps.Keys(all)) {
		parts = append(parts, all[name])
	}
	return Aggregate(systemName, parts)
}

// Handler serves the aggregate as JSON: 503 while anything is unhealthy,
// 200 otherwise, degraded included.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)
		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}

		h := w.Header()
		h.Set("Content-Type", "application/json")
		h.Set("Cache-Control", "no-store")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}

func (m *Monitor) stamp(name string, s Status) Status {
	s.Component = name
	if s.CheckedAt.IsZero() {
		s.CheckedAt = m.now()
	}
	return s
}
