package metric

import (
	stderrors "errors"
	"fmt"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/zam-cv/microtime/errors"
)

// Registrar is the part of the registry handed to components that own
// collectors of their own, such as worker pools and ring buffers.
type Registrar interface {
	Register(owner, name string, c prometheus.Collector) error
	Unregister(owner, name string) bool
}

// MetricsRegistry wraps a private Prometheus registry. Collectors are tracked
// by owner and name so a component can drop its own on shutdown.
type MetricsRegistry struct {
	prom *prometheus.Registry
	core *Metrics

	mu    sync.Mutex
	owned map[string]prometheus.Collector
}

var _ Registrar = (*MetricsRegistry)(nil)

// NewMetricsRegistry creates a registry holding the core pipeline metrics and
// the Go runtime and process collectors.
func NewMetricsRegistry() *MetricsRegistry {
	r := &MetricsRegistry{
		prom:  prometheus.NewRegistry(),
		core:  NewMetrics(),
		owned: make(map[string]prometheus.Collector),
	}
	r.prom.MustRegister(r.core.collectors()...)
	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// PrometheusRegistry exposes the registry for gathering and for handlers.
func (r *MetricsRegistry) PrometheusRegistry() *prometheus.Registry {
	return r.prom
}

// CoreMetrics returns the shared pipeline metrics, nil on a nil registry.
func (r *MetricsRegistry) CoreMetrics() *Metrics {
	if r == nil {
		return nil
	}
	return r.core
}

func ownedKey(owner, name string) string {
	return owner + "/" + name
}

// Register adds c under owner and name. Registering the same pair twice, or a
// collector whose descriptors clash with one already registered, is invalid.
func (r *MetricsRegistry) Register(owner, name string, c prometheus.Collector) error {
	key := ownedKey(owner, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.owned[key]; ok {
		return errors.WrapInvalid(fmt.Errorf("%s already registered", key),
			"MetricsRegistry", "Register", "duplicate collector")
	}

	err := r.prom.Register(c)
	var clash prometheus.AlreadyRegisteredError
	switch {
	case err == nil:
		r.owned[key] = c
		return nil
	case stderrors.As(err, &clash):
		return errors.WrapInvalid(err, "MetricsRegistry", "Register", "prometheus conflict for "+key)
	default:
		return errors.WrapFatal(err, "MetricsRegistry", "Register", "register "+key)
	}
}

// Unregister removes a collector added with Register. It reports whether
// anything was removed.
func (r *MetricsRegistry) Unregister(owner, name string) bool {
	key := ownedKey(owner, name)

	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.owned[key]
	if !ok || !r.prom.Unregister(c) {
		return false
	}
	delete(r.owned, key)
	return true
}

// Owned lists the owner/name keys of collectors added with Register.
func (r *MetricsRegistry) Owned() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.owned))
	for k := range r.owned {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
