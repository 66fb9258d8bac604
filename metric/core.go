package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by microtime.
const Namespace = "microtime"

// Metrics contains the pipeline metrics shared by the device and the broker.
// All record methods are safe on a nil receiver so components can run
// without a registry.
type Metrics struct {
	ServiceStatus *prometheus.GaugeVec
	ErrorsTotal   *prometheus.CounterVec

	// Device side
	SensorReads     *prometheus.CounterVec
	SensorReinits   *prometheus.CounterVec
	Published       *prometheus.CounterVec
	LinkState       prometheus.Gauge
	ConnectAttempts prometheus.Counter
	FatalRestarts   prometheus.Counter

	// Broker side
	Routed        *prometheus.CounterVec
	StoreWrites   *prometheus.CounterVec
	HubDelivered  *prometheus.CounterVec
	HubDropped    *prometheus.CounterVec
	Sessions      prometheus.Gauge
	Subscriptions prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		ServiceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "service",
			Name:      "status",
			Help:      "Service status (0=stopped, 1=starting, 2=running, 3=stopping, 4=failed)",
		}, []string{"service"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Errors by component and class",
		}, []string{"component", "class"}),

		SensorReads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sensor",
			Name:      "reads_total",
			Help:      "Sensor reads by sensor and result",
		}, []string{"sensor", "result"}),
		SensorReinits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sensor",
			Name:      "reinitializations_total",
			Help:      "Driver reinitializations by sensor and result",
		}, []string{"sensor", "result"}),
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "link",
			Name:      "published_total",
			Help:      "Envelopes handed to the uplink by route and outcome",
		}, []string{"route", "outcome"}),
		LinkState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "link",
			Name:      "state",
			Help:      "Link state (0=disconnected, 1=connecting, 2=connected)",
		}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "link",
			Name:      "connect_attempts_total",
			Help:      "Uplink connection attempts",
		}),
		FatalRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "link",
			Name:      "fatal_restarts_total",
			Help:      "Reconnect budgets exhausted",
		}),

		Routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "router",
			Name:      "messages_total",
			Help:      "Inbound messages by route and outcome",
		}, []string{"route", "outcome"}),
		StoreWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "writes_total",
			Help:      "Durable writes by driver and outcome",
		}, []string{"driver", "outcome"}),
		HubDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "hub",
			Name:      "delivered_total",
			Help:      "Messages delivered to subscribers by driver",
		}, []string{"driver"}),
		HubDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "hub",
			Name:      "dropped_total",
			Help:      "Messages dropped for slow or absent subscribers by driver",
		}, []string{"driver"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "hub",
			Name:      "sessions",
			Help:      "Open websocket sessions",
		}),
		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "hub",
			Name:      "subscriptions",
			Help:      "Active topic subscriptions",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ServiceStatus, m.ErrorsTotal,
		m.SensorReads, m.SensorReinits, m.Published, m.LinkState, m.ConnectAttempts, m.FatalRestarts,
		m.Routed, m.StoreWrites, m.HubDelivered, m.HubDropped, m.Sessions, m.Subscriptions,
	}
}

// RecordServiceStatus records the lifecycle status of a service
func (m *Metrics) RecordServiceStatus(service string, status int) {
	if m == nil {
		return
	}
	m.ServiceStatus.WithLabelValues(service).Set(float64(status))
}

// RecordError counts an error for a component
func (m *Metrics) RecordError(component, class string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordSensorRead counts a sensor read result ("ok", "error", "idle")
func (m *Metrics) RecordSensorRead(sensor, result string) {
	if m == nil {
		return
	}
	m.SensorReads.WithLabelValues(sensor, result).Inc()
}

// RecordSensorReinit counts a driver reinitialization result
func (m *Metrics) RecordSensorReinit(sensor, result string) {
	if m == nil {
		return
	}
	m.SensorReinits.WithLabelValues(sensor, result).Inc()
}

// RecordPublish counts an uplink publish outcome ("sent", "replayed", "failed", "buffered", "dropped")
func (m *Metrics) RecordPublish(route, outcome string) {
	if m == nil {
		return
	}
	m.Published.WithLabelValues(route, outcome).Inc()
}

// RecordLinkState sets the link state gauge
func (m *Metrics) RecordLinkState(state int) {
	if m == nil {
		return
	}
	m.LinkState.Set(float64(state))
}

// RecordConnectAttempt counts an uplink connection attempt
func (m *Metrics) RecordConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

// RecordFatalRestart counts an exhausted reconnect budget
func (m *Metrics) RecordFatalRestart() {
	if m == nil {
		return
	}
	m.FatalRestarts.Inc()
}

// RecordRouted counts a router outcome ("stored", "fanned_out", "dropped", "decode_error")
func (m *Metrics) RecordRouted(route, outcome string) {
	if m == nil {
		return
	}
	m.Routed.WithLabelValues(route, outcome).Inc()
}

// RecordStoreWrite counts a durable write outcome
func (m *Metrics) RecordStoreWrite(driver, outcome string) {
	if m == nil {
		return
	}
	m.StoreWrites.WithLabelValues(driver, outcome).Inc()
}

// RecordHubDelivery counts a message delivered to one subscriber
func (m *Metrics) RecordHubDelivery(driver string) {
	if m == nil {
		return
	}
	m.HubDelivered.WithLabelValues(driver).Inc()
}

// RecordHubDrop counts a message that did not reach a subscriber
func (m *Metrics) RecordHubDrop(driver string) {
	if m == nil {
		return
	}
	m.HubDropped.WithLabelValues(driver).Inc()
}

// AddSessions adjusts the open session gauge
func (m *Metrics) AddSessions(delta int) {
	if m == nil {
		return
	}
	m.Sessions.Add(float64(delta))
}

// AddSubscriptions adjusts the active subscription gauge
func (m *Metrics) AddSubscriptions(delta int) {
	if m == nil {
		return
	}
	m.Subscriptions.Add(float64(delta))
}
