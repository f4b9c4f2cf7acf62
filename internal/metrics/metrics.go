// Package metrics holds the Prometheus collectors for the connectivity core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stationlink"

// Metrics groups the collectors shared by discovery, messaging and dispatch.
type Metrics struct {
	ConnectionState   *prometheus.GaugeVec
	ConnectAttempts   prometheus.Counter
	Reconnects        *prometheus.CounterVec
	ProbeLatency      prometheus.Histogram
	ProbesTotal       *prometheus.CounterVec
	InboundMessages   *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	DispatchedEvents  *prometheus.CounterVec
	DroppedMessages   *prometheus.CounterVec
	DiscoveryRounds   *prometheus.CounterVec
	HealthCheckErrors prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current messaging client state, 0 otherwise.",
		}, []string{"state"}),
		ConnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Transport connect attempts.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_total",
			Help:      "Reconnects scheduled, by cause.",
		}, []string{"cause"}),
		ProbeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_latency_seconds",
			Help:      "Latency of successful endpoint probes.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		ProbesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Endpoint probes, by outcome.",
		}, []string{"outcome"}),
		InboundMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Messages received from the backend node, by topic.",
		}, []string{"topic"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound messages dropped because the payload could not be decoded.",
		}),
		DispatchedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_events_total",
			Help:      "Application events emitted, by event name.",
		}, []string{"event"}),
		DroppedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_messages_total",
			Help:      "Inbound messages dropped before reaching handlers, by reason.",
		}, []string{"reason"}),
		DiscoveryRounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_rounds_total",
			Help:      "Node discovery rounds, by outcome.",
		}, []string{"outcome"}),
		HealthCheckErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_check_failures_total",
			Help:      "Failed liveness checks against the active node.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ConnectionState,
			m.ConnectAttempts,
			m.Reconnects,
			m.ProbeLatency,
			m.ProbesTotal,
			m.InboundMessages,
			m.DecodeErrors,
			m.DispatchedEvents,
			m.DroppedMessages,
			m.DiscoveryRounds,
			m.HealthCheckErrors,
		)
	}
	return m
}

// SetState marks state as the current one among all.
func (m *Metrics) SetState(state string, all ...string) {
	if m == nil {
		return
	}
	for _, s := range all {
		m.ConnectionState.WithLabelValues(s).Set(0)
	}
	m.ConnectionState.WithLabelValues(state).Set(1)
}

// ObserveProbe records a probe outcome.
func (m *Metrics) ObserveProbe(reachable bool, latencySeconds float64) {
	if m == nil {
		return
	}
	if !reachable {
		m.ProbesTotal.WithLabelValues("unreachable").Inc()
		return
	}
	m.ProbesTotal.WithLabelValues("reachable").Inc()
	m.ProbeLatency.Observe(latencySeconds)
}

// IncConnectAttempt counts a transport connect attempt.
func (m *Metrics) IncConnectAttempt() {
	if m == nil {
		return
	}
	m.ConnectAttempts.Inc()
}

// IncReconnect counts a scheduled reconnect.
func (m *Metrics) IncReconnect(cause string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(cause).Inc()
}

// IncInbound counts a received message.
func (m *Metrics) IncInbound(topic string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(topic).Inc()
}

// IncDecodeError counts a malformed payload.
func (m *Metrics) IncDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// IncDispatched counts an emitted application event.
func (m *Metrics) IncDispatched(event string) {
	if m == nil {
		return
	}
	m.DispatchedEvents.WithLabelValues(event).Inc()
}

// IncDropped counts a message dropped for reason.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.DroppedMessages.WithLabelValues(reason).Inc()
}

// IncDiscovery counts a discovery round outcome ("found" or "none").
func (m *Metrics) IncDiscovery(outcome string) {
	if m == nil {
		return
	}
	m.DiscoveryRounds.WithLabelValues(outcome).Inc()
}

// IncHealthFailure counts a failed liveness check.
func (m *Metrics) IncHealthFailure() {
	if m == nil {
		return
	}
	m.HealthCheckErrors.Inc()
}
