// Package metrics exposes prometheus collectors for event routing, listener
// bookkeeping and native calls. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nativebridge"

// Call outcomes recorded by the gateway.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics groups the collectors.
type Metrics struct {
	registry *prometheus.Registry

	bridgeEvents     *prometheus.CounterVec
	bridgeDuplicates prometheus.Counter
	staleDeliveries  prometheus.Counter
	cancellations    prometheus.Counter
	registrations    prometheus.Gauge
	gatewayCalls     *prometheus.CounterVec
}

// New creates the collectors on a dedicated registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bridgeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "events_total",
			Help:      "Native events dispatched to the internal bus.",
		}, []string{"event"}),
		bridgeDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bridge",
			Name:      "duplicates_total",
			Help:      "Native events dropped as duplicates.",
		}),
		staleDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synctree",
			Name:      "stale_deliveries_total",
			Help:      "Events received for registrations that no longer exist.",
		}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "synctree",
			Name:      "cancellations_total",
			Help:      "Listener cancellations delivered.",
		}),
		registrations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "synctree",
			Name:      "registrations",
			Help:      "Registrations currently held across all trees.",
		}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Native module calls by outcome.",
		}, []string{"namespace", "method", "outcome"}),
	}
	m.registry.MustRegister(
		m.bridgeEvents,
		m.bridgeDuplicates,
		m.staleDeliveries,
		m.cancellations,
		m.registrations,
		m.gatewayCalls,
	)
	return m
}

// Registry returns the prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BridgeEvent(event string) {
	if m == nil {
		return
	}
	m.bridgeEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) BridgeDuplicate() {
	if m == nil {
		return
	}
	m.bridgeDuplicates.Inc()
}

func (m *Metrics) StaleDelivery() {
	if m == nil {
		return
	}
	m.staleDeliveries.Inc()
}

func (m *Metrics) Cancellation() {
	if m == nil {
		return
	}
	m.cancellations.Inc()
}

// RegistrationsAdded moves the registrations gauge by delta, which may be negative.
func (m *Metrics) RegistrationsAdded(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.registrations.Add(float64(delta))
}

func (m *Metrics) GatewayCall(ns, method, outcome string) {
	if m == nil {
		return
	}
	m.gatewayCalls.WithLabelValues(ns, method, outcome).Inc()
}
