// Package metrics exposes Prometheus instrumentation for the streaming
// subsystem: bridge connections, build jobs, and subscriber fan-out health.
package metrics

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the streaming gauges and counters. All methods are nil-safe
// so wiring metrics is optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	activeBridges  prometheus.Gauge   // Currently open bridge connections.
	bridgesTotal   prometheus.Counter // Bridge connections accepted since start.
	rejectedTotal  prometheus.Counter // Connections rejected before bridging.
	activeBuilds   prometheus.Gauge   // Builds currently running.
	buildsTotal    prometheus.Counter // Builds started since start.
	droppedSubs    prometheus.Counter // Subscribers dropped on send failure.
	upstreamErrors prometheus.Counter // Upstream connect failures.
}

// NewWithRegistry creates a Metrics handler registered against the given
// registry.
//
// Returns:
//   - (*Metrics, error): Metrics handler, or an error if registration fails.
func NewWithRegistry(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{
		registry: registry,
		activeBridges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dockmaster_bridges_active",
			Help: "Number of currently open streaming bridge connections",
		}),
		bridgesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockmaster_bridges_total",
			Help: "Number of streaming bridge connections accepted since start",
		}),
		rejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockmaster_bridges_rejected_total",
			Help: "Number of streaming connections rejected before bridging",
		}),
		activeBuilds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dockmaster_builds_active",
			Help: "Number of build jobs currently running",
		}),
		buildsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockmaster_builds_total",
			Help: "Number of build jobs started since start",
		}),
		droppedSubs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockmaster_build_subscribers_dropped_total",
			Help: "Number of build subscribers dropped on send failure",
		}),
		upstreamErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dockmaster_upstream_errors_total",
			Help: "Number of upstream connection failures at the gateway",
		}),
	}

	collectors := []prometheus.Collector{
		m.activeBridges,
		m.bridgesTotal,
		m.rejectedTotal,
		m.activeBuilds,
		m.buildsTotal,
		m.droppedSubs,
		m.upstreamErrors,
	}
	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			alreadyRegistered := &prometheus.AlreadyRegisteredError{}
			if !errors.As(err, alreadyRegistered) {
				return nil, fmt.Errorf("failed to register metric: %w", err)
			}
		}
	}

	return m, nil
}

// New creates a Metrics handler with its own registry.
func New() *Metrics {
	m, err := NewWithRegistry(prometheus.NewRegistry())
	if err != nil {
		// A fresh registry cannot hold duplicates.
		panic(err)
	}

	return m
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// BridgeOpened records an accepted bridge connection.
func (m *Metrics) BridgeOpened() {
	if m == nil {
		return
	}

	m.activeBridges.Inc()
	m.bridgesTotal.Inc()
}

// BridgeClosed records a completed bridge teardown.
func (m *Metrics) BridgeClosed() {
	if m == nil {
		return
	}

	m.activeBridges.Dec()
}

// ConnectionRejected records a connection refused before bridging.
func (m *Metrics) ConnectionRejected() {
	if m == nil {
		return
	}

	m.rejectedTotal.Inc()
}

// UpstreamError records a failed upstream dial.
func (m *Metrics) UpstreamError() {
	if m == nil {
		return
	}

	m.upstreamErrors.Inc()
}

// BuildStarted records a newly spawned build job.
func (m *Metrics) BuildStarted() {
	if m == nil {
		return
	}

	m.activeBuilds.Inc()
	m.buildsTotal.Inc()
}

// BuildFinished records a build job reaching a terminal state.
func (m *Metrics) BuildFinished() {
	if m == nil {
		return
	}

	m.activeBuilds.Dec()
}

// SubscriberDropped records a build subscriber removed on send failure.
func (m *Metrics) SubscriberDropped() {
	if m == nil {
		return
	}

	m.droppedSubs.Inc()
}
