// SPDX-License-Identifier: AGPL-3.0-or-later

// Package metrics exposes Prometheus instrumentation for the
// orchestrator runtime: event counts, lease takeovers, and heartbeat
// stale transitions. Pure enrichment (spec §1 names monitoring
// dashboards as an out-of-scope external consumer) grounded on the
// langgraph-go reference's PrometheusMetrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus counters/gauges for one orchestrator process.
type Metrics struct {
	events          *prometheus.CounterVec
	leaseTakeovers  *prometheus.CounterVec
	heartbeatStale  *prometheus.CounterVec
	activeLeases    prometheus.Gauge
	dispatchRetries *prometheus.CounterVec

	mu      sync.RWMutex
	enabled bool
}

// New creates and registers orchestrator metrics with registry. Pass
// nil to use prometheus.DefaultRegisterer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daokit",
			Name:      "events_total",
			Help:      "Cumulative count of ledger events appended, by event type",
		}, []string{"event_type"}),
		leaseTakeovers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daokit",
			Name:      "lease_takeovers_total",
			Help:      "Cumulative count of leases adopted during successor takeover, by lane",
		}, []string{"lane"}),
		heartbeatStale: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daokit",
			Name:      "heartbeat_stale_transitions_total",
			Help:      "Cumulative count of edge-transitions into STALE heartbeat status, by reason code",
		}, []string{"reason_code"}),
		activeLeases: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "daokit",
			Name:      "active_leases",
			Help:      "Current number of ACTIVE leases across all lanes",
		}),
		dispatchRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "daokit",
			Name:      "dispatch_retries_total",
			Help:      "Cumulative count of Resume/Rework dispatch attempts, by step",
		}, []string{"step_id", "call"}),
	}
}

// RecordEvent increments the events_total counter for eventType.
func (m *Metrics) RecordEvent(eventType string) {
	if !m.isEnabled() {
		return
	}
	m.events.WithLabelValues(eventType).Inc()
}

// RecordLeaseTakeover increments lease_takeovers_total for lane.
func (m *Metrics) RecordLeaseTakeover(lane string) {
	if !m.isEnabled() {
		return
	}
	m.leaseTakeovers.WithLabelValues(lane).Inc()
}

// RecordHeartbeatStale increments heartbeat_stale_transitions_total for reasonCode.
func (m *Metrics) RecordHeartbeatStale(reasonCode string) {
	if !m.isEnabled() {
		return
	}
	m.heartbeatStale.WithLabelValues(reasonCode).Inc()
}

// SetActiveLeases sets the active_leases gauge.
func (m *Metrics) SetActiveLeases(n int) {
	if !m.isEnabled() {
		return
	}
	m.activeLeases.Set(float64(n))
}

// RecordDispatchRetry increments dispatch_retries_total for (stepID, call).
func (m *Metrics) RecordDispatchRetry(stepID, call string) {
	if !m.isEnabled() {
		return
	}
	m.dispatchRetries.WithLabelValues(stepID, call).Inc()
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable stops recording (useful for testing).
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

// Enable resumes recording after Disable.
func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
