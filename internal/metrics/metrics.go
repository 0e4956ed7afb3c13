// Package metrics holds the Prometheus instrumentation for the entitlement
// engine. All recorders are nil-safe so components can run without metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meallens"

// EntitlementMetrics manages Prometheus instrumentation for access checks,
// usage recording, backend calls and reconciliation.
type EntitlementMetrics struct {
	decisionsTotal    *prometheus.CounterVec
	usageRecordsTotal *prometheus.CounterVec
	storeErrorsTotal  *prometheus.CounterVec
	remoteRequests    *prometheus.CounterVec
	remoteDuration    *prometheus.HistogramVec
	reconcileRuns     *prometheus.CounterVec
	staleDiscarded    prometheus.Counter
	pendingMirror     prometheus.Gauge
	statusSubscribers prometheus.Gauge
}

var (
	instance *EntitlementMetrics
	once     sync.Once
	factory  = defaultFactory
)

// Get returns the process-wide metrics instance registered on the default
// registerer.
func Get() *EntitlementMetrics {
	once.Do(func() {
		instance = factory()
	})
	return instance
}

func defaultFactory() *EntitlementMetrics {
	return New(prometheus.DefaultRegisterer)
}

// New registers the collectors on registerer, reusing any that are already
// registered.
func New(registerer prometheus.Registerer) *EntitlementMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &EntitlementMetrics{
		decisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entitlements",
				Name:      "decisions_total",
				Help:      "Access decisions by reason",
			},
			[]string{"reason"},
		),
		usageRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "entitlements",
				Name:      "usage_records_total",
				Help:      "Recorded feature usage events by local outcome",
			},
			[]string{"outcome"},
		),
		storeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "usage_store",
				Name:      "errors_total",
				Help:      "Local usage store failures by operation",
			},
			[]string{"op"},
		),
		remoteRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "remote",
				Name:      "requests_total",
				Help:      "Entitlement backend requests by operation and outcome",
			},
			[]string{"op", "outcome"},
		),
		remoteDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "remote",
				Name:      "request_duration_seconds",
				Help:      "Entitlement backend request latency",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"op"},
		),
		reconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "runs_total",
				Help:      "Reconciliation runs by outcome",
			},
			[]string{"outcome"},
		),
		staleDiscarded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "reconcile",
				Name:      "stale_discarded_total",
				Help:      "Fetch results discarded because a newer request superseded them",
			},
		),
		pendingMirror: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "usage_store",
				Name:      "pending_mirror_events",
				Help:      "Journaled usage events not yet mirrored to the backend",
			},
		),
		statusSubscribers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "statusfeed",
				Name:      "clients",
				Help:      "Connected status feed clients",
			},
		),
	}

	m.decisionsTotal = registerCollector(registerer, m.decisionsTotal)
	m.usageRecordsTotal = registerCollector(registerer, m.usageRecordsTotal)
	m.storeErrorsTotal = registerCollector(registerer, m.storeErrorsTotal)
	m.remoteRequests = registerCollector(registerer, m.remoteRequests)
	m.remoteDuration = registerCollector(registerer, m.remoteDuration)
	m.reconcileRuns = registerCollector(registerer, m.reconcileRuns)
	m.staleDiscarded = registerCollector(registerer, m.staleDiscarded)
	m.pendingMirror = registerCollector(registerer, m.pendingMirror)
	m.statusSubscribers = registerCollector(registerer, m.statusSubscribers)

	return m
}

func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegisteredErr, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := alreadyRegisteredErr.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return collector
}

func defaultLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}

// RecordDecision counts an access decision.
func (m *EntitlementMetrics) RecordDecision(reason string) {
	if m == nil || m.decisionsTotal == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(defaultLabel(reason)).Inc()
}

// RecordUsage counts a recorded usage event by its local outcome.
func (m *EntitlementMetrics) RecordUsage(outcome string) {
	if m == nil || m.usageRecordsTotal == nil {
		return
	}
	m.usageRecordsTotal.WithLabelValues(defaultLabel(outcome)).Inc()
}

// RecordStoreError counts a failed local store operation.
func (m *EntitlementMetrics) RecordStoreError(op string) {
	if m == nil || m.storeErrorsTotal == nil {
		return
	}
	m.storeErrorsTotal.WithLabelValues(defaultLabel(op)).Inc()
}

// RecordRemote counts a backend request and observes its latency.
func (m *EntitlementMetrics) RecordRemote(op, outcome string, elapsed time.Duration) {
	if m == nil || m.remoteRequests == nil {
		return
	}
	m.remoteRequests.WithLabelValues(defaultLabel(op), defaultLabel(outcome)).Inc()
	if m.remoteDuration != nil {
		m.remoteDuration.WithLabelValues(defaultLabel(op)).Observe(elapsed.Seconds())
	}
}

// RecordReconcile counts a reconciliation run.
func (m *EntitlementMetrics) RecordReconcile(outcome string) {
	if m == nil || m.reconcileRuns == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(defaultLabel(outcome)).Inc()
}

// RecordStaleDiscarded counts a superseded fetch result.
func (m *EntitlementMetrics) RecordStaleDiscarded() {
	if m == nil || m.staleDiscarded == nil {
		return
	}
	m.staleDiscarded.Inc()
}

// SetPendingMirror reports the journal backlog.
func (m *EntitlementMetrics) SetPendingMirror(n int) {
	if m == nil || m.pendingMirror == nil {
		return
	}
	m.pendingMirror.Set(float64(n))
}

// SetStatusSubscribers reports connected status feed clients.
func (m *EntitlementMetrics) SetStatusSubscribers(n int) {
	if m == nil || m.statusSubscribers == nil {
		return
	}
	m.statusSubscribers.Set(float64(n))
}
