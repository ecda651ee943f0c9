// Package metrics exposes the registry's Prometheus metrics, grounded on the
// fleet's lazily-initialised module metrics registry pattern.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type registryMetrics struct {
	registrations  *prometheus.CounterVec
	authFailures   *prometheus.CounterVec
	fanoutTargets  *prometheus.CounterVec
	fanoutDuration *prometheus.HistogramVec
	registryVer    prometheus.Gauge
	instancesUp    prometheus.Gauge
}

var (
	once     sync.Once
	registry *registryMetrics
)

// Registry returns the lazily-initialised ledger metrics registry.
func Registry() *registryMetrics {
	once.Do(func() {
		registry = &registryMetrics{
			registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledgerd",
				Subsystem: "registry",
				Name:      "registrations_total",
				Help:      "Total registration attempts segmented by outcome.",
			}, []string{"outcome"}),
			authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledgerd",
				Subsystem: "auth",
				Name:      "verify_failures_total",
				Help:      "Total bootstrap/instance verification failures segmented by flow and reason.",
			}, []string{"flow", "reason"}),
			fanoutTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ledgerd",
				Subsystem: "fanout",
				Name:      "push_targets_total",
				Help:      "Total per-target snapshot push attempts segmented by outcome.",
			}, []string{"outcome"}),
			fanoutDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "ledgerd",
				Subsystem: "fanout",
				Name:      "push_duration_seconds",
				Help:      "Latency distribution of a full snapshot fanout round.",
				Buckets:   prometheus.DefBuckets,
			}, []string{}),
			registryVer: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ledgerd",
				Subsystem: "registry",
				Name:      "version",
				Help:      "Current registry version counter.",
			}),
			instancesUp: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "ledgerd",
				Subsystem: "registry",
				Name:      "instances_up",
				Help:      "Number of instances currently marked UP.",
			}),
		}
		prometheus.MustRegister(
			registry.registrations,
			registry.authFailures,
			registry.fanoutTargets,
			registry.fanoutDuration,
			registry.registryVer,
			registry.instancesUp,
		)
	})
	return registry
}

// RecordRegistration records a registration attempt outcome ("changed",
// "unchanged", or "error").
func (m *registryMetrics) RecordRegistration(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.registrations.WithLabelValues(outcome).Inc()
}

// RecordVerifyFailure records a bootstrap or instance verification failure.
func (m *registryMetrics) RecordVerifyFailure(flow, reason string) {
	if m == nil {
		return
	}
	if flow == "" {
		flow = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	m.authFailures.WithLabelValues(flow, reason).Inc()
}

// RecordFanoutRound records the latency of one complete snapshot fanout
// round and the per-target outcomes it produced.
func (m *registryMetrics) RecordFanoutRound(duration time.Duration, okCount, failCount int) {
	if m == nil {
		return
	}
	m.fanoutDuration.WithLabelValues().Observe(duration.Seconds())
	if okCount > 0 {
		m.fanoutTargets.WithLabelValues("ok").Add(float64(okCount))
	}
	if failCount > 0 {
		m.fanoutTargets.WithLabelValues("failed").Add(float64(failCount))
	}
}

// SetRegistryVersion publishes the current registry version counter.
func (m *registryMetrics) SetRegistryVersion(version int64) {
	if m == nil {
		return
	}
	m.registryVer.Set(float64(version))
}

// SetInstancesUp publishes the current count of UP instances.
func (m *registryMetrics) SetInstancesUp(count int) {
	if m == nil {
		return
	}
	m.instancesUp.Set(float64(count))
}
