// Package observability exposes prometheus metrics for the merx service.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OperationMetrics records engine operation activity served through the
// gateway.
type OperationMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	opMetricsOnce sync.Once
	opRegistry    *OperationMetrics
)

// Operations returns the lazily-initialised operation metrics registry.
func Operations() *OperationMetrics {
	opMetricsOnce.Do(func() {
		opRegistry = &OperationMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merx",
				Subsystem: "engine",
				Name:      "requests_total",
				Help:      "Total engine operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "merx",
				Subsystem: "engine",
				Name:      "errors_total",
				Help:      "Total rejected engine operations segmented by operation and error.",
			}, []string{"operation", "reason"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "merx",
				Subsystem: "engine",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
		}
		prometheus.MustRegister(opRegistry.requests, opRegistry.errors, opRegistry.latency)
	})
	return opRegistry
}

// Observe records one completed operation.
func (m *OperationMetrics) Observe(operation string, start time.Time, err error, reason string) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		m.errors.WithLabelValues(operation, reason).Inc()
	}
	m.requests.WithLabelValues(operation, outcome).Inc()
	m.latency.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
