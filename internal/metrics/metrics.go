// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bloodbank"

// Metrics groups the application collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	allocationsCommitted prometheus.Counter
	unitsAllocated       *prometheus.CounterVec
	commitFailures       *prometheus.CounterVec
	unitsDiscarded       *prometheus.CounterVec
	previews             *prometheus.CounterVec
	realtimeClients      prometheus.Gauge
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		allocationsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocations_committed_total",
			Help:      "Requests fulfilled by a committed allocation.",
		}),
		unitsAllocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_allocated_total",
			Help:      "Inventory units moved to fulfilled, by blood group.",
		}, []string{"blood_group"}),
		commitFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_failures_total",
			Help:      "Allocation attempts that wrote nothing, by reason.",
		}, []string{"reason"}),
		unitsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_discarded_total",
			Help:      "Inventory units moved to discarded, by source.",
		}, []string{"source"}),
		previews: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_previews_total",
			Help:      "FEFO previews by outcome.",
		}, []string{"can_fulfill"}),
		realtimeClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_subscribers",
			Help:      "Connected change-feed subscribers.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequests,
		m.httpDuration,
		m.allocationsCommitted,
		m.unitsAllocated,
		m.commitFailures,
		m.unitsDiscarded,
		m.previews,
		m.realtimeClients,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveHTTP records one finished request.
func (m *Metrics) ObserveHTTP(route, method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

// AllocationCommitted records a fulfilled request and its units.
func (m *Metrics) AllocationCommitted(bloodGroup string, units int) {
	if m == nil {
		return
	}
	m.allocationsCommitted.Inc()
	m.unitsAllocated.WithLabelValues(bloodGroup).Add(float64(units))
}

// Failure reasons for AllocationFailed.
const (
	ReasonInsufficientStock = "insufficient_stock"
	ReasonConflict          = "conflict"
	ReasonError             = "error"
)

// AllocationFailed records an allocation attempt that wrote nothing.
func (m *Metrics) AllocationFailed(reason string) {
	if m == nil {
		return
	}
	m.commitFailures.WithLabelValues(reason).Inc()
}

// Discard sources for UnitsDiscarded.
const (
	SourceSweep = "sweep"
	SourceAdmin = "admin"
)

// UnitsDiscarded records units moved to discarded.
func (m *Metrics) UnitsDiscarded(source string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.unitsDiscarded.WithLabelValues(source).Add(float64(n))
}

// Preview records a FEFO preview.
func (m *Metrics) Preview(canFulfill bool) {
	if m == nil {
		return
	}
	m.previews.WithLabelValues(strconv.FormatBool(canFulfill)).Inc()
}

// SubscriberDelta adjusts the realtime subscriber gauge.
func (m *Metrics) SubscriberDelta(delta int) {
	if m == nil {
		return
	}
	m.realtimeClients.Add(float64(delta))
}
