// Package metrics exposes Prometheus metrics for the live auction service.
// A nil *Manager is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery results
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Manager owns the service metrics and the registry they are registered on
type Manager struct {
	namespace string
	registry  *prometheus.Registry

	connections        prometheus.Gauge
	eventsRelayed      *prometheus.CounterVec
	deliveries         *prometheus.CounterVec
	resolutions        *prometheus.CounterVec
	resolutionDuration prometheus.Histogram
	bidsPlaced         prometheus.Counter
	schedulerRuns      *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// Option configures a Manager
type Option func(*Manager)

// WithNamespace overrides the metric namespace
func WithNamespace(ns string) Option {
	return func(m *Manager) { m.namespace = ns }
}

// WithRegistry registers metrics on reg instead of a fresh registry
func WithRegistry(reg *prometheus.Registry) Option {
	return func(m *Manager) { m.registry = reg }
}

// NewManager creates a Manager with its metrics registered
func NewManager(opts ...Option) *Manager {
	m := &Manager{namespace: "auction_live"}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	auto := promauto.With(m.registry)

	m.connections = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      "registered_connections",
		Help:      "Number of user identities with a live connection",
	})
	m.eventsRelayed = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "events_relayed_total",
		Help:      "Outbound events fanned out to registered connections",
	}, []string{"event"})
	m.deliveries = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "deliveries_total",
		Help:      "Per-connection deliveries by result",
	}, []string{"result"})
	m.resolutions = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "resolutions_total",
		Help:      "Winner resolutions by outcome",
	}, []string{"outcome"})
	m.resolutionDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "resolution_duration_seconds",
		Help:      "Time spent resolving an auction winner",
		Buckets:   prometheus.DefBuckets,
	})
	m.bidsPlaced = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "bids_placed_total",
		Help:      "Bids accepted by the bid placement endpoint",
	})
	m.schedulerRuns = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "scheduler_transitions_total",
		Help:      "Lifecycle transitions applied by the scheduler",
	}, []string{"to"})
	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status",
	}, []string{"method", "route", "status"})
	m.httpDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Manager) SetConnections(n int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(n))
}

func (m *Manager) EventRelayed(event string) {
	if m == nil {
		return
	}
	m.eventsRelayed.WithLabelValues(event).Inc()
}

func (m *Manager) Delivery(result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(result).Inc()
}

func (m *Manager) Resolution(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.resolutions.WithLabelValues(outcome).Inc()
	m.resolutionDuration.Observe(took.Seconds())
}

func (m *Manager) BidPlaced() {
	if m == nil {
		return
	}
	m.bidsPlaced.Inc()
}

func (m *Manager) SchedulerTransition(to string) {
	if m == nil {
		return
	}
	m.schedulerRuns.WithLabelValues(to).Inc()
}

func (m *Manager) HTTPRequest(method, route string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(took.Seconds())
}
