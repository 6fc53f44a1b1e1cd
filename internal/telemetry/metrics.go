// Package telemetry exposes the node's prometheus metrics and the zap
// logger construction used across the repository.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds the node's instrumentation. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RoutingTableSize prometheus.Gauge
	NetworkStatus    prometheus.Gauge

	Forwarded  prometheus.Counter
	Dispatched prometheus.Counter
	Duplicates prometheus.Counter
	Malformed  prometheus.Counter
	SendErrors prometheus.Counter
	CacheHits  prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.RoutingTableSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xorroute",
		Name:      "routing_table_size",
		Help:      "Current routing table membership.",
	})
	m.NetworkStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "xorroute",
		Name:      "network_status_percent",
		Help:      "Routing table occupancy as a percentage.",
	})
	m.Forwarded = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xorroute",
		Name:      "messages_forwarded_total",
		Help:      "Datagrams handed back to the transport for other peers.",
	})
	m.Dispatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xorroute",
		Name:      "messages_dispatched_total",
		Help:      "Messages dispatched to local handlers.",
	})
	m.Duplicates = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xorroute",
		Name:      "messages_duplicate_total",
		Help:      "Datagrams suppressed by the duplicate filter.",
	})
	m.Malformed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xorroute",
		Name:      "messages_malformed_total",
		Help:      "Datagrams dropped at parse time.",
	})
	m.SendErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xorroute",
		Name:      "send_errors_total",
		Help:      "Transport send failures, never retried.",
	})
	m.CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "xorroute",
		Name:      "cache_hits_total",
		Help:      "GetData requests answerable from the content cache.",
	})

	m.registry.MustRegister(
		m.RoutingTableSize, m.NetworkStatus,
		m.Forwarded, m.Dispatched, m.Duplicates, m.Malformed,
		m.SendErrors, m.CacheHits,
	)
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveTable records routing-table gauges; safe on nil.
func (m *Metrics) ObserveTable(size, statusPercent int) {
	if m == nil {
		return
	}
	m.RoutingTableSize.Set(float64(size))
	m.NetworkStatus.Set(float64(statusPercent))
}

func (m *Metrics) IncForwarded() {
	if m != nil {
		m.Forwarded.Inc()
	}
}

func (m *Metrics) IncDispatched() {
	if m != nil {
		m.Dispatched.Inc()
	}
}

func (m *Metrics) IncDuplicate() {
	if m != nil {
		m.Duplicates.Inc()
	}
}

func (m *Metrics) IncMalformed() {
	if m != nil {
		m.Malformed.Inc()
	}
}

func (m *Metrics) IncSendError() {
	if m != nil {
		m.SendErrors.Inc()
	}
}

func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

// NewLogger builds the process logger. Debug widens the level.
func NewLogger(debug bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	return cfg.Build()
}
