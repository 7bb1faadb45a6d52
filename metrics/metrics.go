// Package metrics exports catalog sync client metrics to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	marketsync "github.com/c0deZ3R0/go-market-sync"
	kiterr "github.com/c0deZ3R0/go-market-sync/errors"
	"github.com/c0deZ3R0/go-market-sync/model"
)

// Collector implements marketsync.MetricsCollector.
type Collector struct {
	loads           *prometheus.CounterVec
	loadLatency     prometheus.Histogram
	listings        prometheus.Gauge
	changes         *prometheus.CounterVec
	mutations       *prometheus.CounterVec
	mutationLatency *prometheus.HistogramVec
	reconnects      prometheus.Counter
	reconnectTry    prometheus.Gauge
	connected       prometheus.Gauge
}

var _ marketsync.MetricsCollector = (*Collector)(nil)

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_catalog_loads_total",
			Help: "Full catalog loads by result",
		}, []string{"result"}),
		loadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "market_catalog_load_seconds",
			Help:    "Duration of full catalog loads",
			Buckets: prometheus.DefBuckets,
		}),
		listings: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "market_catalog_listings",
			Help: "Listings returned by the last successful load",
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_catalog_changes_total",
			Help: "Change events by kind and whether they altered the cache",
		}, []string{"kind", "applied"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "market_mutations_total",
			Help: "Mutations by operation and error code",
		}, []string{"operation", "code"}),
		mutationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "market_mutation_seconds",
			Help:    "Mutation latency by operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "market_stream_reconnects_total",
			Help: "Change stream resubscription attempts",
		}),
		reconnectTry: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "market_stream_reconnect_attempt",
			Help: "Attempt number of the latest resubscription",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "market_stream_connected",
			Help: "1 while the change stream is subscribed",
		}),
	}

	reg.MustRegister(
		c.loads,
		c.loadLatency,
		c.listings,
		c.changes,
		c.mutations,
		c.mutationLatency,
		c.reconnects,
		c.reconnectTry,
		c.connected,
	)
	return c
}

func (c *Collector) RecordLoad(duration time.Duration, listings int, err error) {
	if err != nil {
		c.loads.WithLabelValues("error").Inc()
		return
	}
	c.loads.WithLabelValues("ok").Inc()
	c.loadLatency.Observe(duration.Seconds())
	c.listings.Set(float64(listings))
}

func (c *Collector) RecordChange(kind model.ChangeKind, applied bool) {
	c.changes.WithLabelValues(kind.String(), strconv.FormatBool(applied)).Inc()
}

// RecordMutation labels failures with their error code; successes get "OK".
func (c *Collector) RecordMutation(operation string, duration time.Duration, err error) {
	code := "OK"
	if err != nil {
		code = string(kiterr.CodeOf(err))
		if code == "" {
			code = "UNKNOWN"
		}
	}
	c.mutations.WithLabelValues(operation, code).Inc()
	c.mutationLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

func (c *Collector) RecordReconnect(attempt int) {
	c.reconnects.Inc()
	c.reconnectTry.Set(float64(attempt))
}

func (c *Collector) SetConnected(connected bool) {
	if connected {
		c.connected.Set(1)
		c.reconnectTry.Set(0)
		return
	}
	c.connected.Set(0)
}

// Handler returns an HTTP handler for Prometheus scrapes.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute serves Handler at /metrics.
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
