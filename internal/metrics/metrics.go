// Package metrics exposes kratad's runtime metrics for Prometheus
// scraping via prometheus/client_golang, replacing the hand-rolled
// counters and exposition text the teacher wrote by hand.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Collector registers and updates kratad's Prometheus metrics.
type Collector struct {
	registry *prometheus.Registry

	zonesCreatedTotal   prometheus.Counter
	zonesDestroyedTotal prometheus.Counter
	zoneCreateErrors    prometheus.Counter
	zoneDestroyErrors   prometheus.Counter
	zonesActive         prometheus.Gauge

	reconcileLatency prometheus.Histogram
	idmRequestLatency prometheus.Histogram

	natActiveEntries *prometheus.GaugeVec

	log *logrus.Entry
}

// NewCollector constructs and registers a Collector against a private
// registry (not the global default, so embedding kratad in another
// Prometheus-instrumented process never collides on metric names).
func NewCollector(log *logrus.Entry) *Collector {
	registry := prometheus.NewRegistry()
	c := &Collector{
		registry: registry,
		log:      log.WithField("component", "metrics"),

		zonesCreatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kratad", Name: "zones_created_total", Help: "Total zones successfully created.",
		}),
		zonesDestroyedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kratad", Name: "zones_destroyed_total", Help: "Total zones successfully destroyed.",
		}),
		zoneCreateErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kratad", Name: "zone_create_errors_total", Help: "Total zone create failures.",
		}),
		zoneDestroyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kratad", Name: "zone_destroy_errors_total", Help: "Total zone destroy failures.",
		}),
		zonesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kratad", Name: "zones_active", Help: "Zones currently in a non-terminal state.",
		}),
		reconcileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kratad", Name: "reconcile_duration_seconds", Help: "Per-UUID reconcile pass duration.",
			Buckets: prometheus.DefBuckets,
		}),
		idmRequestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kratad", Name: "idm_request_duration_seconds", Help: "IDM request round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}),
		natActiveEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "kratad", Name: "nat_active_entries", Help: "Active NAT table entries by protocol.",
		}, []string{"proto"}),
	}

	registry.MustRegister(
		c.zonesCreatedTotal, c.zonesDestroyedTotal, c.zoneCreateErrors, c.zoneDestroyErrors,
		c.zonesActive, c.reconcileLatency, c.idmRequestLatency, c.natActiveEntries,
	)
	return c
}

// RecordZoneCreated increments the created-zones counter and the active gauge.
func (c *Collector) RecordZoneCreated() {
	c.zonesCreatedTotal.Inc()
	c.zonesActive.Inc()
}

// RecordZoneDestroyed increments the destroyed-zones counter and decrements the active gauge.
func (c *Collector) RecordZoneDestroyed() {
	c.zonesDestroyedTotal.Inc()
	c.zonesActive.Dec()
}

// RecordZoneCreateError increments the create-error counter.
func (c *Collector) RecordZoneCreateError() { c.zoneCreateErrors.Inc() }

// RecordZoneDestroyError increments the destroy-error counter.
func (c *Collector) RecordZoneDestroyError() { c.zoneDestroyErrors.Inc() }

// ObserveReconcile records how long a single reconcile pass took.
func (c *Collector) ObserveReconcile(d time.Duration) { c.reconcileLatency.Observe(d.Seconds()) }

// ObserveIdmRequest records an IDM request's round-trip latency.
func (c *Collector) ObserveIdmRequest(d time.Duration) { c.idmRequestLatency.Observe(d.Seconds()) }

// SetNatActiveEntries sets the current NAT table size for proto.
func (c *Collector) SetNatActiveEntries(proto string, count float64) {
	c.natActiveEntries.WithLabelValues(proto).Set(count)
}

// Handler returns the http.Handler serving this collector's metrics in
// Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
