// Package metrics exposes the engine's counters and the per-link latency
// histogram through a prometheus.Registerer, satisfying the tracker and
// matcher packages' Metrics interfaces. It counts unknown-protocol drops,
// raw-buffer overflow bytes, orphan requests and responses, and output-queue
// drops; Invalid parse results are not counted.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/foolishisme/l7probe/proto"
)

// Collector bundles every metric the engine emits.
type Collector struct {
	unknownProtocol   prometheus.Counter
	resourceExhausted *prometheus.CounterVec
	orphanRequests    *prometheus.CounterVec
	orphanResponses   *prometheus.CounterVec
	outputDropped     prometheus.Counter
	trackersActive    prometheus.Gauge
	latency           *prometheus.HistogramVec
}

// Buckets are the default per-link latency histogram bucket bounds in
// nanoseconds, spanning 100us to ~1s.
var Buckets = []float64{
	1e5, 2.5e5, 5e5, 1e6, 2.5e6, 5e6, 1e7, 2.5e7, 5e7, 1e8, 2.5e8, 5e8, 1e9,
}

// NewCollector registers the engine's metrics against reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		unknownProtocol: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l7probe",
			Name:      "unknown_protocol_total",
			Help:      "payload events discarded because no protocol inference succeeded",
		}),
		resourceExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "l7probe",
			Name:      "resource_exhausted_bytes_total",
			Help:      "bytes dropped from a raw buffer after exceeding its hard cap",
		}, []string{"protocol"}),
		orphanRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "l7probe",
			Name:      "orphan_requests_total",
			Help:      "request frames evicted unmatched after the orphan timeout",
		}, []string{"protocol"}),
		orphanResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "l7probe",
			Name:      "orphan_responses_total",
			Help:      "response frames evicted unmatched after the orphan timeout",
		}, []string{"protocol"}),
		outputDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "l7probe",
			Name:      "output_queue_dropped_total",
			Help:      "records dropped because the output sink was full",
		}),
		trackersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "l7probe",
			Name:      "trackers_active",
			Help:      "connections currently tracked",
		}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "l7probe",
			Name:      "request_latency_nanoseconds",
			Help:      "per-link request/response latency",
			Buckets:   Buckets,
		}, []string{"protocol"}),
	}
	reg.MustRegister(
		c.unknownProtocol, c.resourceExhausted, c.orphanRequests,
		c.orphanResponses, c.outputDropped, c.trackersActive, c.latency,
	)
	return c
}

// UnknownProtocol implements tracker.Metrics.
func (c *Collector) UnknownProtocol() { c.unknownProtocol.Inc() }

// ResourceExhausted implements tracker.Metrics (fed by the tracker's
// overflow adapter) and labels the counter "unknown"; ForProtocol returns
// a view that attaches the protocol label, since rawbuf has no proto import.
func (c *Collector) ResourceExhausted(dropped int) {
	c.resourceExhausted.WithLabelValues("unknown").Add(float64(dropped))
}

// OrphanRequest implements match.Metrics.
func (c *Collector) OrphanRequest() { c.orphanRequests.WithLabelValues("unknown").Inc() }

// OrphanResponse implements match.Metrics.
func (c *Collector) OrphanResponse() { c.orphanResponses.WithLabelValues("unknown").Inc() }

// OutputDropped implements match.Metrics.
func (c *Collector) OutputDropped() { c.outputDropped.Inc() }

// SetTrackersActive reports the current tracker-table size.
func (c *Collector) SetTrackersActive(n int) { c.trackersActive.Set(float64(n)) }

// ObserveLatency records one matched record's latency against p's label.
func (c *Collector) ObserveLatency(p proto.Protocol, ns int64) {
	c.latency.WithLabelValues(p.String()).Observe(float64(ns))
}

// ForProtocol returns a view of the collector that labels counters with p,
// for use as a tracker/stream's Metrics implementation scoped to one
// connection's classified protocol.
func (c *Collector) ForProtocol(p proto.Protocol) *ScopedMetrics {
	return &ScopedMetrics{c: c, label: p.String()}
}

// ScopedMetrics adapts Collector to tracker.Metrics/match.Metrics with a
// fixed protocol label, since those packages count per-tracker events
// without knowing the Collector's vector labels.
type ScopedMetrics struct {
	c     *Collector
	label string
}

func (s *ScopedMetrics) UnknownProtocol() { s.c.unknownProtocol.Inc() }
func (s *ScopedMetrics) ResourceExhausted(n int) {
	s.c.resourceExhausted.WithLabelValues(s.label).Add(float64(n))
}
func (s *ScopedMetrics) OrphanRequest()  { s.c.orphanRequests.WithLabelValues(s.label).Inc() }
func (s *ScopedMetrics) OrphanResponse() { s.c.orphanResponses.WithLabelValues(s.label).Inc() }
func (s *ScopedMetrics) OutputDropped()  { s.c.outputDropped.Inc() }
