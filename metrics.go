package sentry_gateway

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "rr_sentry_gateway"
)

// metricsCollector implements prometheus.Collector interface
type metricsCollector struct {
	capturedEvents   *uint64 // events accepted by Sentry
	suppressedEvents *uint64 // events gated by the active environment
	failedEvents     *uint64 // events the reporting client failed to send
	rejectedEvents   *uint64 // events failing validation
	droppedEvents    *uint64 // events dropped by the reporting client

	capturedEventsDesc   *prometheus.Desc
	suppressedEventsDesc *prometheus.Desc
	failedEventsDesc     *prometheus.Desc
	rejectedEventsDesc   *prometheus.Desc
	droppedEventsDesc    *prometheus.Desc

	// events by kind (exception, message, query) and outcome
	eventsByKind *prometheus.CounterVec
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		capturedEvents:   ptrTo(uint64(0)),
		suppressedEvents: ptrTo(uint64(0)),
		failedEvents:     ptrTo(uint64(0)),
		rejectedEvents:   ptrTo(uint64(0)),
		droppedEvents:    ptrTo(uint64(0)),

		capturedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "captured_events_total"),
			"Total number of events logged to Sentry",
			nil, nil),

		suppressedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "suppressed_events_total"),
			"Total number of events suppressed because the environment is not enabled",
			nil, nil),

		failedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failed_events_total"),
			"Total number of events which failed to be sent",
			nil, nil),

		rejectedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "rejected_events_total"),
			"Total number of events rejected by validation",
			nil, nil),

		droppedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dropped_events_total"),
			"Total number of events dropped by exclusions or processors",
			nil, nil),

		eventsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "events_by_kind_total"),
				Help: "Total number of events by kind and outcome",
			},
			[]string{"kind", "outcome"}),
	}
}

func (mc *metricsCollector) IncCapturedEvents(kind string) {
	atomic.AddUint64(mc.capturedEvents, 1)
	mc.eventsByKind.WithLabelValues(kind, "captured").Inc()
}

func (mc *metricsCollector) IncSuppressedEvents(kind string) {
	atomic.AddUint64(mc.suppressedEvents, 1)
	mc.eventsByKind.WithLabelValues(kind, "suppressed").Inc()
}

func (mc *metricsCollector) IncFailedEvents(kind string) {
	atomic.AddUint64(mc.failedEvents, 1)
	mc.eventsByKind.WithLabelValues(kind, "failed").Inc()
}

func (mc *metricsCollector) IncRejectedEvents(kind string) {
	atomic.AddUint64(mc.rejectedEvents, 1)
	mc.eventsByKind.WithLabelValues(kind, "rejected").Inc()
}

func (mc *metricsCollector) IncDroppedEvents(kind string) {
	atomic.AddUint64(mc.droppedEvents, 1)
	mc.eventsByKind.WithLabelValues(kind, "dropped").Inc()
}

// Snapshot returns the current counter values
func (mc *metricsCollector) Snapshot() *GatewayMetrics {
	return &GatewayMetrics{
		EventsCaptured:   atomic.LoadUint64(mc.capturedEvents),
		EventsSuppressed: atomic.LoadUint64(mc.suppressedEvents),
		EventsFailed:     atomic.LoadUint64(mc.failedEvents),
		EventsRejected:   atomic.LoadUint64(mc.rejectedEvents),
		EventsDropped:    atomic.LoadUint64(mc.droppedEvents),
	}
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.capturedEventsDesc
	ch <- mc.suppressedEventsDesc
	ch <- mc.failedEventsDesc
	ch <- mc.rejectedEventsDesc
	ch <- mc.droppedEventsDesc

	mc.eventsByKind.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(mc.capturedEventsDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.capturedEvents)))
	ch <- prometheus.MustNewConstMetric(mc.suppressedEventsDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.suppressedEvents)))
	ch <- prometheus.MustNewConstMetric(mc.failedEventsDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.failedEvents)))
	ch <- prometheus.MustNewConstMetric(mc.rejectedEventsDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.rejectedEvents)))
	ch <- prometheus.MustNewConstMetric(mc.droppedEventsDesc, prometheus.CounterValue,
		float64(atomic.LoadUint64(mc.droppedEvents)))

	mc.eventsByKind.Collect(ch)
}

// GatewayMetrics is a point in time copy of the gateway counters
type GatewayMetrics struct {
	EventsCaptured   uint64 `json:"events_captured"`
	EventsSuppressed uint64 `json:"events_suppressed"`
	EventsFailed     uint64 `json:"events_failed"`
	EventsRejected   uint64 `json:"events_rejected"`
	EventsDropped    uint64 `json:"events_dropped"`
}

// Helper function for pointer creation
func ptrTo[T any](v T) *T {
	return &v
}
