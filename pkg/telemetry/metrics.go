package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the pipeline instruments on a private registry, so tests can
// build as many instances as they need without duplicate-registration panics.
type Metrics struct {
	Registry *prometheus.Registry

	EventsAccepted     prometheus.Counter
	EventsProcessed    *prometheus.CounterVec
	EventsFailed       prometheus.Counter
	GeneratorDegraded  prometheus.Counter
	SchemaVersionBumps prometheus.Counter

	QueueDepth      *prometheus.GaugeVec
	ProcessDuration prometheus.Histogram
}

// NewMetrics registers the instruments and the standard process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schemascope_events_accepted_total",
			Help: "Webhook payloads accepted and enqueued.",
		}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schemascope_events_processed_total",
			Help: "Jobs fully processed, by outcome.",
		}, []string{"outcome"}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schemascope_events_failed_total",
			Help: "Jobs dead-lettered after exhausting retries.",
		}),
		GeneratorDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schemascope_generator_degraded_total",
			Help: "Artifact generations that fell back to a degraded form.",
		}),
		SchemaVersionBumps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "schemascope_schema_version_bumps_total",
			Help: "Merges that produced a structurally new tree.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "schemascope_queue_depth",
			Help: "Queue depth by state.",
		}, []string{"state"}),
		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "schemascope_processing_duration_seconds",
			Help:    "End-to-end per-job processing duration.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(
		m.EventsAccepted, m.EventsProcessed, m.EventsFailed,
		m.GeneratorDegraded, m.SchemaVersionBumps,
		m.QueueDepth, m.ProcessDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}
