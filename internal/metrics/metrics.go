// Package metrics holds the Prometheus instrument set for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument so actors share one registration.
type Metrics struct {
	MonoConsumed  *prometheus.CounterVec
	MultiEmitted  *prometheus.CounterVec
	PoisonEvents  *prometheus.CounterVec
	BrokerRetries *prometheus.CounterVec

	EventsArchived *prometheus.CounterVec
	ArchiveSkipped *prometheus.CounterVec
	StreamTrimmed  *prometheus.CounterVec

	WindowBufferSize prometheus.Gauge
	ArchiveLag       *prometheus.GaugeVec

	ArchiveCycleSeconds prometheus.Histogram
}

// New creates and registers the instrument set on reg. Pass a fresh registry
// in tests to avoid duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MonoConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaflet_mono_events_consumed_total",
				Help: "Mono events read from input streams by CEP workers",
			},
			[]string{"stream"},
		),
		MultiEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaflet_multi_events_emitted_total",
				Help: "Multi events emitted to the integrated stream",
			},
			[]string{"rule"},
		),
		PoisonEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaflet_poison_events_total",
				Help: "Entries dropped because they could not be decoded",
			},
			[]string{"component"},
		),
		BrokerRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaflet_broker_retries_total",
				Help: "Backoff retries after transient broker failures",
			},
			[]string{"component"},
		),
		EventsArchived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaflet_events_archived_total",
				Help: "Events durably copied from the broker to the cold store",
			},
			[]string{"stream", "tier"},
		),
		ArchiveSkipped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaflet_archive_skipped_total",
				Help: "Entries skipped because another archiver checkpointed them first",
			},
			[]string{"stream"},
		),
		StreamTrimmed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "leaflet_stream_trimmed_total",
				Help: "Entries removed from broker streams by retention trim",
			},
			[]string{"stream"},
		),
		WindowBufferSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "leaflet_window_buffer_size",
				Help: "Mono events currently held in the CEP window buffer",
			},
		),
		ArchiveLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "leaflet_archive_lag",
				Help: "Approximate broker entries not yet archived, per stream",
			},
			[]string{"stream"},
		),
		ArchiveCycleSeconds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "leaflet_archive_cycle_seconds",
				Help:    "Wall time of one archival cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// NewUnregistered creates an instrument set on a throwaway registry.
// Convenience for tests and for actors constructed without metrics wiring.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
