package events

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes bus activity as Prometheus counters and gauges. It
// subscribes to every event type.
type Metrics struct {
	jobsTotal         *prometheus.CounterVec
	subtitlesAcquired *prometheus.CounterVec
	providerDisables  *prometheus.CounterVec
	backendDisables   *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec
	catalogVersion    prometheus.Gauge
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sublarr",
			Name:      "jobs_total",
			Help:      "Jobs reaching a terminal state, by outcome.",
		}, []string{"outcome"}),
		subtitlesAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sublarr",
			Name:      "subtitles_acquired_total",
			Help:      "Subtitles written to the library, by language.",
		}, []string{"language"}),
		providerDisables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sublarr",
			Name:      "provider_disables_total",
			Help:      "Automatic provider disables.",
		}, []string{"provider"}),
		backendDisables: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sublarr",
			Name:      "backend_disables_total",
			Help:      "Automatic translation backend disables.",
		}, []string{"backend"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sublarr",
			Name:      "events_total",
			Help:      "Events published on the bus, by type.",
		}, []string{"type"}),
		catalogVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "sublarr",
			Name:      "catalog_version",
			Help:      "Version stamped on the most recent event.",
		}),
	}
	reg.MustRegister(
		m.jobsTotal,
		m.subtitlesAcquired,
		m.providerDisables,
		m.backendDisables,
		m.eventsTotal,
		m.catalogVersion,
	)
	return m
}

// Attach subscribes the collector to the bus.
func (m *Metrics) Attach(bus *Bus) func() {
	return bus.Subscribe(func(event Event) {
		m.eventsTotal.WithLabelValues(string(event.Type)).Inc()
		m.catalogVersion.Set(float64(event.CatalogVersion))

		switch event.Type {
		case TypeJobCompleted:
			m.jobsTotal.WithLabelValues("completed").Inc()
		case TypeJobFailed:
			m.jobsTotal.WithLabelValues("failed").Inc()
		case TypeJobCancelled:
			m.jobsTotal.WithLabelValues("cancelled").Inc()
		case TypeSubtitleDownloaded, TypeSubtitleUpgraded:
			m.subtitlesAcquired.WithLabelValues(event.Language).Inc()
		case TypeProviderDisabled:
			if name, ok := event.Payload.(string); ok {
				m.providerDisables.WithLabelValues(name).Inc()
			}
		case TypeBackendDisabled:
			if name, ok := event.Payload.(string); ok {
				m.backendDisables.WithLabelValues(name).Inc()
			}
		}
	})
}
