package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaoxuxiansheng/gotx/es"
)

// esMetrics implements es.Metrics using Prometheus.
type esMetrics struct {
	eventsAppended *prometheus.CounterVec
	snapshotsSaved *prometheus.CounterVec
	handlerErrors  *prometheus.CounterVec
}

func NewESMetrics(reg prometheus.Registerer) es.Metrics {
	m := &esMetrics{
		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_events_appended_total",
			Help:      "Total number of events appended",
		}, []string{"aggregate_type"}),

		snapshotsSaved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_snapshots_saved_total",
			Help:      "Total number of snapshots saved",
		}, []string{"aggregate_type"}),

		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "es_handler_errors_total",
			Help:      "Total number of failed event handler calls",
		}, []string{"event_type"}),
	}

	reg.MustRegister(
		m.eventsAppended,
		m.snapshotsSaved,
		m.handlerErrors,
	)

	return m
}

func (m *esMetrics) EventsAppended(aggregateType string, count int) {
	m.eventsAppended.WithLabelValues(aggregateType).Add(float64(count))
}

func (m *esMetrics) SnapshotSaved(aggregateType string) {
	m.snapshotsSaved.WithLabelValues(aggregateType).Inc()
}

func (m *esMetrics) HandlerFailed(eventType string) {
	m.handlerErrors.WithLabelValues(eventType).Inc()
}
