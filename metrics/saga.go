package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaoxuxiansheng/gotx/saga"
)

// sagaMetrics implements saga.Metrics using Prometheus.
type sagaMetrics struct {
	sagasFinished *prometheus.CounterVec
	sagaDuration  *prometheus.HistogramVec
	stepAttempts  *prometheus.CounterVec
	compensations *prometheus.CounterVec
}

func NewSagaMetrics(reg prometheus.Registerer) saga.Metrics {
	m := &sagaMetrics{
		sagasFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_finished_total",
			Help:      "Total number of finished sagas by terminal status",
		}, []string{"status"}),

		sagaDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "saga_duration_seconds",
			Help:      "Saga execution time in seconds",
			Buckets:   defaultBuckets,
		}, []string{"status"}),

		stepAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_step_attempts_total",
			Help:      "Total number of saga step attempts",
		}, []string{"step", "result"}),

		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saga_compensations_total",
			Help:      "Total number of saga step compensations",
		}, []string{"step", "result"}),
	}

	reg.MustRegister(
		m.sagasFinished,
		m.sagaDuration,
		m.stepAttempts,
		m.compensations,
	)

	return m
}

func (m *sagaMetrics) SagaFinished(status saga.Status, duration time.Duration) {
	m.sagasFinished.WithLabelValues(status.String()).Inc()
	m.sagaDuration.WithLabelValues(status.String()).Observe(duration.Seconds())
}

func (m *sagaMetrics) StepAttempt(step string, success bool) {
	m.stepAttempts.WithLabelValues(step, result(success)).Inc()
}

func (m *sagaMetrics) Compensation(step string, success bool) {
	m.compensations.WithLabelValues(step, result(success)).Inc()
}
