package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaoxuxiansheng/gotx/tcc"
)

// tccMetrics implements tcc.Metrics using Prometheus.
type tccMetrics struct {
	txFinished     *prometheus.CounterVec
	txDuration     *prometheus.HistogramVec
	operationCalls *prometheus.CounterVec
	recovered      *prometheus.CounterVec
}

func NewTCCMetrics(reg prometheus.Registerer) tcc.Metrics {
	m := &tccMetrics{
		txFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcc_transactions_finished_total",
			Help:      "Total number of finished tcc transactions by terminal status",
		}, []string{"status"}),

		txDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tcc_transaction_duration_seconds",
			Help:      "TCC transaction execution time in seconds",
			Buckets:   defaultBuckets,
		}, []string{"status"}),

		operationCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcc_operation_calls_total",
			Help:      "Total number of resource calls by phase",
		}, []string{"resource", "phase", "result"}),

		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tcc_recovered_total",
			Help:      "Total number of hanging transactions settled by the monitor",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.txFinished,
		m.txDuration,
		m.operationCalls,
		m.recovered,
	)

	return m
}

func (m *tccMetrics) TransactionFinished(status tcc.TXStatus, duration time.Duration) {
	m.txFinished.WithLabelValues(status.String()).Inc()
	m.txDuration.WithLabelValues(status.String()).Observe(duration.Seconds())
}

func (m *tccMetrics) OperationCall(resource, phase string, success bool) {
	m.operationCalls.WithLabelValues(resource, phase, result(success)).Inc()
}

func (m *tccMetrics) Recovered(status tcc.TXStatus) {
	m.recovered.WithLabelValues(status.String()).Inc()
}
