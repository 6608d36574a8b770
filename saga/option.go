package saga

import (
	"time"

	"github.com/xiaoxuxiansheng/gotx/es"
	"github.com/xiaoxuxiansheng/gotx/log"
)

type Options struct {
	Logger  log.Logger
	Metrics Metrics
	// 非空时，saga 执行结束后把生命周期事件写入该存储
	AuditStore es.EventStore

	// 整个 saga 前向执行的期限，<= 0 表示不设期限，超时后进入补偿
	SagaTimeout time.Duration
	StepTimeout time.Duration
	RetryCount  int
	RetryDelay  time.Duration
	Backoff     float64
}

type Option func(*Options)

func WithLogger(logger log.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(o *Options) {
		o.Metrics = metrics
	}
}

func WithAuditStore(store es.EventStore) Option {
	return func(o *Options) {
		o.AuditStore = store
	}
}

func WithDefaultStepTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return func(o *Options) {
		o.StepTimeout = timeout
	}
}

// WithSagaTimeout bounds the forward path of every saga. Compensation is not bounded by it.
func WithSagaTimeout(timeout time.Duration) Option {
	if timeout < 0 {
		timeout = 0
	}

	return func(o *Options) {
		o.SagaTimeout = timeout
	}
}

func WithDefaultRetry(count int, delay time.Duration, backoff float64) Option {
	return func(o *Options) {
		o.RetryCount = count
		o.RetryDelay = delay
		o.Backoff = backoff
	}
}

func newOptions(opts ...Option) *Options {
	options := Options{RetryDelay: time.Second}
	for _, opt := range opts {
		opt(&options)
	}
	repair(&options)
	return &options
}

func repair(o *Options) {
	if o.Logger == nil {
		o.Logger = log.GetDefaultLogger()
	}

	if o.Metrics == nil {
		o.Metrics = NopMetrics()
	}

	if o.StepTimeout <= 0 {
		o.StepTimeout = 30 * time.Second
	}

	if o.RetryCount <= 0 {
		o.RetryCount = 3
	}

	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}

	if o.Backoff < 1 {
		o.Backoff = 2
	}
}

// Metrics receives saga outcomes. Implementations must be safe for concurrent use.
type Metrics interface {
	SagaFinished(status Status, duration time.Duration)
	StepAttempt(step string, success bool)
	Compensation(step string, success bool)
}

type nopMetrics struct{}

func (nopMetrics) SagaFinished(Status, time.Duration) {}
func (nopMetrics) StepAttempt(string, bool)           {}
func (nopMetrics) Compensation(string, bool)          {}

func NopMetrics() Metrics { return nopMetrics{} }
