package gotx

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/xiaoxuxiansheng/gotx/es"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/saga"
	"github.com/xiaoxuxiansheng/gotx/tcc"
)

type Options struct {
	SagaOptions       []saga.Option
	TCCOptions        []tcc.Option
	EventStore        es.EventStore
	SnapshotFrequency int64
	// 为 true 时 saga 生命周期事件写入 EventStore
	SagaAudit  bool
	Logger     log.Logger
	Registerer prometheus.Registerer
}

type Option func(*Options)

func WithSagaOptions(opts ...saga.Option) Option {
	return func(o *Options) {
		o.SagaOptions = append(o.SagaOptions, opts...)
	}
}

func WithTCCOptions(opts ...tcc.Option) Option {
	return func(o *Options) {
		o.TCCOptions = append(o.TCCOptions, opts...)
	}
}

func WithEventStore(store es.EventStore) Option {
	return func(o *Options) {
		o.EventStore = store
	}
}

func WithSnapshotFrequency(n int64) Option {
	return func(o *Options) {
		o.SnapshotFrequency = n
	}
}

func WithSagaAudit() Option {
	return func(o *Options) {
		o.SagaAudit = true
	}
}

func WithLogger(logger log.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithPrometheus registers saga, tcc and es collectors on reg.
func WithPrometheus(reg prometheus.Registerer) Option {
	return func(o *Options) {
		o.Registerer = reg
	}
}

func repair(o *Options) {
	if o.EventStore == nil {
		o.EventStore = es.NewMemoryStore()
	}

	if o.Logger == nil {
		o.Logger = log.GetDefaultLogger()
	}

	if o.SnapshotFrequency < 0 {
		o.SnapshotFrequency = 0
	}
}
