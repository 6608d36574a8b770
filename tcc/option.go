package tcc

import (
	"time"

	"github.com/xiaoxuxiansheng/gotx/log"
)

type Options struct {
	// 事务执行时长限制，也是监控任务判定事务悬挂的阈值
	Timeout time.Duration
	// 轮询监控任务间隔时长
	MonitorTick time.Duration
	// 到达终态的事务在内存中保留的时长，之后不再能查询状态
	Retention time.Duration
	// try 重试的退避单位，第 i 次重试前等待 RetryInterval*(i+1)
	RetryInterval time.Duration
	// 单个操作的默认超时与尝试次数
	OperationTimeout time.Duration
	RetryCount       int

	TXStore TXStore
	Logger  log.Logger
	Metrics Metrics
}

type Option func(*Options)

func WithTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return func(o *Options) {
		o.Timeout = timeout
	}
}

func WithMonitorTick(tick time.Duration) Option {
	if tick <= 0 {
		tick = 10 * time.Second
	}

	return func(o *Options) {
		o.MonitorTick = tick
	}
}

func WithRetention(retention time.Duration) Option {
	if retention <= 0 {
		retention = 10 * time.Minute
	}

	return func(o *Options) {
		o.Retention = retention
	}
}

func WithRetryInterval(interval time.Duration) Option {
	return func(o *Options) {
		o.RetryInterval = interval
	}
}

func WithDefaultOperationTimeout(timeout time.Duration) Option {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return func(o *Options) {
		o.OperationTimeout = timeout
	}
}

func WithDefaultRetryCount(count int) Option {
	return func(o *Options) {
		o.RetryCount = count
	}
}

func WithTXStore(store TXStore) Option {
	return func(o *Options) {
		o.TXStore = store
	}
}

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

func newOptions(opts ...Option) *Options {
	options := Options{RetryInterval: time.Second}
	for _, opt := range opts {
		opt(&options)
	}
	repair(&options)
	return &options
}

func repair(o *Options) {
	if o.MonitorTick <= 0 {
		o.MonitorTick = 10 * time.Second
	}

	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}

	if o.Retention <= 0 {
		o.Retention = 10 * time.Minute
	}

	if o.RetryInterval < 0 {
		o.RetryInterval = 0
	}

	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 30 * time.Second
	}

	if o.RetryCount <= 0 {
		o.RetryCount = 3
	}

	if o.TXStore == nil {
		o.TXStore = NewMemoryTXStore()
	}

	if o.Logger == nil {
		o.Logger = log.GetDefaultLogger()
	}

	if o.Metrics == nil {
		o.Metrics = NopMetrics()
	}
}

// Phase names reported to Metrics.OperationCall.
const (
	PhaseTry     = "try"
	PhaseConfirm = "confirm"
	PhaseCancel  = "cancel"
)

// Metrics receives transaction outcomes. Implementations must be safe for concurrent use.
type Metrics interface {
	TransactionFinished(status TXStatus, duration time.Duration)
	OperationCall(resource, phase string, success bool)
	Recovered(status TXStatus)
}

type nopMetrics struct{}

func (nopMetrics) TransactionFinished(TXStatus, time.Duration) {}
func (nopMetrics) OperationCall(string, string, bool)          {}
func (nopMetrics) Recovered(TXStatus)                          {}

func NopMetrics() Metrics { return nopMetrics{} }
