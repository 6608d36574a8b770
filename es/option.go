package es

import (
	"time"

	"github.com/xiaoxuxiansheng/gotx/log"
)

type repositoryOptions struct {
	snapshotFrequency int64
	bus               *EventBus
	logger            log.Logger
	metrics           Metrics
}

type RepositoryOption func(*repositoryOptions)

// WithSnapshotFrequency stores a snapshot whenever a save crosses a multiple
// of n versions. n <= 0 disables snapshots.
func WithSnapshotFrequency(n int64) RepositoryOption {
	return func(o *repositoryOptions) {
		o.snapshotFrequency = n
	}
}

func WithEventBus(bus *EventBus) RepositoryOption {
	return func(o *repositoryOptions) {
		o.bus = bus
	}
}

func WithRepositoryLogger(logger log.Logger) RepositoryOption {
	return func(o *repositoryOptions) {
		o.logger = logger
	}
}

func WithRepositoryMetrics(metrics Metrics) RepositoryOption {
	return func(o *repositoryOptions) {
		o.metrics = metrics
	}
}

type busOptions struct {
	logger         log.Logger
	handlerTimeout time.Duration
	metrics        Metrics
}

type BusOption func(*busOptions)

func WithBusLogger(logger log.Logger) BusOption {
	return func(o *busOptions) {
		o.logger = logger
	}
}

// WithHandlerTimeout bounds every handler call. 0 means no bound.
func WithHandlerTimeout(timeout time.Duration) BusOption {
	return func(o *busOptions) {
		o.handlerTimeout = timeout
	}
}

func WithBusMetrics(metrics Metrics) BusOption {
	return func(o *busOptions) {
		o.metrics = metrics
	}
}

// Metrics receives event sourcing activity. Implementations must be safe for concurrent use.
type Metrics interface {
	EventsAppended(aggregateType string, count int)
	SnapshotSaved(aggregateType string)
	HandlerFailed(eventType string)
}

type nopMetrics struct{}

func (nopMetrics) EventsAppended(string, int) {}
func (nopMetrics) SnapshotSaved(string)       {}
func (nopMetrics) HandlerFailed(string)       {}

func NopMetrics() Metrics { return nopMetrics{} }
