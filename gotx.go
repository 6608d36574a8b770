// Package gotx wires a saga orchestrator, a tcc coordinator and an event
// sourcing stack into one explicitly constructed App.
package gotx

import (
	"context"
	"fmt"

	"github.com/xiaoxuxiansheng/gotx/es"
	"github.com/xiaoxuxiansheng/gotx/log"
	"github.com/xiaoxuxiansheng/gotx/metrics"
	"github.com/xiaoxuxiansheng/gotx/saga"
	"github.com/xiaoxuxiansheng/gotx/tcc"
)

type App struct {
	Sagas *saga.Orchestrator
	TCC   *tcc.Coordinator
	Store es.EventStore
	Bus   *es.EventBus
	Repo  *es.Repository

	logger log.Logger
}

func New(opts ...Option) *App {
	options := Options{}
	for _, opt := range opts {
		opt(&options)
	}
	repair(&options)

	sagaOpts := []saga.Option{saga.WithLogger(options.Logger)}
	tccOpts := []tcc.Option{tcc.WithLogger(options.Logger)}
	busOpts := []es.BusOption{es.WithBusLogger(options.Logger)}
	repoOpts := []es.RepositoryOption{
		es.WithRepositoryLogger(options.Logger),
		es.WithSnapshotFrequency(options.SnapshotFrequency),
	}
	if options.SagaAudit {
		sagaOpts = append(sagaOpts, saga.WithAuditStore(options.EventStore))
	}
	if reg := options.Registerer; reg != nil {
		sagaOpts = append(sagaOpts, saga.WithMetrics(metrics.NewSagaMetrics(reg)))
		tccOpts = append(tccOpts, tcc.WithMetrics(metrics.NewTCCMetrics(reg)))
		esMetrics := metrics.NewESMetrics(reg)
		busOpts = append(busOpts, es.WithBusMetrics(esMetrics))
		repoOpts = append(repoOpts, es.WithRepositoryMetrics(esMetrics))
	}
	// 调用方传入的选项优先
	sagaOpts = append(sagaOpts, options.SagaOptions...)
	tccOpts = append(tccOpts, options.TCCOptions...)

	bus := es.NewEventBus(busOpts...)
	repoOpts = append(repoOpts, es.WithEventBus(bus))

	return &App{
		Sagas:  saga.NewOrchestrator(sagaOpts...),
		TCC:    tcc.NewCoordinator(tccOpts...),
		Store:  options.EventStore,
		Bus:    bus,
		Repo:   es.NewRepository(options.EventStore, repoOpts...),
		logger: options.Logger,
	}
}

// Stop ends the tcc recovery monitor.
func (a *App) Stop() {
	a.TCC.Stop()
}

// SagaBuilder adds the steps of a saga triggered by ev.
type SagaBuilder func(ev *es.Event, m *saga.Manager) error

// OnEventStartSaga runs a fresh saga for every published event of eventType.
// It returns the bus subscription id.
func (a *App) OnEventStartSaga(eventType string, build SagaBuilder) string {
	return a.Bus.Subscribe(eventType, func(ctx context.Context, ev *es.Event) error {
		manager := a.Sagas.CreateSaga()
		if err := build(ev, manager); err != nil {
			a.Sagas.RemoveSaga(manager.ID())
			return fmt.Errorf("build saga for event %s: %w", ev.ID, err)
		}

		ok, err := a.Sagas.ExecuteSaga(ctx, manager.ID())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("saga %s triggered by event %s compensated", manager.ID(), ev.ID)
		}
		a.logger.Infof("saga %s triggered by event %s completed", manager.ID(), ev.ID)
		return nil
	})
}

// TCCBuilder returns the operations of a tcc transaction triggered by ev.
type TCCBuilder func(ev *es.Event) ([]*tcc.Operation, error)

// OnEventRunTCC runs a tcc transaction for every published event of eventType.
// It returns the bus subscription id.
func (a *App) OnEventRunTCC(eventType string, build TCCBuilder) string {
	return a.Bus.Subscribe(eventType, func(ctx context.Context, ev *es.Event) error {
		ops, err := build(ev)
		if err != nil {
			return fmt.Errorf("build tcc operations for event %s: %w", ev.ID, err)
		}

		txID, err := a.TCC.BeginTransaction(ctx)
		if err != nil {
			return err
		}
		ok, err := a.TCC.ExecuteTransaction(ctx, txID, ops...)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("tcc transaction %s triggered by event %s not confirmed", txID, ev.ID)
		}
		a.logger.Infof("tcc transaction %s triggered by event %s confirmed", txID, ev.ID)
		return nil
	})
}
