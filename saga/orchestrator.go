package saga

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/gotx/es"
)

// AuditAggregateType is the aggregate type of saga audit streams.
const AuditAggregateType = "saga"

// Orchestrator 维护进行中的 saga，执行结束后 id 从 active 移入 completed
type Orchestrator struct {
	mu        sync.Mutex
	opts      *Options
	active    map[string]*Manager
	executing map[string]struct{}
	completed []string
	stats     Stats
}

func NewOrchestrator(opts ...Option) *Orchestrator {
	return &Orchestrator{
		opts:      newOptions(opts...),
		active:    make(map[string]*Manager),
		executing: make(map[string]struct{}),
	}
}

// CreateSaga registers a fresh saga under a generated id. The saga leaves the
// active set once it finishes, whether it ran through ExecuteSaga or Execute.
func (o *Orchestrator) CreateSaga() *Manager {
	manager := newManager(uuid.NewString(), o.opts)
	manager.onStart = o.started
	manager.onFinish = o.finished

	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[manager.ID()] = manager
	o.stats.Created++
	return manager
}

// ExecuteSaga runs the saga registered under sagaID. Whatever the outcome,
// the saga leaves the active set and is never executed again.
func (o *Orchestrator) ExecuteSaga(ctx context.Context, sagaID string) (bool, error) {
	manager, ok := o.GetSaga(sagaID)
	if !ok {
		return false, ErrSagaNotFound
	}

	success, err := manager.Execute(ctx)
	if err != nil {
		o.mu.Lock()
		o.stats.Errored++
		o.mu.Unlock()
	}
	return success, err
}

func (o *Orchestrator) started(m *Manager) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.executing[m.ID()] = struct{}{}
}

func (o *Orchestrator) finished(m *Manager, success bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.executing, m.ID())
	delete(o.active, m.ID())
	o.completed = append(o.completed, m.ID())
	o.stats.Finished++
	if success {
		o.stats.Completed++
	} else {
		o.stats.Compensated++
	}
}

// StepsBuilder rebuilds the steps of an interrupted saga in their original
// registration order. Step closures are not persisted, so recovery needs them again.
type StepsBuilder func(sagaID string) ([]*Step, error)

// Recover 扫描审计存储中已开始但没有终态事件的 saga，并补偿其中已完成的步骤：
// 1. 本进程中仍在 active 集合里的 saga 不处理
// 2. 审计中 step_completed 且尚未 compensation_completed 的步骤需要补偿
// 3. 中断时可能正在执行的下一个步骤同样补偿一次
// 恢复的 saga 以 Compensated 结束，失败标记为 Failed。返回恢复的 saga 数
func (o *Orchestrator) Recover(ctx context.Context, build StepsBuilder) (int, error) {
	store := o.opts.AuditStore
	if store == nil {
		return 0, ErrNoAuditStore
	}

	starts, err := store.GetEventsByType(ctx, string(EventSagaStarted), 0, time.Time{})
	if err != nil {
		return 0, err
	}

	var (
		recovered int
		errs      []error
	)
	for _, start := range starts {
		if start.AggregateType != AuditAggregateType {
			continue
		}
		if _, ok := o.GetSaga(start.AggregateID); ok {
			continue
		}

		ok, err := o.recoverSaga(ctx, store, start, build)
		if err != nil {
			o.opts.Logger.Errorf("recover saga failed, saga_id: %s, err: %v", start.AggregateID, err)
			errs = append(errs, fmt.Errorf("saga %s: %w", start.AggregateID, err))
			continue
		}
		if ok {
			recovered++
		}
	}
	return recovered, errors.Join(errs...)
}

func (o *Orchestrator) recoverSaga(ctx context.Context, store es.EventStore, start *es.Event, build StepsBuilder) (bool, error) {
	stream, err := store.GetEvents(ctx, start.AggregateID, 0, 0)
	if err != nil {
		return false, err
	}

	var (
		completed   = make(map[string]struct{})
		compensated = make(map[string]struct{})
		failed      = make(map[string]struct{})
	)
	for _, ev := range stream {
		step, _ := ev.Data["step"].(string)
		switch EventType(ev.EventType) {
		case EventSagaCompleted, EventSagaCompensated:
			return false, nil
		case EventStepCompleted:
			completed[step] = struct{}{}
		case EventStepFailed:
			failed[step] = struct{}{}
		case EventCompensationCompleted:
			compensated[step] = struct{}{}
		}
	}

	steps, err := build(start.AggregateID)
	if err != nil {
		return false, err
	}

	manager := newManager(start.AggregateID, o.opts)
	manager.auditBase = int64(len(stream))
	manager.executed = true
	manager.startedAt = start.Timestamp
	manager.status = StatusFailed
	manager.marker = StatusFailed

	done := make(map[string]struct{})
	inFlight := true
	for _, step := range steps {
		if step == nil || step.Name == "" {
			return false, ErrInvalidStep
		}
		if _, ok := manager.names[step.Name]; ok {
			return false, fmt.Errorf("%w: %s", ErrDuplicateStep, step.Name)
		}
		manager.applyDefaults(step)
		manager.names[step.Name] = struct{}{}
		manager.steps = append(manager.steps, step)

		_, isCompleted := completed[step.Name]
		_, isCompensated := compensated[step.Name]
		_, isFailed := failed[step.Name]
		switch {
		case isCompleted:
			step.Status = StepCompleted
			manager.completed = append(manager.completed, step.Name)
			if isCompensated {
				step.Status = StepCompensated
				continue
			}
			done[step.Name] = struct{}{}
		case isFailed:
			step.Status = StepFailed
			inFlight = false
		case inFlight:
			// 动作可能已部分生效，补偿对未执行的动作没有副作用
			step.Status = StepRunning
			done[step.Name] = struct{}{}
			inFlight = false
		default:
			step.Status = StepPending
		}
	}

	manager.logger.Warnf("recovering interrupted saga, steps to compensate: %d", len(done))
	manager.compensate(ctx, done)
	manager.finish(ctx, StatusCompensated, EventSagaCompensated)

	o.mu.Lock()
	o.completed = append(o.completed, manager.ID())
	o.stats.Finished++
	o.stats.Compensated++
	o.stats.Recovered++
	o.mu.Unlock()
	return true, nil
}

func (o *Orchestrator) GetSaga(sagaID string) (*Manager, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	manager, ok := o.active[sagaID]
	return manager, ok
}

// RemoveSaga drops a saga that has not started executing.
func (o *Orchestrator) RemoveSaga(sagaID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.executing[sagaID]; running {
		return false
	}
	if _, ok := o.active[sagaID]; !ok {
		return false
	}
	delete(o.active, sagaID)
	return true
}

// GetActiveSagas returns status snapshots of every saga not yet finished, ordered by creation.
func (o *Orchestrator) GetActiveSagas() []SagaStatus {
	o.mu.Lock()
	managers := make([]*Manager, 0, len(o.active))
	for _, manager := range o.active {
		managers = append(managers, manager)
	}
	o.mu.Unlock()

	statuses := make([]SagaStatus, 0, len(managers))
	for _, manager := range managers {
		statuses = append(statuses, manager.GetStatus())
	}
	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].CreatedAt.Before(statuses[j].CreatedAt)
	})
	return statuses
}

// CompletedSagas returns the ids of finished sagas in completion order.
func (o *Orchestrator) CompletedSagas() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.completed...)
}

func (o *Orchestrator) GetStats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	stats := o.stats
	stats.Active = len(o.active)
	stats.Running = len(o.executing)
	return stats
}
