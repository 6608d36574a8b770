package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/gotx/es"
	"github.com/xiaoxuxiansheng/gotx/internal/retry"
	"github.com/xiaoxuxiansheng/gotx/log"
)

// Manager 负责单个 saga 实例的执行：
// 1. 按注册顺序执行各步骤，失败时按退避策略重试
// 2. 任一步骤最终失败，按注册逆序补偿已完成的步骤
// 一个 Manager 只能执行一次
type Manager struct {
	mu        sync.RWMutex
	id        string
	sc        *Context
	opts      *Options
	logger    log.Logger
	steps     []*Step
	names     map[string]struct{}
	status    Status
	marker    Status
	completed []string
	events    []Event
	startedAt time.Time
	endedAt   time.Time
	executed  bool

	// 审计流中已有的事件数，恢复的 saga 从该版本之后继续追加
	auditBase   int64
	audited     int
	auditBroken bool

	// 由 Orchestrator 注入，直接调用 Execute 时同样生效
	onStart  func(m *Manager)
	onFinish func(m *Manager, success bool)
}

func NewManager(sagaID string, opts ...Option) *Manager {
	return newManager(sagaID, newOptions(opts...))
}

func newManager(sagaID string, opts *Options) *Manager {
	return &Manager{
		id:     sagaID,
		sc:     newContext(sagaID),
		opts:   opts,
		logger: opts.Logger.With("saga_id", sagaID),
		names:  make(map[string]struct{}),
		status: StatusPending,
	}
}

func (m *Manager) ID() string {
	return m.id
}

// Context returns the scratch space passed to every step of this saga.
func (m *Manager) Context() *Context {
	return m.sc
}

// AddStep appends a step. Order of registration is the execution order.
func (m *Manager) AddStep(step *Step) error {
	if step == nil || step.Name == "" || step.Action == nil {
		return ErrInvalidStep
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.executed {
		return ErrAlreadyExecuted
	}
	if _, ok := m.names[step.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateStep, step.Name)
	}

	m.applyDefaults(step)
	step.Status = StepPending
	m.names[step.Name] = struct{}{}
	m.steps = append(m.steps, step)
	m.record(EventStepAdded, step.Name, nil)
	return nil
}

func (m *Manager) applyDefaults(step *Step) {
	if step.Timeout <= 0 {
		step.Timeout = m.opts.StepTimeout
	}
	if step.retrySet {
		if step.RetryCount <= 0 {
			step.RetryCount = 1
		}
		return
	}
	if step.RetryCount <= 0 {
		step.RetryCount = m.opts.RetryCount
	}
	if step.RetryDelay <= 0 {
		step.RetryDelay = m.opts.RetryDelay
	}
	if step.Backoff < 1 {
		step.Backoff = m.opts.Backoff
	}
}

// Execute runs the saga. The bool reports whether every step completed.
// Step failures never surface as an error; the error is reserved for misuse.
func (m *Manager) Execute(ctx context.Context) (bool, error) {
	m.mu.Lock()
	if m.executed {
		m.mu.Unlock()
		return false, ErrAlreadyExecuted
	}
	m.executed = true
	m.status = StatusRunning
	m.startedAt = time.Now()
	m.record(EventSagaStarted, "", nil)
	steps := m.steps
	m.mu.Unlock()

	if m.onStart != nil {
		m.onStart(m)
	}
	// 审计写入不受调用方取消的影响
	actx := context.WithoutCancel(ctx)
	m.flushAudit(actx)
	m.logger.Infof("saga started, steps: %d", len(steps))

	fctx := ctx
	if m.opts.SagaTimeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, m.opts.SagaTimeout)
		defer cancel()
	}

	for _, step := range steps {
		err := m.runStep(fctx, step)
		m.flushAudit(actx)
		if err == nil {
			continue
		}

		marker := StatusFailed
		if retry.IsTimeout(err) || errors.Is(fctx.Err(), context.DeadlineExceeded) {
			marker = StatusTimeout
		}
		m.mu.Lock()
		m.status = marker
		m.marker = marker
		m.mu.Unlock()
		m.logger.Errorf("saga step failed, step: %s, attempts: %d, err: %v", step.Name, step.Attempts, err)

		// 补偿不受调用方取消和 saga 期限的影响
		m.compensate(actx, m.compensable())
		m.finish(actx, StatusCompensated, EventSagaCompensated)
		return false, nil
	}

	m.finish(actx, StatusCompleted, EventSagaCompleted)
	return true, nil
}

func (m *Manager) runStep(ctx context.Context, step *Step) error {
	m.mu.Lock()
	step.Status = StepRunning
	step.StartedAt = time.Now()
	m.mu.Unlock()

	// 期限已过或调用方已取消，不再发起新的步骤
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: saga deadline exceeded before step %s", retry.ErrTimeout, step.Name)
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		m.fail(step, err)
		return err
	}

	var result interface{}
	err := retry.Do(ctx, retry.Policy{
		Attempts: step.RetryCount,
		BackOff:  retry.Exponential(step.RetryDelay, step.Backoff),
		Notify: func(attempt int, err error, next time.Duration) {
			m.logger.Warnf("saga step attempt %d failed, step: %s, retry in %v, err: %v", attempt+1, step.Name, next, err)
		},
	}, func(attempt int) error {
		m.mu.Lock()
		step.Attempts = attempt + 1
		m.mu.Unlock()

		var res interface{}
		err := retry.Call(ctx, step.Timeout, func(cctx context.Context) (err error) {
			res, err = step.Action(cctx, m.sc)
			return err
		})
		m.opts.Metrics.StepAttempt(step.Name, err == nil)
		if err == nil {
			result = res
		}
		return err
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.fail(step, err)
		return err
	}

	step.EndedAt = time.Now()
	step.Status = StepCompleted
	step.Result = result
	m.completed = append(m.completed, step.Name)
	m.record(EventStepCompleted, step.Name, nil)
	return nil
}

// fail 调用方需持有 m.mu
func (m *Manager) fail(step *Step, err error) {
	step.EndedAt = time.Now()
	step.Status = StepFailed
	if retry.IsTimeout(err) {
		step.Status = StepTimeout
	}
	step.Error = err.Error()
	m.record(EventStepFailed, step.Name, err)
}

func (m *Manager) compensable() map[string]struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	done := make(map[string]struct{}, len(m.completed))
	for _, name := range m.completed {
		done[name] = struct{}{}
	}
	return done
}

// compensate 按注册逆序补偿 done 中的步骤，单个补偿失败不会中断后续补偿
func (m *Manager) compensate(ctx context.Context, done map[string]struct{}) {
	m.mu.Lock()
	m.status = StatusCompensating
	m.record(EventCompensationStarted, "", nil)
	steps := m.steps
	m.mu.Unlock()
	m.flushAudit(ctx)

	m.logger.Infof("saga compensation started, completed steps: %d", len(done))

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if _, ok := done[step.Name]; !ok {
			continue
		}

		m.mu.Lock()
		step.Status = StepCompensating
		m.mu.Unlock()

		var err error
		if step.Compensation != nil {
			err = retry.Call(ctx, step.Timeout, func(cctx context.Context) error {
				return step.Compensation(cctx, m.sc)
			})
		}
		m.opts.Metrics.Compensation(step.Name, err == nil)

		m.mu.Lock()
		if err != nil {
			step.Status = StepCompensationFailed
			step.Error = err.Error()
			m.record(EventCompensationFailed, step.Name, err)
		} else {
			step.Status = StepCompensated
			m.record(EventCompensationCompleted, step.Name, nil)
		}
		m.mu.Unlock()
		m.flushAudit(ctx)

		if err != nil {
			m.logger.Errorf("saga compensation failed, step: %s, err: %v", step.Name, err)
		}
	}
}

func (m *Manager) finish(ctx context.Context, status Status, eventType EventType) {
	m.mu.Lock()
	m.status = status
	m.endedAt = time.Now()
	m.record(eventType, "", nil)
	duration := m.endedAt.Sub(m.startedAt)
	m.mu.Unlock()
	m.flushAudit(ctx)

	m.opts.Metrics.SagaFinished(status, duration)
	m.logger.Infof("saga finished, status: %s, duration: %v", status, duration)
	if m.onFinish != nil {
		m.onFinish(m, status == StatusCompleted)
	}
}

// flushAudit 以 saga id 为聚合 id，把尚未写入的生命周期事件追加到审计存储。
// 写入失败只记录日志，之后不再追加，避免审计流出现版本空洞
func (m *Manager) flushAudit(ctx context.Context) {
	store := m.opts.AuditStore
	if store == nil {
		return
	}

	m.mu.Lock()
	if m.auditBroken {
		m.mu.Unlock()
		return
	}
	pending := append([]Event{}, m.events[m.audited:]...)
	base := m.auditBase + int64(m.audited)
	m.mu.Unlock()

	for i, ev := range pending {
		event := es.NewEvent(m.id, AuditAggregateType, string(ev.Type), base+int64(i)+1, map[string]interface{}{
			"step":  ev.Step,
			"error": ev.Error,
		})
		event.Timestamp = ev.Timestamp
		err := store.AppendEvent(ctx, event)

		m.mu.Lock()
		if err != nil {
			m.auditBroken = true
		} else {
			m.audited++
		}
		m.mu.Unlock()
		if err != nil {
			m.logger.Errorf("append saga audit event failed, version: %d, err: %v", event.Version, err)
			return
		}
	}
}

// record 调用方需持有 m.mu
func (m *Manager) record(eventType EventType, step string, err error) {
	ev := Event{
		Type:      eventType,
		SagaID:    m.id,
		Step:      step,
		Timestamp: time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	m.events = append(m.events, ev)
}

// Events returns a copy of the lifecycle log.
func (m *Manager) Events() []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

func (m *Manager) GetStatus() SagaStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := SagaStatus{
		SagaID:         m.id,
		Status:         m.status,
		FailureMarker:  m.marker,
		Steps:          make([]StepView, 0, len(m.steps)),
		CompletedSteps: append([]string{}, m.completed...),
		CreatedAt:      m.sc.CreatedAt,
		StartedAt:      m.startedAt,
		EndedAt:        m.endedAt,
		EventCount:     len(m.events),
	}
	for _, step := range m.steps {
		status.Steps = append(status.Steps, step.view())
	}
	for _, ev := range m.events {
		if ev.Type == EventCompensationFailed {
			status.FailedCompensations = append(status.FailedCompensations, ev.Step)
		}
	}
	switch {
	case !m.endedAt.IsZero():
		status.Duration = m.endedAt.Sub(m.startedAt)
	case !m.startedAt.IsZero():
		status.Duration = time.Since(m.startedAt)
	}
	return status
}
