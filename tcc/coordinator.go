package tcc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/gotx/internal/retry"
	"github.com/xiaoxuxiansheng/gotx/log"
)

var errEmptyReservation = errors.New("empty reservation id")

// Coordinator 串联 tcc 的两个阶段：
// 1. try 阶段按顺序执行，任一失败立即终止
// 2. try 全部成功后并发 confirm，全部成功事务才算成功
// 3. 其余情况并发 cancel 所有持有预留 id 的操作
// 事务日志写入 TXStore，后台监控任务负责推进悬挂的事务
type Coordinator struct {
	ctx            context.Context
	stop           context.CancelFunc
	opts           *Options
	txStore        TXStore
	registryCenter *registryCenter
	logger         log.Logger

	mu    sync.RWMutex
	txs   map[string]*Transaction
	stats Stats
}

func NewCoordinator(opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	options := newOptions(opts...)
	c := &Coordinator{
		ctx:            ctx,
		stop:           cancel,
		opts:           options,
		txStore:        options.TXStore,
		registryCenter: newRegistryCenter(),
		logger:         options.Logger.With("component", "tcc_coordinator"),
		txs:            make(map[string]*Transaction),
	}

	go c.run()
	return c
}

func (c *Coordinator) Stop() {
	c.stop()
}

func (c *Coordinator) RegisterResource(name string, resource Resource) error {
	return c.registryCenter.register(name, resource)
}

// BeginTransaction 创建一笔处于 trying 状态的事务，并写入事务日志
func (c *Coordinator) BeginTransaction(ctx context.Context) (string, error) {
	tx := newTransaction(uuid.NewString())
	tx.mu.Lock()
	record := tx.toRecord()
	tx.mu.Unlock()

	if err := c.txStore.Save(ctx, record); err != nil {
		return "", fmt.Errorf("save tx record: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.txs[tx.id] = tx
	c.stats.Total++
	return tx.id, nil
}

func (c *Coordinator) AddOperation(txID string, op *Operation) error {
	tx, err := c.getTX(txID)
	if err != nil {
		return err
	}
	return c.addOperations(tx, op)
}

func (c *Coordinator) addOperations(tx *Transaction, ops ...*Operation) error {
	names := make([]string, 0, len(ops))
	for _, op := range ops {
		if op == nil || op.Resource == "" {
			return ErrInvalidOperation
		}
		names = append(names, op.Resource)
	}
	// 校验其合法性
	if _, err := c.registryCenter.getResources(names...); err != nil {
		return err
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.executed || tx.status != TXTrying {
		return fmt.Errorf("%w: %s", ErrInvalidTXStatus, tx.status)
	}
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if _, ok := seen[op.Resource]; ok || tx.hasResource(op.Resource) {
			return fmt.Errorf("%w: %s", ErrDuplicateOperation, op.Resource)
		}
		seen[op.Resource] = struct{}{}
	}

	for _, op := range ops {
		if op.Timeout <= 0 {
			op.Timeout = c.opts.OperationTimeout
		}
		if op.RetryCount <= 0 {
			op.RetryCount = c.opts.RetryCount
		}
		op.Status = OpPending
		op.ReservationID = ""
		tx.operations = append(tx.operations, op)
		tx.record(EventOperationAdded, op.Resource, nil)
	}
	return nil
}

// ExecuteTransaction 执行事务，ops 会追加到事务已有的操作之后。
// 返回值表示事务是否 confirm 成功，error 只用于调用方误用的场景
func (c *Coordinator) ExecuteTransaction(ctx context.Context, txID string, ops ...*Operation) (bool, error) {
	tx, err := c.getTX(txID)
	if err != nil {
		return false, err
	}
	if len(ops) > 0 {
		if err := c.addOperations(tx, ops...); err != nil {
			return false, err
		}
	}

	tx.mu.Lock()
	if tx.executed || tx.status != TXTrying {
		tx.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrInvalidTXStatus, tx.status)
	}
	if len(tx.operations) == 0 {
		tx.mu.Unlock()
		return false, ErrEmptyOperations
	}
	operations := append([]*Operation(nil), tx.operations...)
	resources, err := c.registryCenter.getResources(resourceNames(operations)...)
	if err != nil {
		tx.mu.Unlock()
		return false, err
	}
	tx.executed = true
	tx.mu.Unlock()

	start := time.Now()
	logger := log.FromContext(ctx, c.logger).With("tx_id", txID)

	tctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	var success bool
	if err := c.tryPhase(tctx, tx, operations, resources, logger); err != nil {
		logger.Errorf("tx try phase failed, err: %v", err)
	} else {
		success = c.confirmPhase(tctx, tx, operations, resources, logger)
	}

	status := TXConfirmed
	if !success {
		// cancel 阶段不受调用方取消的影响
		status = TXCancelled
		if !c.cancelPhase(context.WithoutCancel(ctx), tx, operations, resources, logger) {
			status = TXFailed
		}
	}

	c.finish(context.WithoutCancel(ctx), tx, status, time.Since(start), logger)
	return success, nil
}

func (c *Coordinator) tryPhase(ctx context.Context, tx *Transaction, ops []*Operation, resources []Resource, logger log.Logger) error {
	for i, op := range ops {
		resource := resources[i]

		tx.mu.Lock()
		op.Status = OpTrying
		tx.mu.Unlock()

		var reservationID string
		err := retry.Do(ctx, retry.Policy{
			Attempts: op.RetryCount,
			BackOff:  retry.Linear(c.opts.RetryInterval),
			Notify: func(attempt int, err error, next time.Duration) {
				logger.Warnf("tx try attempt %d failed, resource: %s, retry in %v, err: %v", attempt+1, op.Resource, next, err)
			},
		}, func(attempt int) error {
			tx.mu.Lock()
			op.Attempts = attempt + 1
			tx.mu.Unlock()

			var rid string
			err := retry.Call(ctx, op.Timeout, func(cctx context.Context) (err error) {
				rid, err = resource.Try(cctx, &TryRequest{
					TXID:     tx.id,
					Resource: op.Resource,
					Data:     op.Request,
				})
				return err
			})
			if err == nil && rid == "" {
				err = errEmptyReservation
			}
			c.opts.Metrics.OperationCall(op.Resource, PhaseTry, err == nil)
			if err == nil {
				reservationID = rid
			}
			return err
		})

		tx.mu.Lock()
		if err != nil {
			op.Status = OpTryFailed
			op.Error = err.Error()
			tx.record(EventTryFailed, op.Resource, err)
			tx.mu.Unlock()
			return fmt.Errorf("resource: %s try failed: %w", op.Resource, err)
		}
		op.ReservationID = reservationID
		op.Status = OpTried
		tx.tried = append(tx.tried, op)
		tx.record(EventTrySucceeded, op.Resource, nil)
		record := tx.toRecord()
		tx.mu.Unlock()

		// try 请求成功，但是请求结果更新到事务日志失败时，也需要视为处理失败
		if err = c.txStore.Save(ctx, record); err != nil {
			return fmt.Errorf("save tx record after resource: %s try: %w", op.Resource, err)
		}
	}
	return nil
}

func (c *Coordinator) confirmPhase(ctx context.Context, tx *Transaction, ops []*Operation, resources []Resource, logger log.Logger) bool {
	tx.mu.Lock()
	tx.setStatus(TXConfirming)
	tx.record(EventConfirmStarted, "", nil)
	record := tx.toRecord()
	tx.mu.Unlock()

	// 进入 confirm 前需要落盘，监控任务据此判断是否可以向前推进
	if err := c.txStore.Save(ctx, record); err != nil {
		logger.Errorf("save tx record before confirm failed, err: %v", err)
		return false
	}

	errCh := make(chan error, len(ops))
	var wg sync.WaitGroup
	for i, op := range ops {
		// shadow
		op, resource := op, resources[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.confirmOne(ctx, tx, op, resource); err != nil {
				logger.Errorf("tx confirm failed, resource: %s, reservation id: %s, err: %v", op.Resource, op.ReservationID, err)
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	if err := <-errCh; err != nil {
		return false
	}

	tx.mu.Lock()
	tx.confirmed = append(tx.confirmed, ops...)
	tx.mu.Unlock()
	return true
}

func (c *Coordinator) confirmOne(ctx context.Context, tx *Transaction, op *Operation, resource Resource) error {
	var ok bool
	err := retry.Call(ctx, op.Timeout, func(cctx context.Context) (err error) {
		ok, err = resource.Confirm(cctx, op.ReservationID)
		return err
	})
	if err == nil && !ok {
		err = fmt.Errorf("resource: %s refused confirm", op.Resource)
	}
	c.opts.Metrics.OperationCall(op.Resource, PhaseConfirm, err == nil)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err != nil {
		op.Status = OpConfirmFailed
		op.Error = err.Error()
		tx.record(EventConfirmFailed, op.Resource, err)
		return err
	}
	op.Status = OpConfirmed
	tx.record(EventConfirmSucceeded, op.Resource, nil)
	return nil
}

// cancelPhase 并发 cancel 所有持有预留 id 的操作，单个失败不影响其他操作，全部成功时返回 true
func (c *Coordinator) cancelPhase(ctx context.Context, tx *Transaction, ops []*Operation, resources []Resource, logger log.Logger) bool {
	tx.mu.Lock()
	tx.setStatus(TXCancelling)
	tx.record(EventCancelStarted, "", nil)
	var targets []int
	for i, op := range ops {
		if op.ReservationID != "" && op.Status != OpCancelled {
			targets = append(targets, i)
		}
	}
	record := tx.toRecord()
	tx.mu.Unlock()

	if err := c.txStore.Save(ctx, record); err != nil {
		logger.Errorf("save tx record before cancel failed, err: %v", err)
	}

	errCh := make(chan error, len(targets))
	var wg sync.WaitGroup
	for _, i := range targets {
		// shadow
		op, resource := ops[i], resources[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.cancelOne(ctx, tx, op, resource); err != nil {
				logger.Errorf("tx cancel failed, resource: %s, reservation id: %s, err: %v", op.Resource, op.ReservationID, err)
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)

	return len(errCh) == 0
}

func (c *Coordinator) cancelOne(ctx context.Context, tx *Transaction, op *Operation, resource Resource) error {
	var ok bool
	err := retry.Call(ctx, op.Timeout, func(cctx context.Context) (err error) {
		ok, err = resource.Cancel(cctx, op.ReservationID)
		return err
	})
	if err == nil && !ok {
		err = fmt.Errorf("resource: %s refused cancel", op.Resource)
	}
	c.opts.Metrics.OperationCall(op.Resource, PhaseCancel, err == nil)

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if err != nil {
		op.Status = OpCancelFailed
		op.Error = err.Error()
		tx.record(EventCancelFailed, op.Resource, err)
		return err
	}
	op.Status = OpCancelled
	tx.cancelled = append(tx.cancelled, op)
	tx.record(EventCancelSucceeded, op.Resource, nil)
	return nil
}

func (c *Coordinator) finish(ctx context.Context, tx *Transaction, status TXStatus, duration time.Duration, logger log.Logger) {
	eventType := EventTXConfirmed
	switch status {
	case TXCancelled:
		eventType = EventTXCancelled
	case TXFailed:
		eventType = EventTXFailed
	}

	tx.mu.Lock()
	tx.setStatus(status)
	tx.record(eventType, "", nil)
	record := tx.toRecord()
	tx.mu.Unlock()

	if err := c.txStore.Save(ctx, record); err != nil {
		logger.Errorf("save final tx record failed, status: %s, err: %v", status, err)
	}

	c.mu.Lock()
	switch status {
	case TXConfirmed:
		c.stats.Successful++
	case TXCancelled:
		c.stats.Cancelled++
	case TXFailed:
		c.stats.Failed++
	}
	c.mu.Unlock()

	c.opts.Metrics.TransactionFinished(status, duration)
	logger.Infof("tx finished, status: %s, duration: %v", status, duration)
}

func (c *Coordinator) getTX(txID string) (*Transaction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tx, ok := c.txs[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTXNotFound, txID)
	}
	return tx, nil
}

func (c *Coordinator) GetTransactionStatus(txID string) (TransactionStatus, bool) {
	tx, err := c.getTX(txID)
	if err != nil {
		return TransactionStatus{}, false
	}
	return tx.snapshot(), true
}

func (c *Coordinator) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// owns 判断事务是否仍由本节点推进：正在执行的事务，以及创建后未满 Timeout 的未执行事务。
// 超过 Timeout 仍未执行的事务会被标记为已执行，之后只能由监控任务 cancel
func (c *Coordinator) owns(txID string) bool {
	tx, err := c.getTX(txID)
	if err != nil {
		return false
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.executed {
		return !tx.status.Terminal()
	}
	if time.Since(tx.createdAt) < c.opts.Timeout {
		return true
	}
	tx.executed = true
	tx.record(EventTXHandedOver, "", nil)
	c.logger.Warnf("tx not executed within %v, handed over to monitor, tx id: %s", c.opts.Timeout, txID)
	return false
}

// adopt 把监控任务推进的结果同步到本节点内存中的事务
func (c *Coordinator) adopt(txID string, status TXStatus) {
	tx, err := c.getTX(txID)
	if err != nil {
		return
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.status.Terminal() {
		return
	}
	tx.setStatus(status)
	switch status {
	case TXConfirmed:
		tx.record(EventTXConfirmed, "", nil)
	case TXCancelled:
		tx.record(EventTXCancelled, "", nil)
	}
}

// prune 从内存中移除 cutoff 之前到达终态的事务，事务日志不受影响
func (c *Coordinator) prune(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var pruned int
	for txID, tx := range c.txs {
		tx.mu.Lock()
		expired := tx.status.Terminal() && tx.updatedAt.Before(cutoff)
		tx.mu.Unlock()
		if expired {
			delete(c.txs, txID)
			pruned++
		}
	}
	return pruned
}
