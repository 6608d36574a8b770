package tcc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/gotx/internal/retry"
)

func (c *Coordinator) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := c.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

func (c *Coordinator) run() {
	var tick time.Duration
	var err error
	for {
		// 如果出现了失败，tick 需要避让，遵循退避策略增大 tick 间隔时长
		if err == nil {
			tick = c.opts.MonitorTick
		} else {
			tick = c.backOffTick(tick)
		}
		select {
		case <-c.ctx.Done():
			return

		case <-time.After(tick):
			if n := c.prune(time.Now().Add(-c.opts.Retention)); n > 0 {
				c.logger.Debugf("pruned %d finished txs from memory", n)
			}

			// 加锁，避免多个分布式多个节点的监控任务重复执行
			if err = c.txStore.Lock(c.ctx, c.opts.MonitorTick); err != nil {
				// 取锁失败时（大概率被其他节点占有），不对 tick 进行退避升级
				err = nil
				continue
			}

			// 获取超时仍未到终态的事务
			var records []*TXRecord
			if records, err = c.txStore.GetHangingTXs(c.ctx, time.Now().Add(-c.opts.Timeout)); err != nil {
				c.logger.Errorf("get hanging txs failed, err: %v", err)
				_ = c.txStore.Unlock(c.ctx)
				continue
			}

			if err = c.batchRecover(records); err != nil {
				c.logger.Errorf("recover hanging txs failed, err: %v", err)
			}
			_ = c.txStore.Unlock(c.ctx)
		}
	}
}

func (c *Coordinator) batchRecover(records []*TXRecord) error {
	// 对每笔事务进行状态推进
	errCh := make(chan error)
	go func() {
		// 并发执行，推进各笔事务的进度
		var wg sync.WaitGroup
		for _, record := range records {
			// 本节点内存中的事务由执行流程自己推进
			if c.owns(record.TXID) {
				continue
			}
			// shadow
			record := record
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := c.recoverTX(c.ctx, record); err != nil {
					errCh <- err
				}
			}()
		}
		wg.Wait()
		close(errCh)
	}()

	var firstErr error
	// 通过 chan 阻塞在这里，直到所有 goroutine 执行完成，chan 被 close 才能往下
	for err := range errCh {
		// 记录遇到的第一个错误
		if firstErr != nil {
			continue
		}
		firstErr = err
	}

	return firstErr
}

// recoverTX 推进一笔悬挂的事务：已进入 confirm 阶段的尝试重新 confirm，其余的一律 cancel
func (c *Coordinator) recoverTX(ctx context.Context, record *TXRecord) error {
	logger := c.logger.With("tx_id", record.TXID)

	if record.Status == TXConfirming {
		err := c.forEachReserved(ctx, record, false, func(ctx context.Context, resource Resource, op *OperationRecord) (bool, error) {
			return resource.Confirm(ctx, op.ReservationID)
		})
		if err == nil {
			return c.settle(ctx, record, TXConfirmed)
		}
		logger.Warnf("re-confirm hanging tx failed, fall back to cancel, err: %v", err)
	}

	record.Status = TXCancelling
	err := c.forEachReserved(ctx, record, true, func(ctx context.Context, resource Resource, op *OperationRecord) (bool, error) {
		return resource.Cancel(ctx, op.ReservationID)
	})
	if err != nil {
		// 保存进度，下一轮继续
		record.UpdatedAt = time.Now()
		if serr := c.txStore.Save(ctx, record); serr != nil {
			logger.Errorf("save tx record progress failed, err: %v", serr)
		}
		return err
	}
	return c.settle(ctx, record, TXCancelled)
}

func (c *Coordinator) settle(ctx context.Context, record *TXRecord, status TXStatus) error {
	record.Status = status
	record.UpdatedAt = time.Now()
	if err := c.txStore.Save(ctx, record); err != nil {
		return err
	}

	c.adopt(record.TXID, status)
	c.mu.Lock()
	c.stats.Recovered++
	c.mu.Unlock()
	c.opts.Metrics.Recovered(status)
	c.logger.Infof("hanging tx recovered, tx id: %s, status: %s", record.TXID, status)
	return nil
}

// forEachReserved 依次对持有预留 id 的操作执行 fn，cancel 模式下跳过已 cancel 的操作且不因单个失败中断
func (c *Coordinator) forEachReserved(ctx context.Context, record *TXRecord, cancel bool,
	fn func(ctx context.Context, resource Resource, op *OperationRecord) (bool, error)) error {
	phase := PhaseConfirm
	if cancel {
		phase = PhaseCancel
	}

	var firstErr error
	for i := range record.Operations {
		op := &record.Operations[i]
		if op.ReservationID == "" {
			if !cancel {
				return fmt.Errorf("resource: %s has no reservation", op.Resource)
			}
			continue
		}
		if cancel && op.Status == OpCancelled {
			continue
		}

		resources, err := c.registryCenter.getResources(op.Resource)
		if err == nil {
			var ok bool
			err = retry.Call(ctx, c.opts.OperationTimeout, func(cctx context.Context) (err error) {
				ok, err = fn(cctx, resources[0], op)
				return err
			})
			if err == nil && !ok {
				err = fmt.Errorf("resource: %s %s ack failed", op.Resource, phase)
			}
		}
		c.opts.Metrics.OperationCall(op.Resource, phase, err == nil)

		if err != nil {
			if cancel {
				op.Status = OpCancelFailed
			} else {
				op.Status = OpConfirmFailed
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("tx: %s, resource: %s: %w", record.TXID, op.Resource, err)
			}
			if !cancel {
				return firstErr
			}
			continue
		}
		if cancel {
			op.Status = OpCancelled
		} else {
			op.Status = OpConfirmed
		}
	}
	return firstErr
}
