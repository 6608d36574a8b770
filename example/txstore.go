package example

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoxuxiansheng/redis_lock"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotx/example/dao"
	"github.com/xiaoxuxiansheng/gotx/example/pkg"
	"github.com/xiaoxuxiansheng/gotx/tcc"
)

var errNotLocked = errors.New("tx store not locked by this node")

type TXRecordDAO interface {
	GetTXRecords(ctx context.Context, opts ...dao.QueryOption) ([]*dao.TXRecordPO, error)
	UpsertTXRecord(ctx context.Context, record *dao.TXRecordPO) error
}

// TXStore 事务日志落在 mysql，恢复协程的互斥基于 redis 分布式锁
type TXStore struct {
	client *redis_lock.Client
	dao    TXRecordDAO

	mu   sync.Mutex
	lock *redis_lock.RedisLock
}

func NewTXStore(dao TXRecordDAO, client *redis_lock.Client) *TXStore {
	return &TXStore{
		dao:    dao,
		client: client,
	}
}

func (t *TXStore) Save(ctx context.Context, record *tcc.TXRecord) error {
	ops := make([]*dao.OperationPO, 0, len(record.Operations))
	for _, op := range record.Operations {
		ops = append(ops, &dao.OperationPO{
			Resource:      op.Resource,
			ReservationID: op.ReservationID,
			Status:        op.Status.String(),
		})
	}
	body, err := json.Marshal(ops)
	if err != nil {
		return err
	}

	return t.dao.UpsertTXRecord(ctx, &dao.TXRecordPO{
		Model: gorm.Model{
			CreatedAt: record.CreatedAt,
			UpdatedAt: record.UpdatedAt,
		},
		TXID:       record.TXID,
		Status:     record.Status.String(),
		Operations: string(body),
	})
}

func (t *TXStore) Get(ctx context.Context, txID string) (*tcc.TXRecord, error) {
	records, err := t.dao.GetTXRecords(ctx, dao.WithTXID(txID))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, tcc.ErrTXNotFound
	}
	return toTXRecord(records[0])
}

func (t *TXStore) GetHangingTXs(ctx context.Context, createdBefore time.Time) ([]*tcc.TXRecord, error) {
	records, err := t.dao.GetTXRecords(ctx,
		dao.WithCreatedBefore(createdBefore),
		dao.WithStatusNotIn(tcc.TXConfirmed.String(), tcc.TXCancelled.String(), tcc.TXFailed.String()),
		dao.WithOrder("created_at"),
	)
	if err != nil {
		return nil, err
	}

	txs := make([]*tcc.TXRecord, 0, len(records))
	for _, record := range records {
		tx, err := toTXRecord(record)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

func (t *TXStore) Lock(ctx context.Context, expireDuration time.Duration) error {
	expireSeconds := int64(expireDuration.Seconds())
	if expireSeconds <= 0 {
		expireSeconds = 1
	}
	lock := redis_lock.NewRedisLock(pkg.BuildTXStoreLockKey(), t.client, redis_lock.WithExpireSeconds(expireSeconds))
	if err := lock.Lock(ctx); err != nil {
		return err
	}

	t.mu.Lock()
	t.lock = lock
	t.mu.Unlock()
	return nil
}

// Unlock 只释放本节点持有的锁
func (t *TXStore) Unlock(ctx context.Context) error {
	t.mu.Lock()
	lock := t.lock
	t.lock = nil
	t.mu.Unlock()

	if lock == nil {
		return errNotLocked
	}
	return lock.Unlock(ctx)
}

func toTXRecord(record *dao.TXRecordPO) (*tcc.TXRecord, error) {
	var ops []*dao.OperationPO
	if record.Operations != "" {
		if err := json.Unmarshal([]byte(record.Operations), &ops); err != nil {
			return nil, fmt.Errorf("decode operations of tx %s, err: %w", record.TXID, err)
		}
	}

	tx := tcc.TXRecord{
		TXID:       record.TXID,
		Status:     tcc.TXStatus(record.Status),
		Operations: make([]tcc.OperationRecord, 0, len(ops)),
		CreatedAt:  record.CreatedAt,
		UpdatedAt:  record.UpdatedAt,
	}
	for _, op := range ops {
		tx.Operations = append(tx.Operations, tcc.OperationRecord{
			Resource:      op.Resource,
			ReservationID: op.ReservationID,
			Status:        tcc.OpStatus(op.Status),
		})
	}
	return &tx, nil
}

var _ tcc.TXStore = (*TXStore)(nil)
