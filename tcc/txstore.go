package tcc

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// 事务日志存储模块
type TXStore interface {
	// 写入一条事务记录，已存在时覆盖
	Save(ctx context.Context, record *TXRecord) error
	// 获取指定的一笔事务，不存在时返回 ErrTXNotFound
	Get(ctx context.Context, txID string) (*TXRecord, error)
	// 获取创建时间早于 createdBefore 且未到终态的事务
	GetHangingTXs(ctx context.Context, createdBefore time.Time) ([]*TXRecord, error)
	// 锁住整个 TXStore 模块（多节点部署时要求为分布式锁）
	Lock(ctx context.Context, expireDuration time.Duration) error
	// 解锁 TXStore 模块
	Unlock(ctx context.Context) error
}

var errStoreLocked = errors.New("tx store locked")

// MemoryTXStore is a process-local TXStore.
type MemoryTXStore struct {
	mutex  sync.Mutex
	txs    map[string]*TXRecord
	locked bool
}

func NewMemoryTXStore() *MemoryTXStore {
	return &MemoryTXStore{
		txs: make(map[string]*TXRecord),
	}
}

func (m *MemoryTXStore) Save(_ context.Context, record *TXRecord) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.txs[record.TXID] = record.clone()
	return nil
}

func (m *MemoryTXStore) Get(_ context.Context, txID string) (*TXRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	record, ok := m.txs[txID]
	if !ok {
		return nil, ErrTXNotFound
	}
	return record.clone(), nil
}

func (m *MemoryTXStore) GetHangingTXs(_ context.Context, createdBefore time.Time) ([]*TXRecord, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var hangingTXs []*TXRecord
	for _, record := range m.txs {
		if record.Status.Terminal() || !record.CreatedAt.Before(createdBefore) {
			continue
		}
		hangingTXs = append(hangingTXs, record.clone())
	}
	sort.Slice(hangingTXs, func(i, j int) bool {
		return hangingTXs[i].CreatedAt.Before(hangingTXs[j].CreatedAt)
	})
	return hangingTXs, nil
}

func (m *MemoryTXStore) Lock(_ context.Context, _ time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.locked {
		return errStoreLocked
	}
	m.locked = true
	return nil
}

func (m *MemoryTXStore) Unlock(_ context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.locked = false
	return nil
}

var _ TXStore = (*MemoryTXStore)(nil)
