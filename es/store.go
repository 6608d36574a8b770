package es

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EventStore 事件存储模块，需要保证单个聚合内版本号严格递增
type EventStore interface {
	// 追加一个事件，版本号由调用方指定，存储不做重排
	AppendEvent(ctx context.Context, ev *Event) error
	// 获取版本号大于 fromVersion 的事件，toVersion <= 0 表示不设上限，按版本升序
	GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]*Event, error)
	// 按事件类型查询，limit <= 0 表示不限制，after 为零值表示不按时间过滤
	GetEventsByType(ctx context.Context, eventType string, limit int, after time.Time) ([]*Event, error)
	// 获取聚合快照，不存在时返回 ErrSnapshotNotFound
	GetSnapshot(ctx context.Context, aggregateID string) (*Snapshot, error)
	SaveSnapshot(ctx context.Context, aggregateID string, state []byte, version int64) error
}

// MemoryStore keeps everything in process. All calls share one lock.
type MemoryStore struct {
	mu        sync.Mutex
	all       []*Event
	streams   map[string][]*Event
	snapshots map[string]*Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:   make(map[string][]*Event),
		snapshots: make(map[string]*Snapshot),
	}
}

func (m *MemoryStore) AppendEvent(_ context.Context, ev *Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[ev.AggregateID]
	var current int64
	if len(stream) > 0 {
		current = stream[len(stream)-1].Version
	}
	if ev.Version != current+1 {
		return fmt.Errorf("%w: aggregate: %s, current version: %d, event version: %d", ErrConcurrencyConflict, ev.AggregateID, current, ev.Version)
	}

	stored := ev.Clone()
	m.streams[ev.AggregateID] = append(stream, stored)
	m.all = append(m.all, stored)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, aggregateID string, fromVersion, toVersion int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stream := m.streams[aggregateID]
	events := make([]*Event, 0, len(stream))
	for _, ev := range stream {
		if ev.Version <= fromVersion {
			continue
		}
		if toVersion > 0 && ev.Version > toVersion {
			break
		}
		events = append(events, ev.Clone())
	}
	return events, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, limit int, after time.Time) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var events []*Event
	for _, ev := range m.all {
		if ev.EventType != eventType {
			continue
		}
		if !after.IsZero() && !ev.Timestamp.After(after) {
			continue
		}
		events = append(events, ev.Clone())
		if limit > 0 && len(events) >= limit {
			break
		}
	}
	return events, nil
}

func (m *MemoryStore) GetSnapshot(_ context.Context, aggregateID string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot, ok := m.snapshots[aggregateID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	out := *snapshot
	out.State = append([]byte(nil), snapshot.State...)
	return &out, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, aggregateID string, state []byte, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots[aggregateID] = &Snapshot{
		AggregateID: aggregateID,
		State:       append([]byte(nil), state...),
		Version:     version,
		CreatedAt:   time.Now(),
	}
	return nil
}

var _ EventStore = (*MemoryStore)(nil)
