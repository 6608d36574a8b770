package example

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/xiaoxuxiansheng/gotx/es"
	"github.com/xiaoxuxiansheng/gotx/example/dao"
)

// mysql 唯一键冲突
const errDupEntry = 1062

type EventDAO interface {
	LockAndAppend(ctx context.Context, record *dao.EventPO, check func(current int64) error) error
	GetAggregateEvents(ctx context.Context, aggregateID string, from, to int64) ([]*dao.EventPO, error)
	GetEventsByType(ctx context.Context, eventType string, limit int, after time.Time) ([]*dao.EventPO, error)
	GetSnapshot(ctx context.Context, aggregateID string) (*dao.SnapshotPO, error)
	SaveSnapshot(ctx context.Context, snapshot *dao.SnapshotPO) error
}

// EventStore 基于 mysql 的事件存储，(aggregate_id, version) 唯一
type EventStore struct {
	dao EventDAO
}

func NewEventStore(dao EventDAO) *EventStore {
	return &EventStore{
		dao: dao,
	}
}

func (e *EventStore) AppendEvent(ctx context.Context, ev *es.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return err
	}

	record := dao.EventPO{
		EventID:       ev.ID,
		AggregateID:   ev.AggregateID,
		AggregateType: ev.AggregateType,
		EventType:     ev.EventType,
		Version:       ev.Version,
		Data:          string(data),
		Metadata:      string(metadata),
		OccurredAt:    ev.Timestamp,
	}
	err = e.dao.LockAndAppend(ctx, &record, func(current int64) error {
		if ev.Version != current+1 {
			return fmt.Errorf("%w: aggregate: %s, current version: %d, event version: %d", es.ErrConcurrencyConflict, ev.AggregateID, current, ev.Version)
		}
		return nil
	})

	// 并发写入时由唯一索引兜底
	var mysqlErr *mysqldriver.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == errDupEntry {
		return fmt.Errorf("%w: aggregate: %s, event version: %d", es.ErrConcurrencyConflict, ev.AggregateID, ev.Version)
	}
	return err
}

func (e *EventStore) GetEvents(ctx context.Context, aggregateID string, fromVersion, toVersion int64) ([]*es.Event, error) {
	records, err := e.dao.GetAggregateEvents(ctx, aggregateID, fromVersion, toVersion)
	if err != nil {
		return nil, err
	}
	return toEvents(records)
}

func (e *EventStore) GetEventsByType(ctx context.Context, eventType string, limit int, after time.Time) ([]*es.Event, error) {
	records, err := e.dao.GetEventsByType(ctx, eventType, limit, after)
	if err != nil {
		return nil, err
	}
	return toEvents(records)
}

func (e *EventStore) GetSnapshot(ctx context.Context, aggregateID string) (*es.Snapshot, error) {
	snapshot, err := e.dao.GetSnapshot(ctx, aggregateID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, es.ErrSnapshotNotFound
	}
	return &es.Snapshot{
		AggregateID: snapshot.AggregateID,
		State:       snapshot.State,
		Version:     snapshot.Version,
		CreatedAt:   snapshot.CreatedAt,
	}, nil
}

func (e *EventStore) SaveSnapshot(ctx context.Context, aggregateID string, state []byte, version int64) error {
	return e.dao.SaveSnapshot(ctx, &dao.SnapshotPO{
		AggregateID: aggregateID,
		State:       state,
		Version:     version,
		CreatedAt:   time.Now(),
	})
}

func toEvents(records []*dao.EventPO) ([]*es.Event, error) {
	events := make([]*es.Event, 0, len(records))
	for _, record := range records {
		ev := es.Event{
			ID:            record.EventID,
			AggregateID:   record.AggregateID,
			AggregateType: record.AggregateType,
			EventType:     record.EventType,
			Timestamp:     record.OccurredAt,
			Version:       record.Version,
		}
		if err := json.Unmarshal([]byte(record.Data), &ev.Data); err != nil {
			return nil, fmt.Errorf("decode data of event %s, err: %w", record.EventID, err)
		}
		if record.Metadata != "" {
			if err := json.Unmarshal([]byte(record.Metadata), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata of event %s, err: %w", record.EventID, err)
			}
		}
		events = append(events, &ev)
	}
	return events, nil
}

var _ es.EventStore = (*EventStore)(nil)
