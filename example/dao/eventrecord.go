package dao

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 事件不可变，不使用软删除
type EventPO struct {
	ID            uint      `gorm:"primarykey"`
	EventID       string    `gorm:"column:event_id;size:64;uniqueIndex"`
	AggregateID   string    `gorm:"column:aggregate_id;size:64;uniqueIndex:idx_aggregate_version"`
	Version       int64     `gorm:"column:version;uniqueIndex:idx_aggregate_version"`
	AggregateType string    `gorm:"column:aggregate_type;size:64"`
	EventType     string    `gorm:"column:event_type;size:64;index"`
	Data          string    `gorm:"column:data;type:text"`
	Metadata      string    `gorm:"column:metadata;type:text"`
	OccurredAt    time.Time `gorm:"column:occurred_at"`
}

func (e EventPO) TableName() string {
	return "event_record"
}

type SnapshotPO struct {
	AggregateID string    `gorm:"column:aggregate_id;size:64;primarykey"`
	State       []byte    `gorm:"column:state"`
	Version     int64     `gorm:"column:version"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (s SnapshotPO) TableName() string {
	return "aggregate_snapshot"
}

type EventDAO struct {
	db *gorm.DB
}

func NewEventDAO(db *gorm.DB) *EventDAO {
	return &EventDAO{
		db: db,
	}
}

// LockAndAppend 在事务内锁住聚合当前的最大版本号，check 通过后写入事件
func (e *EventDAO) LockAndAppend(ctx context.Context, record *EventPO, check func(current int64) error) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current int64
		if err := tx.Model(&EventPO{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("COALESCE(MAX(version), 0)").
			Where("aggregate_id = ?", record.AggregateID).
			Scan(&current).Error; err != nil {
			return err
		}

		if err := check(current); err != nil {
			return err
		}
		return tx.Create(record).Error
	})
}

func (e *EventDAO) GetEvents(ctx context.Context, opts ...QueryOption) ([]*EventPO, error) {
	db := e.db.WithContext(ctx).Model(&EventPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*EventPO
	return records, db.Scan(&records).Error
}

// GetAggregateEvents 按版本升序返回 (from, to] 区间内的事件
func (e *EventDAO) GetAggregateEvents(ctx context.Context, aggregateID string, from, to int64) ([]*EventPO, error) {
	return e.GetEvents(ctx, WithAggregateID(aggregateID), WithVersionRange(from, to), WithOrder("version"))
}

func (e *EventDAO) GetEventsByType(ctx context.Context, eventType string, limit int, after time.Time) ([]*EventPO, error) {
	opts := []QueryOption{WithEventType(eventType)}
	if !after.IsZero() {
		opts = append(opts, WithOccurredAfter(after))
	}
	opts = append(opts, WithOrder("id"), WithLimit(limit))
	return e.GetEvents(ctx, opts...)
}

// GetSnapshot 不存在时返回 nil, nil
func (e *EventDAO) GetSnapshot(ctx context.Context, aggregateID string) (*SnapshotPO, error) {
	var snapshot SnapshotPO
	err := e.db.WithContext(ctx).Where("aggregate_id = ?", aggregateID).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (e *EventDAO) SaveSnapshot(ctx context.Context, snapshot *SnapshotPO) error {
	return e.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregate_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "version", "created_at"}),
	}).Create(snapshot).Error
}
