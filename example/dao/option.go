package dao

import (
	"time"

	"gorm.io/gorm"
)

type QueryOption func(db *gorm.DB) *gorm.DB

func WithTXID(txID string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tx_id = ?", txID)
	}
}

func WithStatusNotIn(statuses ...string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("status NOT IN ?", statuses)
	}
}

func WithCreatedBefore(t time.Time) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("created_at < ?", t)
	}
}

func WithAggregateID(aggregateID string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("aggregate_id = ?", aggregateID)
	}
}

func WithEventType(eventType string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("event_type = ?", eventType)
	}
}

// 版本号区间 (from, to]，to <= 0 表示不设上限
func WithVersionRange(from, to int64) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("version > ?", from)
		if to > 0 {
			db = db.Where("version <= ?", to)
		}
		return db
	}
}

func WithOccurredAfter(t time.Time) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("occurred_at > ?", t)
	}
}

func WithOrder(order string) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		return db.Order(order)
	}
}

func WithLimit(limit int) QueryOption {
	return func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	}
}
