package dao

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TXRecordPO struct {
	gorm.Model
	TXID   string `gorm:"column:tx_id;size:64;uniqueIndex"`
	Status string `gorm:"column:status;size:32;index"`
	// 各操作的预留信息，json 格式
	Operations string `gorm:"column:operations;type:text"`
}

func (t TXRecordPO) TableName() string {
	return "tx_record"
}

type OperationPO struct {
	Resource      string `json:"resource"`
	ReservationID string `json:"reservationID"`
	Status        string `json:"status"`
}

type TXRecordDAO struct {
	db *gorm.DB
}

func NewTXRecordDAO(db *gorm.DB) *TXRecordDAO {
	return &TXRecordDAO{
		db: db,
	}
}

func (t *TXRecordDAO) GetTXRecords(ctx context.Context, opts ...QueryOption) ([]*TXRecordPO, error) {
	db := t.db.WithContext(ctx).Model(&TXRecordPO{})
	for _, opt := range opts {
		db = opt(db)
	}

	var records []*TXRecordPO
	return records, db.Scan(&records).Error
}

// UpsertTXRecord 以 tx_id 为唯一键，已存在时覆盖状态与操作列表
func (t *TXRecordDAO) UpsertTXRecord(ctx context.Context, record *TXRecordPO) error {
	return t.db.WithContext(ctx).Model(&TXRecordPO{}).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at", "status", "operations"}),
	}).Create(record).Error
}
