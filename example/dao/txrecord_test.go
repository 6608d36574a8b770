package dao

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func newMockDB(t *testing.T, now time.Time) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.ExpectQuery("SELECT VERSION()").WillReturnRows(sqlmock.NewRows([]string{"VERSION"}).AddRow("1"))

	gdb, err := gorm.Open(mysql.New(mysql.Config{
		Conn: db,
	}), &gorm.Config{
		DisableAutomaticPing: true,
		NowFunc: func() time.Time {
			return now
		},
	})
	require.NoError(t, err)
	return gdb, mock
}

var txRecordColumns = []string{"id", "created_at", "updated_at", "deleted_at", "tx_id", "status", "operations"}

func Test_GetTXRecords(t *testing.T) {
	now := time.Now()
	gdb, mock := newMockDB(t, now)
	ctx := context.Background()
	txRecordDAO := NewTXRecordDAO(gdb)

	tests := []struct {
		name string
		f    func()
	}{
		{
			name: "byTXID",
			f: func() {
				rows := sqlmock.NewRows(txRecordColumns).
					AddRow(1, now, now, nil, "tx1", "trying", `[{"resource":"stock","reservationID":"","status":"pending"}]`)
				mock.ExpectQuery("SELECT \\* FROM `tx_record` WHERE tx_id = \\? AND `tx_record`.`deleted_at` IS NULL").
					WithArgs("tx1").WillReturnRows(rows)

				records, err := txRecordDAO.GetTXRecords(ctx, WithTXID("tx1"))
				require.NoError(t, err)
				require.Len(t, records, 1)
				assert.Equal(t, "tx1", records[0].TXID)
				assert.Equal(t, "trying", records[0].Status)
			},
		},
		{
			name: "hanging",
			f: func() {
				rows := sqlmock.NewRows(txRecordColumns).
					AddRow(2, now, now, nil, "tx2", "confirming", "[]").
					AddRow(3, now, now, nil, "tx3", "cancelling", "[]")
				mock.ExpectQuery("SELECT \\* FROM `tx_record` WHERE created_at < \\? AND status NOT IN \\(\\?,\\?,\\?\\) AND `tx_record`.`deleted_at` IS NULL").
					WithArgs(now, "confirmed", "cancelled", "failed").WillReturnRows(rows)

				records, err := txRecordDAO.GetTXRecords(ctx, WithCreatedBefore(now), WithStatusNotIn("confirmed", "cancelled", "failed"))
				require.NoError(t, err)
				require.Len(t, records, 2)
				assert.Equal(t, "tx3", records[1].TXID)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.f()
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func Test_UpsertTXRecord(t *testing.T) {
	now := time.Now()
	gdb, mock := newMockDB(t, now)
	txRecordDAO := NewTXRecordDAO(gdb)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `tx_record` .* ON DUPLICATE KEY UPDATE").
		WithArgs(now, now, nil, "tx1", "confirming", "[]").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := txRecordDAO.UpsertTXRecord(context.Background(), &TXRecordPO{
		Model: gorm.Model{
			CreatedAt: now,
			UpdatedAt: now,
		},
		TXID:       "tx1",
		Status:     "confirming",
		Operations: "[]",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
