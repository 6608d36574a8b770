package example

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/agiledragon/gomonkey/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/gotx/example/dao"
	"github.com/xiaoxuxiansheng/gotx/tcc"
)

type mockTXRecordDAO struct {
	records []*dao.TXRecordPO
	saved   []*dao.TXRecordPO
	queries int
	err     error
}

func (m *mockTXRecordDAO) GetTXRecords(ctx context.Context, opts ...dao.QueryOption) ([]*dao.TXRecordPO, error) {
	m.queries = len(opts)
	return m.records, m.err
}

func (m *mockTXRecordDAO) UpsertTXRecord(ctx context.Context, record *dao.TXRecordPO) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, record)
	return nil
}

func Test_TXStore_Save(t *testing.T) {
	now := time.Now()
	mockDAO := &mockTXRecordDAO{}
	store := NewTXStore(mockDAO, &redis_lock.Client{})

	err := store.Save(context.Background(), &tcc.TXRecord{
		TXID:   "tx1",
		Status: tcc.TXConfirming,
		Operations: []tcc.OperationRecord{
			{Resource: "stock", ReservationID: "r1", Status: tcc.OpTried},
		},
		CreatedAt: now,
		UpdatedAt: now,
	})
	require.NoError(t, err)
	require.Len(t, mockDAO.saved, 1)
	assert.Equal(t, "tx1", mockDAO.saved[0].TXID)
	assert.Equal(t, "confirming", mockDAO.saved[0].Status)
	assert.Equal(t, now, mockDAO.saved[0].CreatedAt)
	assert.JSONEq(t, `[{"resource":"stock","reservationID":"r1","status":"tried"}]`, mockDAO.saved[0].Operations)

	mockDAO.err = errors.New("db err")
	assert.Error(t, store.Save(context.Background(), &tcc.TXRecord{TXID: "tx2"}))
}

func Test_TXStore_Get(t *testing.T) {
	now := time.Now()
	ctx := context.Background()

	tests := []struct {
		name      string
		dao       *mockTXRecordDAO
		expectErr error
		anyErr    bool
	}{
		{name: "notFound", dao: &mockTXRecordDAO{}, expectErr: tcc.ErrTXNotFound},
		{name: "daoErr", dao: &mockTXRecordDAO{err: errors.New("db err")}, anyErr: true},
		{
			name: "badOperations",
			dao: &mockTXRecordDAO{records: []*dao.TXRecordPO{
				{TXID: "tx1", Status: "trying", Operations: "{"},
			}},
			anyErr: true,
		},
		{
			name: "success",
			dao: &mockTXRecordDAO{records: []*dao.TXRecordPO{
				{TXID: "tx1", Status: "cancelling", Operations: `[{"resource":"stock","reservationID":"r1","status":"tried"}]`},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, record := range tt.dao.records {
				record.CreatedAt = now
			}
			record, err := NewTXStore(tt.dao, &redis_lock.Client{}).Get(ctx, "tx1")
			switch {
			case tt.expectErr != nil:
				assert.ErrorIs(t, err, tt.expectErr)
			case tt.anyErr:
				assert.Error(t, err)
			default:
				require.NoError(t, err)
				assert.Equal(t, tcc.TXCancelling, record.Status)
				assert.Equal(t, now, record.CreatedAt)
				assert.Equal(t, []tcc.OperationRecord{{Resource: "stock", ReservationID: "r1", Status: tcc.OpTried}}, record.Operations)
			}
		})
	}
}

func Test_TXStore_GetHangingTXs(t *testing.T) {
	mockDAO := &mockTXRecordDAO{records: []*dao.TXRecordPO{
		{TXID: "tx1", Status: "trying", Operations: "[]"},
		{TXID: "tx2", Status: "confirming"},
	}}
	records, err := NewTXStore(mockDAO, &redis_lock.Client{}).GetHangingTXs(context.Background(), time.Now())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, tcc.TXConfirming, records[1].Status)
	assert.Empty(t, records[1].Operations)
	// created_at、状态与排序三个条件
	assert.Equal(t, 3, mockDAO.queries)
}

func Test_TXStore_Lock(t *testing.T) {
	lockErr := "lockErr"
	lockErrCtxKey := &lockErr

	var unlocked int
	patch := gomonkey.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Lock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		if fail, _ := ctx.Value(lockErrCtxKey).(bool); fail {
			return errors.New("lock err")
		}
		return nil
	})
	patch = patch.ApplyMethod(reflect.TypeOf(&redis_lock.RedisLock{}), "Unlock", func(_ *redis_lock.RedisLock, ctx context.Context) error {
		unlocked++
		return nil
	})
	defer patch.Reset()

	store := NewTXStore(&mockTXRecordDAO{}, &redis_lock.Client{})
	ctx := context.Background()

	assert.Error(t, store.Lock(context.WithValue(ctx, lockErrCtxKey, true), time.Second))
	assert.ErrorIs(t, store.Unlock(ctx), errNotLocked)

	require.NoError(t, store.Lock(ctx, 500*time.Millisecond))
	assert.NoError(t, store.Unlock(ctx))
	assert.Equal(t, 1, unlocked)
	assert.ErrorIs(t, store.Unlock(ctx), errNotLocked)
}
