package example

import (
	"context"
	"errors"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/gotx/es"
	"github.com/xiaoxuxiansheng/gotx/example/dao"
)

// mockEventDAO 模拟 mysql 中的事件表
type mockEventDAO struct {
	events    []*dao.EventPO
	snapshots map[string]*dao.SnapshotPO
	insertErr error
}

func newMockEventDAO() *mockEventDAO {
	return &mockEventDAO{
		snapshots: make(map[string]*dao.SnapshotPO),
	}
}

func (m *mockEventDAO) LockAndAppend(ctx context.Context, record *dao.EventPO, check func(current int64) error) error {
	var current int64
	for _, ev := range m.events {
		if ev.AggregateID == record.AggregateID && ev.Version > current {
			current = ev.Version
		}
	}
	if err := check(current); err != nil {
		return err
	}
	if m.insertErr != nil {
		return m.insertErr
	}
	m.events = append(m.events, record)
	return nil
}

func (m *mockEventDAO) GetAggregateEvents(ctx context.Context, aggregateID string, from, to int64) ([]*dao.EventPO, error) {
	var out []*dao.EventPO
	for _, ev := range m.events {
		if ev.AggregateID != aggregateID || ev.Version <= from || (to > 0 && ev.Version > to) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (m *mockEventDAO) GetEventsByType(ctx context.Context, eventType string, limit int, after time.Time) ([]*dao.EventPO, error) {
	var out []*dao.EventPO
	for _, ev := range m.events {
		if ev.EventType == eventType && (limit <= 0 || len(out) < limit) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEventDAO) GetSnapshot(ctx context.Context, aggregateID string) (*dao.SnapshotPO, error) {
	return m.snapshots[aggregateID], nil
}

func (m *mockEventDAO) SaveSnapshot(ctx context.Context, snapshot *dao.SnapshotPO) error {
	m.snapshots[snapshot.AggregateID] = snapshot
	return nil
}

func Test_EventStore_AppendEvent(t *testing.T) {
	mockDAO := newMockEventDAO()
	store := NewEventStore(mockDAO)
	ctx := context.Background()

	require.NoError(t, store.AppendEvent(ctx, es.NewEvent("a1", "account", "opened", 1, map[string]interface{}{"owner": "bob"})))

	tests := []struct {
		name      string
		ev        *es.Event
		insertErr error
		expectErr error
		anyErr    bool
	}{
		{name: "invalidVersion", ev: es.NewEvent("a1", "account", "deposited", 0, nil), anyErr: true},
		{name: "conflict", ev: es.NewEvent("a1", "account", "deposited", 1, nil), expectErr: es.ErrConcurrencyConflict},
		{name: "gap", ev: es.NewEvent("a1", "account", "deposited", 3, nil), expectErr: es.ErrConcurrencyConflict},
		{
			name:      "duplicateEntry",
			ev:        es.NewEvent("a1", "account", "deposited", 2, nil),
			insertErr: &mysqldriver.MySQLError{Number: errDupEntry, Message: "Duplicate entry"},
			expectErr: es.ErrConcurrencyConflict,
		},
		{name: "success", ev: es.NewEvent("a1", "account", "deposited", 2, map[string]interface{}{"amount": 5})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockDAO.insertErr = tt.insertErr
			err := store.AppendEvent(ctx, tt.ev)
			switch {
			case tt.anyErr:
				assert.Error(t, err)
			case tt.expectErr != nil:
				assert.ErrorIs(t, err, tt.expectErr)
			default:
				assert.NoError(t, err)
			}
		})
	}

	events, err := store.GetEvents(ctx, "a1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "bob", events[0].Data["owner"])
	assert.Equal(t, 5.0, events[1].Data["amount"])
	assert.Equal(t, int64(2), events[1].Version)

	byType, err := store.GetEventsByType(ctx, "deposited", 0, time.Time{})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, events[1].ID, byType[0].ID)
}

func Test_EventStore_daoErr(t *testing.T) {
	mockDAO := newMockEventDAO()
	mockDAO.insertErr = errors.New("db err")
	err := NewEventStore(mockDAO).AppendEvent(context.Background(), es.NewEvent("a1", "account", "opened", 1, nil))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, es.ErrConcurrencyConflict))
}

func Test_EventStore_Snapshot(t *testing.T) {
	store := NewEventStore(newMockEventDAO())
	ctx := context.Background()

	_, err := store.GetSnapshot(ctx, "a1")
	assert.ErrorIs(t, err, es.ErrSnapshotNotFound)

	require.NoError(t, store.SaveSnapshot(ctx, "a1", []byte(`{"balance":3}`), 4))
	snapshot, err := store.GetSnapshot(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), snapshot.Version)
	assert.Equal(t, []byte(`{"balance":3}`), snapshot.State)
	assert.WithinDuration(t, time.Now(), snapshot.CreatedAt, time.Second)
}

type account struct {
	es.AggregateRoot
	Balance int64 `json:"balance"`
}

func newAccount(id string) es.Aggregate {
	a := &account{}
	a.Init("account", id)
	a.On("deposited", func(ev *es.Event) error {
		a.Balance += int64(ev.Data["amount"].(float64))
		return nil
	})
	return a
}

func Test_EventStore_Repository(t *testing.T) {
	store := NewEventStore(newMockEventDAO())
	repo := es.NewRepository(store, es.WithSnapshotFrequency(2))
	require.NoError(t, repo.Register("account", newAccount))
	ctx := context.Background()

	acc := newAccount("a1").(*account)
	for i := 0; i < 3; i++ {
		_, err := acc.RaiseEvent("deposited", map[string]interface{}{"amount": 10.0})
		require.NoError(t, err)
	}
	require.NoError(t, repo.Save(ctx, acc))

	loaded, err := es.LoadAs[*account](ctx, repo, "account", "a1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), loaded.Balance)
	assert.Equal(t, int64(3), loaded.Version())
}
