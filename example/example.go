package example

import (
	"context"
	"fmt"
	"sort"

	"github.com/xiaoxuxiansheng/redis_lock"
	"gorm.io/gorm"

	"github.com/xiaoxuxiansheng/gotx"
	"github.com/xiaoxuxiansheng/gotx/example/dao"
	"github.com/xiaoxuxiansheng/gotx/example/pkg"
	"github.com/xiaoxuxiansheng/gotx/tcc"
)

// Migrate 创建事务日志、事件与快照表
func Migrate(db *gorm.DB) error {
	return pkg.Migrate(db, &dao.TXRecordPO{}, &dao.EventPO{}, &dao.SnapshotPO{})
}

// NewDurableApp 事务日志和事件存储落在 mysql，分布式锁与资源预留落在 redis。
// resources 中的每个名称都会注册一个 ReservationResource
func NewDurableApp(db *gorm.DB, client *redis_lock.Client, resources []string, opts ...gotx.Option) (*gotx.App, error) {
	txStore := NewTXStore(dao.NewTXRecordDAO(db), client)
	eventStore := NewEventStore(dao.NewEventDAO(db))

	opts = append([]gotx.Option{
		gotx.WithEventStore(eventStore),
		gotx.WithTCCOptions(tcc.WithTXStore(txStore)),
	}, opts...)
	app := gotx.New(opts...)

	// 完成各资源的注册
	for _, name := range resources {
		if err := app.TCC.RegisterResource(name, NewReservationResource(name, client)); err != nil {
			app.Stop()
			return nil, err
		}
	}
	return app, nil
}

// Reserve 在一笔 tcc 事务中冻结每个资源上 bizIDs[resource] 对应的业务数据，
// 资源按名称排序后依次 Try
func Reserve(ctx context.Context, app *gotx.App, bizIDs map[string]string) (string, bool, error) {
	txID, err := app.TCC.BeginTransaction(ctx)
	if err != nil {
		return "", false, err
	}

	resources := make([]string, 0, len(bizIDs))
	for resource := range bizIDs {
		resources = append(resources, resource)
	}
	sort.Strings(resources)

	ops := make([]*tcc.Operation, 0, len(resources))
	for _, resource := range resources {
		ops = append(ops, tcc.NewOperation(resource, map[string]interface{}{
			"biz_id": bizIDs[resource],
		}))
	}

	ok, err := app.TCC.ExecuteTransaction(ctx, txID, ops...)
	if err != nil {
		return txID, false, fmt.Errorf("tx %s failed, err: %w", txID, err)
	}
	return txID, ok, nil
}
