package pkg

import (
	"fmt"
	"sync"

	"github.com/xiaoxuxiansheng/redis_lock"
)

const (
	network  = "tcp"
	address  = ""
	password = ""
)

var (
	redisClient *redis_lock.Client
	once        sync.Once
)

func NewRedisClient(network, address, password string) *redis_lock.Client {
	return redis_lock.NewClient(network, address, password)
}

func GetRedisClient() *redis_lock.Client {
	once.Do(func() {
		redisClient = redis_lock.NewClient(network, address, password)
	})
	return redisClient
}

// 预留记录的状态 key，用于幂等去重
func BuildReservationKey(resource, reservationID string) string {
	return fmt.Sprintf("gotx:reservation:%s:%s", resource, reservationID)
}

// 预留记录关联的业务 id
func BuildReservationDetailKey(resource, reservationID string) string {
	return fmt.Sprintf("gotx:reservationDetail:%s:%s", resource, reservationID)
}

// 被冻结的业务数据
func BuildDataKey(resource, reservationID, bizID string) string {
	return fmt.Sprintf("gotx:data:%s:%s:%s", resource, reservationID, bizID)
}

func BuildReservationLockKey(resource, reservationID string) string {
	return fmt.Sprintf("gotx:reservationLock:%s:%s", resource, reservationID)
}

// 恢复协程使用的全局锁
func BuildTXStoreLockKey() string {
	return "gotx:txStore:lock"
}
