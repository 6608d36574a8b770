package example

import (
	"context"
	"errors"
	"fmt"

	"github.com/demdxx/gocast"
	"github.com/xiaoxuxiansheng/redis_lock"

	"github.com/xiaoxuxiansheng/gotx/example/pkg"
	"github.com/xiaoxuxiansheng/gotx/tcc"
)

// 资源侧记录的一笔预留的状态
type ReservationStatus string

func (r ReservationStatus) String() string {
	return string(r)
}

const (
	ReservationTried     ReservationStatus = "tried"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCancelled ReservationStatus = "cancelled"
)

// 一笔预留对应业务数据的状态
type DataStatus string

func (d DataStatus) String() string {
	return string(d)
}

const (
	DataFrozen     DataStatus = "frozen"
	DataSuccessful DataStatus = "successful"
)

var (
	ErrMissingBizID         = errors.New("missing biz_id")
	ErrReservationCancelled = errors.New("reservation already cancelled")
	ErrDataFrozen           = errors.New("biz data already frozen")
)

// ReservationResource 基于 redis 冻结业务数据的 tcc 资源，预留 id 即事务 id
type ReservationResource struct {
	name   string
	client *redis_lock.Client
}

func NewReservationResource(name string, client *redis_lock.Client) *ReservationResource {
	return &ReservationResource{
		name:   name,
		client: client,
	}
}

func (r *ReservationResource) Name() string {
	return r.name
}

func (r *ReservationResource) Try(ctx context.Context, req *tcc.TryRequest) (string, error) {
	reservationID := req.TXID
	// 基于预留 id 维度加锁
	lock := redis_lock.NewRedisLock(pkg.BuildReservationLockKey(r.name, reservationID), r.client)
	if err := lock.Lock(ctx); err != nil {
		return "", err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	// 幂等去重
	status, err := r.client.Get(ctx, pkg.BuildReservationKey(r.name, reservationID))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return "", err
	}
	switch status {
	case ReservationTried.String(), ReservationConfirmed.String():
		return reservationID, nil
	case ReservationCancelled.String(): // 先 cancel，后收到 try 请求，拒绝
		return "", fmt.Errorf("%w: %s", ErrReservationCancelled, reservationID)
	default:
	}

	bizID := gocast.ToString(req.Data["biz_id"])
	if bizID == "" {
		return "", ErrMissingBizID
	}
	if _, err = r.client.Set(ctx, pkg.BuildReservationDetailKey(r.name, reservationID), bizID); err != nil {
		return "", err
	}

	// 要求必须从零到一把 bizID 对应的数据置为冻结态
	reply, err := r.client.SetNX(ctx, pkg.BuildDataKey(r.name, reservationID, bizID), DataFrozen.String())
	if err != nil {
		return "", err
	}
	if reply != 1 {
		return "", fmt.Errorf("%w: %s", ErrDataFrozen, bizID)
	}

	if _, err = r.client.Set(ctx, pkg.BuildReservationKey(r.name, reservationID), ReservationTried.String()); err != nil {
		return "", err
	}
	return reservationID, nil
}

func (r *ReservationResource) Confirm(ctx context.Context, reservationID string) (bool, error) {
	lock := redis_lock.NewRedisLock(pkg.BuildReservationLockKey(r.name, reservationID), r.client)
	if err := lock.Lock(ctx); err != nil {
		return false, err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	status, err := r.client.Get(ctx, pkg.BuildReservationKey(r.name, reservationID))
	if err != nil {
		return false, err
	}
	switch status {
	case ReservationConfirmed.String():
		return true, nil
	case ReservationTried.String():
	default: // 其他情况直接拒绝
		return false, nil
	}

	bizID, err := r.client.Get(ctx, pkg.BuildReservationDetailKey(r.name, reservationID))
	if err != nil {
		return false, err
	}

	dataStatus, err := r.client.Get(ctx, pkg.BuildDataKey(r.name, reservationID, bizID))
	if err != nil {
		return false, err
	}
	switch dataStatus {
	case DataFrozen.String():
		if _, err = r.client.Set(ctx, pkg.BuildDataKey(r.name, reservationID, bizID), DataSuccessful.String()); err != nil {
			return false, err
		}
	case DataSuccessful.String(): // 上一次 confirm 未能更新预留状态
	default:
		return false, nil
	}

	// 这一步哪怕失败了也不阻塞主流程
	_, _ = r.client.Set(ctx, pkg.BuildReservationKey(r.name, reservationID), ReservationConfirmed.String())
	return true, nil
}

func (r *ReservationResource) Cancel(ctx context.Context, reservationID string) (bool, error) {
	lock := redis_lock.NewRedisLock(pkg.BuildReservationLockKey(r.name, reservationID), r.client)
	if err := lock.Lock(ctx); err != nil {
		return false, err
	}
	defer func() {
		_ = lock.Unlock(ctx)
	}()

	status, err := r.client.Get(ctx, pkg.BuildReservationKey(r.name, reservationID))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return false, err
	}
	switch status {
	case ReservationCancelled.String():
		return true, nil
	case ReservationConfirmed.String(): // 先 confirm 后 cancel，属于非法的状态扭转链路
		return false, fmt.Errorf("invalid reservation status: %s, reservation id: %s", status, reservationID)
	default:
	}

	bizID, err := r.client.Get(ctx, pkg.BuildReservationDetailKey(r.name, reservationID))
	if err != nil && !errors.Is(err, redis_lock.ErrNil) {
		return false, err
	}
	// 没有 try 落地的记录时只需要置为 cancelled，拦截后续迟到的 try
	if bizID != "" {
		if err = r.client.Del(ctx, pkg.BuildDataKey(r.name, reservationID, bizID)); err != nil {
			return false, err
		}
	}

	if _, err = r.client.Set(ctx, pkg.BuildReservationKey(r.name, reservationID), ReservationCancelled.String()); err != nil {
		return false, err
	}
	return true, nil
}

var _ tcc.Resource = (*ReservationResource)(nil)
