package tcc

import "context"

// tcc try 请求参数
type TryRequest struct {
	// 全局唯一的事务 id
	TXID     string                 `json:"txID"`
	Resource string                 `json:"resource"`
	Data     map[string]interface{} `json:"data"`
}

// Resource tcc 参与方
type Resource interface {
	// 执行第一阶段的 try 操作，返回资源预留 id
	Try(ctx context.Context, req *TryRequest) (reservationID string, err error)
	// 执行第二阶段的 confirm 操作，需要保证幂等
	Confirm(ctx context.Context, reservationID string) (bool, error)
	// 执行第二阶段的 cancel 操作，需要保证幂等
	Cancel(ctx context.Context, reservationID string) (bool, error)
}
