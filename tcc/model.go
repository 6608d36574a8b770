package tcc

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrTXNotFound         = errors.New("transaction not found")
	ErrResourceNotFound   = errors.New("resource not found")
	ErrRepeatResource     = errors.New("repeat resource name")
	ErrDuplicateOperation = errors.New("repeat resource in transaction")
	ErrEmptyOperations    = errors.New("empty operations")
	ErrInvalidTXStatus    = errors.New("invalid transaction status")
	ErrInvalidOperation   = errors.New("invalid operation")
)

// 事务状态
type TXStatus string

const (
	TXTrying     TXStatus = "trying"
	TXConfirming TXStatus = "confirming"
	TXCancelling TXStatus = "cancelling"
	TXConfirmed  TXStatus = "confirmed"
	TXCancelled  TXStatus = "cancelled"
	// cancel 阶段存在失败，可能遗留未释放的预留资源
	TXFailed TXStatus = "failed"
)

func (t TXStatus) String() string {
	return string(t)
}

func (t TXStatus) Terminal() bool {
	return t == TXConfirmed || t == TXCancelled || t == TXFailed
}

// 单个操作的状态
type OpStatus string

const (
	OpPending       OpStatus = "pending"
	OpTrying        OpStatus = "trying"
	OpTried         OpStatus = "tried"
	OpTryFailed     OpStatus = "try_failed"
	OpConfirmed     OpStatus = "confirmed"
	OpConfirmFailed OpStatus = "confirm_failed"
	OpCancelled     OpStatus = "cancelled"
	OpCancelFailed  OpStatus = "cancel_failed"
)

func (o OpStatus) String() string {
	return string(o)
}

// Operation is one resource invocation inside a transaction. ReservationID is
// set by a successful Try and is the only handle passed to Confirm/Cancel.
type Operation struct {
	Resource string                 `json:"resource"`
	Request  map[string]interface{} `json:"request"`
	Timeout  time.Duration          `json:"timeout"`
	// RetryCount try 操作的总尝试次数
	RetryCount int `json:"retryCount"`

	ReservationID string   `json:"reservationID"`
	Status        OpStatus `json:"status"`
	Error         string   `json:"error,omitempty"`
	Attempts      int      `json:"attempts"`
}

type OperationOption func(*Operation)

func WithOperationTimeout(timeout time.Duration) OperationOption {
	return func(o *Operation) {
		o.Timeout = timeout
	}
}

func WithOperationRetry(count int) OperationOption {
	return func(o *Operation) {
		o.RetryCount = count
	}
}

func NewOperation(resource string, request map[string]interface{}, opts ...OperationOption) *Operation {
	op := Operation{
		Resource: resource,
		Request:  request,
		Status:   OpPending,
	}
	for _, opt := range opts {
		opt(&op)
	}
	return &op
}

type EventType string

const (
	EventOperationAdded   EventType = "operation_added"
	EventTrySucceeded     EventType = "try_succeeded"
	EventTryFailed        EventType = "try_failed"
	EventConfirmStarted   EventType = "confirm_started"
	EventConfirmSucceeded EventType = "confirm_succeeded"
	EventConfirmFailed    EventType = "confirm_failed"
	EventCancelStarted    EventType = "cancel_started"
	EventCancelSucceeded  EventType = "cancel_succeeded"
	EventCancelFailed     EventType = "cancel_failed"
	EventTXConfirmed      EventType = "transaction_confirmed"
	EventTXCancelled      EventType = "transaction_cancelled"
	EventTXFailed         EventType = "transaction_failed"
	// 超时未执行的事务交由监控任务推进
	EventTXHandedOver EventType = "transaction_handed_over"
)

type Event struct {
	Type      EventType `json:"type"`
	Resource  string    `json:"resource,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// 事务
type Transaction struct {
	mu         sync.Mutex
	id         string
	status     TXStatus
	operations []*Operation
	tried      []*Operation
	confirmed  []*Operation
	cancelled  []*Operation
	events     []Event
	createdAt  time.Time
	updatedAt  time.Time
	executed   bool
}

func newTransaction(txID string) *Transaction {
	now := time.Now()
	return &Transaction{
		id:        txID,
		status:    TXTrying,
		createdAt: now,
		updatedAt: now,
	}
}

// record 调用方需持有 t.mu
func (t *Transaction) record(eventType EventType, resource string, err error) {
	ev := Event{
		Type:      eventType,
		Resource:  resource,
		Timestamp: time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	t.events = append(t.events, ev)
	t.updatedAt = ev.Timestamp
}

// setStatus 调用方需持有 t.mu
func (t *Transaction) setStatus(status TXStatus) {
	t.status = status
	t.updatedAt = time.Now()
}

func (t *Transaction) hasResource(resource string) bool {
	for _, op := range t.operations {
		if op.Resource == resource {
			return true
		}
	}
	return false
}

// TransactionStatus is a point-in-time copy of a transaction.
type TransactionStatus struct {
	TransactionID string      `json:"transactionID"`
	Status        TXStatus    `json:"status"`
	Operations    []Operation `json:"operations"`
	Tried         []string    `json:"tried"`
	Confirmed     []string    `json:"confirmed"`
	Cancelled     []string    `json:"cancelled"`
	Events        []Event     `json:"events"`
	EventCount    int         `json:"eventCount"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

func (t *Transaction) snapshot() TransactionStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := TransactionStatus{
		TransactionID: t.id,
		Status:        t.status,
		Operations:    make([]Operation, 0, len(t.operations)),
		Tried:         resourceNames(t.tried),
		Confirmed:     resourceNames(t.confirmed),
		Cancelled:     resourceNames(t.cancelled),
		Events:        append([]Event{}, t.events...),
		EventCount:    len(t.events),
		CreatedAt:     t.createdAt,
		UpdatedAt:     t.updatedAt,
	}
	for _, op := range t.operations {
		status.Operations = append(status.Operations, *op)
	}
	return status
}

// toRecord 调用方需持有 t.mu
func (t *Transaction) toRecord() *TXRecord {
	record := TXRecord{
		TXID:       t.id,
		Status:     t.status,
		Operations: make([]OperationRecord, 0, len(t.operations)),
		CreatedAt:  t.createdAt,
		UpdatedAt:  t.updatedAt,
	}
	for _, op := range t.operations {
		record.Operations = append(record.Operations, OperationRecord{
			Resource:      op.Resource,
			ReservationID: op.ReservationID,
			Status:        op.Status,
		})
	}
	return &record
}

func resourceNames(ops []*Operation) []string {
	names := make([]string, 0, len(ops))
	for _, op := range ops {
		names = append(names, op.Resource)
	}
	return names
}

// TXRecord 事务日志记录，用于持久化与故障恢复
type TXRecord struct {
	TXID       string            `json:"txID"`
	Status     TXStatus          `json:"status"`
	Operations []OperationRecord `json:"operations"`
	CreatedAt  time.Time         `json:"createdAt"`
	UpdatedAt  time.Time         `json:"updatedAt"`
}

type OperationRecord struct {
	Resource      string   `json:"resource"`
	ReservationID string   `json:"reservationID"`
	Status        OpStatus `json:"status"`
}

func (r *TXRecord) clone() *TXRecord {
	out := *r
	out.Operations = append([]OperationRecord(nil), r.Operations...)
	return &out
}

type Stats struct {
	Total      int64 `json:"total"`
	Successful int64 `json:"successful"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
	Recovered  int64 `json:"recovered"`
}
