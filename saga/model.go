package saga

import (
	"errors"
	"time"
)

var (
	ErrSagaNotFound    = errors.New("saga not found")
	ErrAlreadyExecuted = errors.New("saga already executed")
	ErrDuplicateStep   = errors.New("repeat step name")
	ErrInvalidStep     = errors.New("invalid step")
	ErrNoAuditStore    = errors.New("saga audit store not configured")
)

// saga 状态
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusCompensating Status = "compensating"
	StatusCompensated  Status = "compensated"
	// Failed 与 Timeout 是进入补偿前设置的失败标记
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

func (s Status) String() string {
	return string(s)
}

// 步骤状态
type StepStatus string

const (
	StepPending            StepStatus = "pending"
	StepRunning            StepStatus = "running"
	StepCompleted          StepStatus = "completed"
	StepFailed             StepStatus = "failed"
	StepTimeout            StepStatus = "timeout"
	StepCompensating       StepStatus = "compensating"
	StepCompensated        StepStatus = "compensated"
	StepCompensationFailed StepStatus = "compensation_failed"
)

func (s StepStatus) String() string {
	return string(s)
}

type EventType string

const (
	EventStepAdded             EventType = "step_added"
	EventSagaStarted           EventType = "saga_started"
	EventStepCompleted         EventType = "step_completed"
	EventStepFailed            EventType = "step_failed"
	EventCompensationStarted   EventType = "compensation_started"
	EventCompensationCompleted EventType = "compensation_completed"
	EventCompensationFailed    EventType = "compensation_failed"
	EventSagaCompleted         EventType = "saga_completed"
	EventSagaCompensated       EventType = "saga_compensated"
)

// Event is one entry of the append-only saga lifecycle log.
type Event struct {
	Type      EventType `json:"type"`
	SagaID    string    `json:"sagaID"`
	Step      string    `json:"step,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type StepView struct {
	Name      string      `json:"name"`
	Status    StepStatus  `json:"status"`
	Attempts  int         `json:"attempts"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	StartedAt time.Time   `json:"startedAt"`
	EndedAt   time.Time   `json:"endedAt"`
}

// SagaStatus is a point-in-time copy of a saga's state.
type SagaStatus struct {
	SagaID string `json:"sagaID"`
	Status Status `json:"status"`
	// FailureMarker 记录进入补偿前的失败原因：failed / timeout
	FailureMarker       Status        `json:"failureMarker,omitempty"`
	Steps               []StepView    `json:"steps"`
	CompletedSteps      []string      `json:"completedSteps"`
	FailedCompensations []string      `json:"failedCompensations,omitempty"`
	CreatedAt           time.Time     `json:"createdAt"`
	StartedAt           time.Time     `json:"startedAt"`
	EndedAt             time.Time     `json:"endedAt"`
	Duration            time.Duration `json:"duration"`
	EventCount          int           `json:"eventCount"`
}

// Stats aggregates outcomes over every saga an orchestrator has seen.
type Stats struct {
	Created     int `json:"created"`
	Active      int `json:"active"`
	Running     int `json:"running"`
	Finished    int `json:"finished"`
	Completed   int `json:"completed"`
	Compensated int `json:"compensated"`
	// Recovered 统计由 Recover 补偿结束的中断 saga
	Recovered int `json:"recovered"`
	// Errored 统计因编程错误未能执行的 saga
	Errored int `json:"errored"`
}
