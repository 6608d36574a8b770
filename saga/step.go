package saga

import (
	"context"
	"sync"
	"time"
)

// Action 正向操作，返回值记录为步骤结果
type Action func(ctx context.Context, sc *Context) (interface{}, error)

// Compensation 补偿操作，必须可重复调用，且在正向操作未生效时无副作用
type Compensation func(ctx context.Context, sc *Context) error

// Step is one unit of compensable work. Zero-valued Timeout/RetryCount/
// RetryDelay/Backoff take the manager defaults when the step is added,
// unless they were set through WithStepRetry.
type Step struct {
	Name         string
	Action       Action
	Compensation Compensation
	Timeout      time.Duration
	// RetryCount 正向操作的总尝试次数
	RetryCount int
	RetryDelay time.Duration
	Backoff    float64

	Status    StepStatus
	Result    interface{}
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
	Attempts  int

	retrySet bool
}

type StepOption func(*Step)

func WithStepTimeout(timeout time.Duration) StepOption {
	return func(s *Step) {
		s.Timeout = timeout
	}
}

// WithStepRetry makes count attempts, waiting delay × backoff^attempt between them.
func WithStepRetry(count int, delay time.Duration, backoff float64) StepOption {
	return func(s *Step) {
		s.RetryCount = count
		s.RetryDelay = delay
		s.Backoff = backoff
		s.retrySet = true
	}
}

func NewStep(name string, action Action, compensation Compensation, opts ...StepOption) *Step {
	step := Step{
		Name:         name,
		Action:       action,
		Compensation: compensation,
		Status:       StepPending,
	}
	for _, opt := range opts {
		opt(&step)
	}
	return &step
}

func (s *Step) view() StepView {
	return StepView{
		Name:      s.Name,
		Status:    s.Status,
		Attempts:  s.Attempts,
		Result:    s.Result,
		Error:     s.Error,
		StartedAt: s.StartedAt,
		EndedAt:   s.EndedAt,
	}
}

// Context is the scratch space shared by the steps of one saga.
type Context struct {
	SagaID    string
	CreatedAt time.Time

	mu   sync.RWMutex
	data map[string]interface{}
}

func newContext(sagaID string) *Context {
	return &Context{
		SagaID:    sagaID,
		CreatedAt: time.Now(),
		data:      make(map[string]interface{}),
	}
}

func (c *Context) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.data[key]
	return v, ok
}

func (c *Context) Set(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
}

func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Data returns a copy of the scratch space.
func (c *Context) Data() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]interface{}, len(c.data))
	for k, v := range c.data {
		out[k] = v
	}
	return out
}
