package saga

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/gotx/log"
)

// recorder 记录动作与补偿的调用顺序
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.calls...)
}

func (r *recorder) count(call string) int {
	var n int
	for _, c := range r.get() {
		if c == call {
			n++
		}
	}
	return n
}

func (r *recorder) step(name string, fail error) *Step {
	return NewStep(name,
		func(ctx context.Context, sc *Context) (interface{}, error) {
			r.add("do:" + name)
			if fail != nil {
				return nil, fail
			}
			sc.Set(name, true)
			return name + "-result", nil
		},
		func(ctx context.Context, sc *Context) error {
			r.add("undo:" + name)
			return nil
		},
	)
}

func testOptions(opts ...Option) []Option {
	return append([]Option{
		WithLogger(log.NewNopLogger()),
		WithDefaultRetry(3, time.Millisecond, 2),
		WithDefaultStepTimeout(time.Second),
	}, opts...)
}

func Test_Manager_all_steps_succeed(t *testing.T) {
	rec := &recorder{}
	m := NewManager("s1", testOptions()...)
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, m.AddStep(rec.step(name, nil)))
	}

	ok, err := m.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"do:a", "do:b", "do:c"}, rec.get())

	status := m.GetStatus()
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, []string{"a", "b", "c"}, status.CompletedSteps)
	assert.Equal(t, Status(""), status.FailureMarker)
	for _, step := range status.Steps {
		assert.Equal(t, StepCompleted, step.Status)
		assert.Equal(t, 1, step.Attempts)
		assert.Equal(t, step.Name+"-result", step.Result)
	}
	v, ok := m.Context().Get("b")
	assert.True(t, ok)
	assert.Equal(t, true, v)

	events := m.Events()
	assert.Equal(t, EventSagaStarted, events[3].Type)
	assert.Equal(t, EventSagaCompleted, events[len(events)-1].Type)
}

func Test_Manager_payment_failure_compensates(t *testing.T) {
	rec := &recorder{}
	m := NewManager("order-1", testOptions()...)
	require.NoError(t, m.AddStep(rec.step("reserve_inventory", nil)))
	require.NoError(t, m.AddStep(rec.step("charge_payment", errors.New("card declined"))))
	require.NoError(t, m.AddStep(rec.step("ship_order", nil)))

	ok, err := m.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, 3, rec.count("do:charge_payment"))
	assert.Equal(t, 0, rec.count("do:ship_order"))
	assert.Equal(t, 1, rec.count("undo:reserve_inventory"))
	assert.Equal(t, 0, rec.count("undo:charge_payment"))

	status := m.GetStatus()
	assert.Equal(t, StatusCompensated, status.Status)
	assert.Equal(t, StatusFailed, status.FailureMarker)
	assert.Equal(t, []string{"reserve_inventory"}, status.CompletedSteps)
	assert.Empty(t, status.FailedCompensations)

	assert.Equal(t, StepCompensated, status.Steps[0].Status)
	assert.Equal(t, StepFailed, status.Steps[1].Status)
	assert.Equal(t, 3, status.Steps[1].Attempts)
	assert.Equal(t, "card declined", status.Steps[1].Error)
	assert.Equal(t, StepPending, status.Steps[2].Status)
}

func Test_Manager_compensation_order(t *testing.T) {
	tests := []struct {
		name      string
		failAt    int
		expectRev []string
	}{
		{name: "first step fails", failAt: 0, expectRev: nil},
		{name: "third step fails", failAt: 2, expectRev: []string{"undo:b", "undo:a"}},
		{name: "last step fails", failAt: 3, expectRev: []string{"undo:c", "undo:b", "undo:a"}},
	}
	names := []string{"a", "b", "c", "d"}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := &recorder{}
			m := NewManager("s", testOptions(WithDefaultRetry(1, 0, 1))...)
			for i, name := range names {
				var fail error
				if i == tt.failAt {
					fail = errors.New("fail")
				}
				require.NoError(t, m.AddStep(rec.step(name, fail)))
			}

			ok, err := m.Execute(context.Background())
			require.NoError(t, err)
			assert.False(t, ok)

			var undo []string
			for _, call := range rec.get() {
				if len(call) > 5 && call[:5] == "undo:" {
					undo = append(undo, call)
				}
			}
			assert.Equal(t, tt.expectRev, undo)
			assert.Equal(t, StatusCompensated, m.GetStatus().Status)
		})
	}
}

func Test_Manager_retry_then_succeed(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
		times []time.Time
	)
	step := NewStep("flaky", func(ctx context.Context, sc *Context) (interface{}, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		times = append(times, time.Now())
		if calls < 3 {
			return nil, errors.New("transient")
		}
		return calls, nil
	}, nil, WithStepRetry(4, 20*time.Millisecond, 2))

	m := NewManager("s", testOptions()...)
	require.NoError(t, m.AddStep(step))
	ok, err := m.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 3, m.GetStatus().Steps[0].Attempts)
	assert.Equal(t, 3, m.GetStatus().Steps[0].Result)

	// 20ms then 40ms
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), 20*time.Millisecond)
	assert.GreaterOrEqual(t, times[2].Sub(times[1]), 40*time.Millisecond)
}

func Test_Manager_step_timeout(t *testing.T) {
	rec := &recorder{}
	slow := NewStep("slow", func(ctx context.Context, sc *Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil, WithStepTimeout(20*time.Millisecond), WithStepRetry(2, time.Millisecond, 1))

	m := NewManager("s", testOptions()...)
	require.NoError(t, m.AddStep(rec.step("first", nil)))
	require.NoError(t, m.AddStep(slow))

	ok, err := m.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	status := m.GetStatus()
	assert.Equal(t, StatusTimeout, status.FailureMarker)
	assert.Equal(t, StatusCompensated, status.Status)
	assert.Equal(t, StepTimeout, status.Steps[1].Status)
	assert.Equal(t, 2, status.Steps[1].Attempts)
	assert.Equal(t, 1, rec.count("undo:first"))
}

func Test_Manager_compensation_failure_continues(t *testing.T) {
	rec := &recorder{}
	broken := NewStep("b",
		func(ctx context.Context, sc *Context) (interface{}, error) { return nil, nil },
		func(ctx context.Context, sc *Context) error {
			rec.add("undo:b")
			return errors.New("undo failed")
		},
	)
	panicky := NewStep("c",
		func(ctx context.Context, sc *Context) (interface{}, error) { return nil, nil },
		func(ctx context.Context, sc *Context) error {
			rec.add("undo:c")
			panic("boom")
		},
	)

	m := NewManager("s", testOptions()...)
	require.NoError(t, m.AddStep(rec.step("a", nil)))
	require.NoError(t, m.AddStep(broken))
	require.NoError(t, m.AddStep(panicky))
	require.NoError(t, m.AddStep(rec.step("d", errors.New("fail"))))

	ok, err := m.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []string{"undo:c", "undo:b", "undo:a"}, rec.get()[len(rec.get())-3:])

	status := m.GetStatus()
	assert.Equal(t, StatusCompensated, status.Status)
	assert.Equal(t, []string{"c", "b"}, status.FailedCompensations)
	assert.Equal(t, StepCompensationFailed, status.Steps[1].Status)
	assert.Equal(t, StepCompensated, status.Steps[0].Status)
}

func Test_Manager_cancelled_caller_still_compensates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	rec := &recorder{}

	m := NewManager("s", testOptions()...)
	require.NoError(t, m.AddStep(rec.step("a", nil)))
	require.NoError(t, m.AddStep(NewStep("b", func(context.Context, *Context) (interface{}, error) {
		cancel()
		return nil, errors.New("caller gone")
	}, nil)))

	ok, err := m.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, rec.count("undo:a"))
}

func Test_Manager_misuse(t *testing.T) {
	rec := &recorder{}
	m := NewManager("s", testOptions()...)

	assert.ErrorIs(t, m.AddStep(nil), ErrInvalidStep)
	assert.ErrorIs(t, m.AddStep(NewStep("", nil, nil)), ErrInvalidStep)
	require.NoError(t, m.AddStep(rec.step("a", nil)))
	assert.ErrorIs(t, m.AddStep(rec.step("a", nil)), ErrDuplicateStep)

	ok, err := m.Execute(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Execute(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyExecuted)
	assert.ErrorIs(t, m.AddStep(rec.step("b", nil)), ErrAlreadyExecuted)
	assert.Equal(t, 1, rec.count("do:a"))
}

func Test_Manager_step_defaults(t *testing.T) {
	m := NewManager("s", WithLogger(log.NewNopLogger()))
	plain := NewStep("plain", func(context.Context, *Context) (interface{}, error) { return nil, nil }, nil)
	custom := NewStep("custom", func(context.Context, *Context) (interface{}, error) { return nil, nil }, nil,
		WithStepRetry(0, 0, 1), WithStepTimeout(time.Minute))
	require.NoError(t, m.AddStep(plain))
	require.NoError(t, m.AddStep(custom))

	assert.Equal(t, 30*time.Second, plain.Timeout)
	assert.Equal(t, 3, plain.RetryCount)
	assert.Equal(t, time.Second, plain.RetryDelay)
	assert.Equal(t, 2.0, plain.Backoff)

	assert.Equal(t, time.Minute, custom.Timeout)
	assert.Equal(t, 1, custom.RetryCount)
	assert.Equal(t, time.Duration(0), custom.RetryDelay)
}

func Test_Manager_saga_deadline(t *testing.T) {
	rec := &recorder{}
	slow := NewStep("slow", func(ctx context.Context, sc *Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	m := NewManager("s", testOptions(WithSagaTimeout(50*time.Millisecond))...)
	require.NoError(t, m.AddStep(rec.step("first", nil)))
	require.NoError(t, m.AddStep(slow))
	require.NoError(t, m.AddStep(rec.step("never", nil)))

	begin := time.Now()
	ok, err := m.Execute(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(begin), time.Second)

	status := m.GetStatus()
	assert.Equal(t, StatusTimeout, status.FailureMarker)
	assert.Equal(t, StatusCompensated, status.Status)
	assert.Equal(t, StepTimeout, status.Steps[1].Status)
	assert.Equal(t, 1, status.Steps[1].Attempts)
	assert.Equal(t, StepPending, status.Steps[2].Status)
	assert.Equal(t, 1, rec.count("undo:first"))
	assert.Equal(t, 0, rec.count("do:never"))
}

func Test_Manager_expired_context_skips_step(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	<-ctx.Done()

	m := NewManager("s", testOptions()...)
	require.NoError(t, m.AddStep(rec.step("a", nil)))
	ok, err := m.Execute(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, rec.count("do:a"))

	status := m.GetStatus()
	assert.Equal(t, StatusTimeout, status.FailureMarker)
	assert.Equal(t, StepTimeout, status.Steps[0].Status)
	assert.Equal(t, 0, status.Steps[0].Attempts)
}
