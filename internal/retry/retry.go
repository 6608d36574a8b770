// Package retry bounds collaborator calls with a timeout and drives retry loops
// with a backoff schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrTimeout is returned by Call when the per-call timeout elapses first.
var ErrTimeout = errors.New("call timed out")

// PanicError carries a value recovered from a panicking callback.
type PanicError struct {
	Value interface{}
}

func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// IsTimeout reports whether err was produced by an elapsed deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// Call runs fn in its own goroutine and waits for it at most timeout.
// A timeout <= 0 only waits on ctx. fn still receives a context that is
// cancelled once Call returns, so well-behaved callbacks stop early.
func Call(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	var (
		cctx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		cctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		cctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- &PanicError{Value: r}
			}
		}()
		errCh <- fn(cctx)
	}()

	select {
	case err := <-errCh:
		return err
	case <-cctx.Done():
		if errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return ErrTimeout
		}
		return cctx.Err()
	}
}

// Policy describes how many attempts to make and how long to wait between them.
type Policy struct {
	// Attempts is the total number of attempts, values below 1 mean one attempt.
	Attempts int
	// BackOff yields the wait before each retry. nil means retry immediately.
	BackOff backoff.BackOff
	// Notify is called after a failed attempt that will be retried.
	Notify func(attempt int, err error, next time.Duration)
}

// Exponential waits delay, delay*multiplier, delay*multiplier^2 ... between attempts.
func Exponential(delay time.Duration, multiplier float64) backoff.BackOff {
	if multiplier < 1 {
		multiplier = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = delay
	b.RandomizationFactor = 0
	b.Multiplier = multiplier
	b.MaxInterval = 24 * time.Hour
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Linear waits unit, 2*unit, 3*unit ... between attempts.
func Linear(unit time.Duration) backoff.BackOff {
	return &linearBackOff{unit: unit}
}

type linearBackOff struct {
	unit time.Duration
	n    int64
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.n++
	return l.unit * time.Duration(l.n)
}

func (l *linearBackOff) Reset() { l.n = 0 }

// Do calls op until it succeeds, the attempts are used up or ctx is done.
// attempt passed to op is 0-indexed. The last op error is returned.
func Do(ctx context.Context, p Policy, op func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	b := p.BackOff
	if b == nil {
		b = &backoff.ZeroBackOff{}
	}

	var (
		attempt int
		lastErr error
	)
	operation := func() error {
		err := op(attempt)
		attempt++
		if err != nil {
			lastErr = err
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		if p.Notify != nil {
			p.Notify(attempt-1, err, next)
		}
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx), notify)
	if err != nil && lastErr != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return lastErr
	}
	return err
}
