package operation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// PollConfig controls how Poll schedules attempts.
type PollConfig struct {
	Clock    clock.Clock
	Timeout  time.Duration
	Interval time.Duration
	// Immediate runs the first attempt without waiting one interval.
	Immediate bool
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retry marks err so that Poll schedules another attempt instead of failing.
func Retry(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetry reports whether err was marked with Retry.
func IsRetry(err error) bool {
	var r *retryableError
	return errors.As(err, &r)
}

// Poll repeats attempt until it reports done, returns a non-retryable error,
// or the timeout fires. The timeout always wins: once it fires the attempt
// context is canceled, ErrTimeout is delivered, and any late attempt result is
// discarded.
func Poll[T any](loop *Loop, cfg PollConfig, attempt func(ctx context.Context) (T, bool, error)) *Op[T] {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	op := New[T](loop, nil, nil)
	ctx := op.Context()

	if cfg.Timeout > 0 {
		// armed before returning so mock clocks observe it
		deadline := clk.Timer(cfg.Timeout)
		go func() {
			select {
			case <-deadline.C:
				op.abort(fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout))
			case <-ctx.Done():
				deadline.Stop()
			}
		}()
	}

	var first *clock.Timer
	if !cfg.Immediate {
		first = clk.Timer(cfg.Interval)
	}

	go func() {
		if first != nil && !sleep(ctx, first) {
			return
		}
		for {
			v, done, err := attempt(ctx)
			if ctx.Err() != nil {
				return
			}
			switch {
			case err != nil && !IsRetry(err):
				op.Fail(err)
				return
			case err == nil && done:
				op.Succeed(v)
				return
			}
			if !sleep(ctx, clk.Timer(cfg.Interval)) {
				return
			}
		}
	}()
	return op
}

func sleep(ctx context.Context, t *clock.Timer) bool {
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

// Timed runs fn once under the same timeout rules as Poll: when timeout
// elapses first, fn's context is canceled and ErrTimeout is delivered.
func Timed[T any](loop *Loop, clk clock.Clock, timeout time.Duration, fn func(ctx context.Context) (T, error)) *Op[T] {
	return Poll(loop, PollConfig{Clock: clk, Timeout: timeout, Immediate: true}, func(ctx context.Context) (T, bool, error) {
		v, err := fn(ctx)
		return v, err == nil, err
	})
}
