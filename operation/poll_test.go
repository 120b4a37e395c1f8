package operation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestPollUntilDone(t *testing.T) {
	var calls atomic.Int32
	op := Poll(nil, PollConfig{Interval: time.Millisecond, Timeout: time.Second, Immediate: true},
		func(ctx context.Context) (int, bool, error) {
			n := calls.Inc()
			return int(n), n == 3, nil
		})

	v, err := op.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, 3, v)
	require.EqualValues(t, 3, calls.Load())
}

func TestPollErrorEndsPoll(t *testing.T) {
	boom := errors.New("boom")
	var calls atomic.Int32
	op := Poll(nil, PollConfig{Interval: time.Millisecond, Immediate: true},
		func(ctx context.Context) (int, bool, error) {
			if calls.Inc() == 1 {
				return 0, false, Retry(boom)
			}
			return 0, false, boom
		})

	_, err := op.Wait(waitCtx(t))
	require.ErrorIs(t, err, boom)
	require.False(t, IsRetry(err))
	require.EqualValues(t, 2, calls.Load())
}

func TestPollTimeoutWinsOverLateResult(t *testing.T) {
	mock := clock.NewMock()
	release := make(chan struct{})
	var returned atomic.Bool

	op := Poll(nil, PollConfig{Clock: mock, Timeout: 5 * time.Second, Interval: time.Second, Immediate: true},
		func(ctx context.Context) (string, bool, error) {
			<-release
			returned.Store(true)
			return "late", true, nil
		})

	mock.Add(5 * time.Second)
	v, err := op.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrTimeout)
	require.Empty(t, v)

	close(release)
	require.Eventually(t, returned.Load, time.Second, time.Millisecond)
	_, err = op.Result()
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPollTimeoutCancelsChild(t *testing.T) {
	mock := clock.NewMock()
	child := New[int](nil, nil, nil)

	op := Poll(nil, PollConfig{Clock: mock, Timeout: time.Second, Interval: time.Second, Immediate: true},
		func(ctx context.Context) (int, bool, error) {
			v, err := Await(ctx, child)
			return v, err == nil, err
		})

	require.Eventually(t, func() bool {
		op.mu.Lock()
		defer op.mu.Unlock()
		return op.child != nil
	}, time.Second, time.Millisecond)

	mock.Add(time.Second)
	_, err := op.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrTimeout)
	require.True(t, child.Canceled())
}

func TestPollCancel(t *testing.T) {
	op := Poll(nil, PollConfig{Interval: time.Hour},
		func(ctx context.Context) (int, bool, error) {
			t.Error("attempt ran after cancel")
			return 0, true, nil
		})
	op.Cancel()
	_, err := op.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrCanceled)
}

func TestTimed(t *testing.T) {
	v, err := Timed(nil, nil, time.Second, func(ctx context.Context) (int, error) {
		return 7, nil
	}).Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, 7, v)

	mock := clock.NewMock()
	op := Timed(nil, mock, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	mock.Add(time.Second)
	_, err = op.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrTimeout)
}
