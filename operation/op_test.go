package operation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestDeliverOnce(t *testing.T) {
	loop := StartLoop()
	defer loop.Stop()

	var mu sync.Mutex
	var got []int
	op := New(loop, func(v int) {
		mu.Lock()
		got = append(got, v)
		mu.Unlock()
	}, func(error) { t.Error("unexpected error callback") })

	require.True(t, op.Succeed(1))
	require.False(t, op.Succeed(2))
	require.False(t, op.Fail(errors.New("late")))
	require.NoError(t, loop.Sync(waitCtx(t)))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int{1}, got)

	v, err := op.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, 1, v)
}

func TestCancelSuppressesCallbacks(t *testing.T) {
	loop := StartLoop()
	defer loop.Stop()

	called := false
	op := New(loop, func(string) { called = true }, func(error) { called = true })
	op.Cancel()
	require.False(t, op.Succeed("late"))
	require.NoError(t, loop.Sync(waitCtx(t)))
	require.False(t, called)

	_, err := op.Wait(waitCtx(t))
	require.ErrorIs(t, err, ErrCanceled)
	require.Error(t, op.Context().Err())
}

func TestCancelDepthFirst(t *testing.T) {
	root := New[int](nil, nil, nil)
	mid := New[int](nil, nil, nil)
	leaf := New[int](nil, nil, nil)
	root.Chain(mid)
	Chain(mid, leaf)

	var order []string
	var parentsMarked []bool
	root.OnCancel(func() { order = append(order, "root") })
	mid.OnCancel(func() { order = append(order, "mid") })
	leaf.OnCancel(func() {
		order = append(order, "leaf")
		parentsMarked = append(parentsMarked, mid.Canceled(), root.Canceled())
	})

	root.Cancel()
	root.Cancel()

	require.Equal(t, []string{"leaf", "mid", "root"}, order)
	// parents are marked before the leaf runs, so nothing upstream can deliver
	require.Equal(t, []bool{true, true}, parentsMarked)
	require.True(t, root.Canceled())
	require.True(t, leaf.Canceled())
	require.True(t, mid.Canceled())
}

func TestChainReplacesChild(t *testing.T) {
	parent := New[int](nil, nil, nil)
	first := New[int](nil, nil, nil)
	second := New[int](nil, nil, nil)

	parent.Chain(first)
	parent.Chain(second)
	parent.Cancel()

	require.False(t, first.Canceled())
	require.True(t, second.Canceled())
}

func TestChainOntoCanceledParent(t *testing.T) {
	parent := New[int](nil, nil, nil)
	parent.Cancel()

	child := New[int](nil, nil, nil)
	parent.Chain(child)
	require.True(t, child.Canceled())
}

func TestOnResultAfterDelivery(t *testing.T) {
	op := Failed[int](nil, errors.New("boom"))

	var got error
	op.OnResult(nil, func(err error) { got = err })
	require.EqualError(t, got, "boom")

	// at most once
	got = nil
	op.OnResult(nil, func(err error) { got = err })
	require.NoError(t, got)
}

func TestGoAndAwait(t *testing.T) {
	var inner *Op[int]
	started := make(chan struct{})

	outer := Go(nil, func(ctx context.Context) (int, error) {
		inner = New[int](nil, nil, nil)
		close(started)
		return Await(ctx, inner)
	})

	<-started
	require.Eventually(t, func() bool {
		outer.mu.Lock()
		defer outer.mu.Unlock()
		return outer.child != nil
	}, time.Second, 5*time.Millisecond)

	outer.Cancel()
	require.True(t, inner.Canceled())

	_, err := outer.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestGoDeliversResult(t *testing.T) {
	op := Go(nil, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	v, err := op.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestWaitHonorsContext(t *testing.T) {
	op := New[int](nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := op.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, op.Canceled())
}
