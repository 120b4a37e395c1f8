package operation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/atomic"
)

var (
	ErrCanceled = errors.New("operation canceled")
	ErrTimeout  = errors.New("operation timed out")
)

// Canceler is any node of a cancellation tree.
type Canceler interface {
	Cancel()
	Canceled() bool
}

type parentKey struct{}

// Op is a handle to one asynchronous action producing a T.
type Op[T any] struct {
	loop *Loop

	canceled  atomic.Bool
	delivered atomic.Bool

	mu        sync.Mutex
	child     Canceler
	onCancel  []func()
	onSuccess func(T)
	onError   func(error)
	notified  bool

	ctx    context.Context
	cancel context.CancelFunc

	done   chan struct{}
	result T
	err    error
}

// New creates an operation whose callbacks run on loop. A nil loop runs
// callbacks on the goroutine that delivers the result. Either callback may be nil.
func New[T any](loop *Loop, onSuccess func(T), onError func(error)) *Op[T] {
	op := &Op[T]{
		loop:      loop,
		onSuccess: onSuccess,
		onError:   onError,
		done:      make(chan struct{}),
	}
	op.ctx, op.cancel = context.WithCancel(context.WithValue(context.Background(), parentKey{}, Canceler(op)))
	return op
}

// Context is canceled when the operation is canceled or delivers its result.
// Work done on behalf of the operation should observe it.
func (o *Op[T]) Context() context.Context {
	return o.ctx
}

func (o *Op[T]) Canceled() bool {
	return o.canceled.Load()
}

func (o *Op[T]) Delivered() bool {
	return o.delivered.Load()
}

// Done is closed once the operation has a result or has been canceled.
func (o *Op[T]) Done() <-chan struct{} {
	return o.done
}

// Chain makes child the current child of o. Only one child is tracked; a new
// child replaces the previous reference. Chaining onto a canceled parent
// cancels the child immediately.
func (o *Op[T]) Chain(child Canceler) {
	if child == nil {
		return
	}
	o.mu.Lock()
	o.child = child
	canceled := o.canceled.Load()
	o.mu.Unlock()

	if canceled {
		child.Cancel()
	}
}

// Chain sets child as the current child of parent.
func Chain[T any](parent *Op[T], child Canceler) {
	parent.Chain(child)
}

// OnCancel registers fn to run when the operation is canceled. If it already
// was, fn runs immediately.
func (o *Op[T]) OnCancel(fn func()) {
	o.mu.Lock()
	if o.canceled.Load() {
		o.mu.Unlock()
		fn()
		return
	}
	o.onCancel = append(o.onCancel, fn)
	o.mu.Unlock()
}

// Cancel marks the operation canceled, so that no late delivery can win, and
// then cancels its chained child before running its own cancel hooks. No
// callback of a canceled operation fires afterwards. Cancel is idempotent.
func (o *Op[T]) Cancel() {
	o.mu.Lock()
	if o.canceled.Load() {
		o.mu.Unlock()
		return
	}
	o.canceled.Store(true)
	child := o.child
	hooks := o.onCancel
	o.onCancel = nil
	closeDone := !o.delivered.Load()
	if closeDone {
		o.delivered.Store(true)
		o.err = ErrCanceled
	}
	o.mu.Unlock()

	if child != nil {
		child.Cancel()
	}
	for _, fn := range hooks {
		fn()
	}
	o.cancel()
	if closeDone {
		close(o.done)
	}
}

// Succeed delivers v. It reports whether this call won the delivery.
func (o *Op[T]) Succeed(v T) bool {
	return o.deliver(v, nil)
}

// Fail delivers err. It reports whether this call won the delivery.
func (o *Op[T]) Fail(err error) bool {
	var zero T
	return o.deliver(zero, err)
}

// Settle delivers err when it is non-nil and v otherwise.
func (o *Op[T]) Settle(v T, err error) bool {
	if err != nil {
		return o.Fail(err)
	}
	return o.Succeed(v)
}

// abort delivers err and cancels the child chain, leaving o itself
// uncanceled so that err reaches the callbacks.
func (o *Op[T]) abort(err error) bool {
	if !o.Fail(err) {
		return false
	}
	o.mu.Lock()
	child := o.child
	o.mu.Unlock()
	if child != nil {
		child.Cancel()
	}
	return true
}

func (o *Op[T]) deliver(v T, err error) bool {
	o.mu.Lock()
	if o.canceled.Load() || o.delivered.Load() {
		o.mu.Unlock()
		return false
	}
	o.delivered.Store(true)
	o.result, o.err = v, err
	close(o.done)
	notify := o.onSuccess != nil || o.onError != nil
	if notify {
		o.notified = true
	}
	onSuccess, onError := o.onSuccess, o.onError
	o.mu.Unlock()

	o.cancel()
	if notify {
		o.dispatch(onSuccess, onError)
	}
	return true
}

// OnResult sets the callbacks after construction. If the result is already
// available they are scheduled right away. Callbacks are invoked at most once
// over the lifetime of the operation.
func (o *Op[T]) OnResult(onSuccess func(T), onError func(error)) *Op[T] {
	o.mu.Lock()
	if o.notified {
		o.mu.Unlock()
		return o
	}
	o.onSuccess, o.onError = onSuccess, onError
	ready := o.delivered.Load() && !o.canceled.Load()
	if ready {
		o.notified = true
	}
	o.mu.Unlock()

	if ready {
		o.dispatch(onSuccess, onError)
	}
	return o
}

func (o *Op[T]) dispatch(onSuccess func(T), onError func(error)) {
	run := func() {
		// a cancel that lands between delivery and the callback still wins
		if o.canceled.Load() {
			return
		}
		if o.err != nil {
			if onError != nil {
				onError(o.err)
			}
			return
		}
		if onSuccess != nil {
			onSuccess(o.result)
		}
	}
	if o.loop == nil || !o.loop.Post(run) {
		run()
	}
}

// Result returns the delivered value and error. It must only be called after
// Done is closed.
func (o *Op[T]) Result() (T, error) {
	return o.result, o.err
}

// Wait blocks until the operation completes or ctx is done.
func (o *Op[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-o.done:
		return o.result, o.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Await chains op under the operation that owns ctx, if any, and waits for it.
// When ctx ends first, op is canceled and ErrCanceled is returned.
func Await[T any](ctx context.Context, op *Op[T]) (T, error) {
	if parent, ok := ctx.Value(parentKey{}).(interface{ Chain(Canceler) }); ok {
		parent.Chain(op)
	}
	select {
	case <-op.done:
		return op.result, op.err
	case <-ctx.Done():
		op.Cancel()
		var zero T
		return zero, ErrCanceled
	}
}

// Completed returns an operation already holding v.
func Completed[T any](loop *Loop, v T) *Op[T] {
	op := New[T](loop, nil, nil)
	op.Succeed(v)
	return op
}

// Failed returns an operation already holding err.
func Failed[T any](loop *Loop, err error) *Op[T] {
	op := New[T](loop, nil, nil)
	op.Fail(err)
	return op
}

// Go runs fn on a new goroutine and delivers its result. The context passed to
// fn belongs to the returned operation, so Await inside fn chains sub-operations
// beneath it.
func Go[T any](loop *Loop, fn func(ctx context.Context) (T, error)) *Op[T] {
	op := New[T](loop, nil, nil)
	go func() {
		v, err := fn(op.Context())
		op.Settle(v, err)
	}()
	return op
}
