package operation

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Loop runs posted functions one at a time, in order, on a single goroutine.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	wake    chan struct{}

	running atomic.Bool
	stopped atomic.Bool
	quit    chan struct{}
	exited  chan struct{}
}

func NewLoop() *Loop {
	return &Loop{
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
}

// StartLoop creates a loop and runs it on a new goroutine until Stop.
func StartLoop() *Loop {
	l := NewLoop()
	go l.Run(context.Background())
	return l
}

// Post queues fn. It returns false once the loop is stopped, in which case fn
// is not queued.
func (l *Loop) Post(fn func()) bool {
	if l.stopped.Load() {
		return false
	}
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Run processes posted functions until ctx is done or Stop is called.
// Only one Run may be active per loop.
func (l *Loop) Run(ctx context.Context) {
	if !l.running.CompareAndSwap(false, true) {
		return
	}
	defer close(l.exited)

	for {
		l.mu.Lock()
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}

		select {
		case <-l.wake:
		case <-l.quit:
			return
		case <-ctx.Done():
			l.stopped.Store(true)
			return
		}
	}
}

// Stop ends Run after the function currently executing returns. Queued
// functions that have not started are dropped.
func (l *Loop) Stop() {
	if !l.stopped.CompareAndSwap(false, true) {
		return
	}
	close(l.quit)
	if l.running.Load() {
		<-l.exited
	}
}

// Sync blocks until everything posted before the call has run. It must not be
// called from a function running on the loop.
func (l *Loop) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !l.Post(func() { close(done) }) {
		return ErrCanceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
