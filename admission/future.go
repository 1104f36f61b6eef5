/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admission

import (
	"context"
	"sync"
)

// Future is the completion signal of an admitted task.
type Future struct {
	once  sync.Once
	done  chan struct{}
	value interface{}
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func newSettledFuture(value interface{}, err error) *Future {
	f := newFuture()
	f.settle(value, err)
	return f
}

// settle stores the outcome. Only the first call has an effect, its result reports whether it was the one.
func (f *Future) settle(value interface{}, err error) bool {
	settled := false
	f.once.Do(func() {
		f.value, f.err = value, err
		close(f.done)
		settled = true
	})
	return settled
}

// Done returns a channel that is closed when the Future is settled.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the Future is settled or ctx is done.
// In the latter case ctx.Err() is returned. The task itself is only affected by the context passed to Queue.Admit.
func (f *Future) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking. ErrNotSettled is returned if the task is still pending or running.
func (f *Future) Result() (interface{}, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
		return nil, ErrNotSettled
	}
}
