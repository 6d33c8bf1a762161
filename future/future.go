// Package future provides a single-assignment completion cell for one
// asynchronous operation.
package future

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/glimte/mmate-oms/contracts"
)

// ErrWaitTimeout is returned by Get when the wait expires before the future
// resolves. The operation itself may still complete later.
var ErrWaitTimeout = errors.New("future: wait timed out")

// State of a future
type State int

const (
	Pending State = iota
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Listener is invoked once with the resolved future
type Listener[T any] func(f *Future[T])

// Future holds the outcome of one asynchronous operation
type Future[T any] struct {
	mu        sync.Mutex
	state     State
	value     T
	err       error
	listeners []Listener[T]
	done      chan struct{}
}

// New creates a pending future
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// NewSucceeded creates a future already resolved with v
func NewSucceeded[T any](v T) *Future[T] {
	f := New[T]()
	_ = f.Succeed(v)
	return f
}

// NewFailed creates a future already failed with err
func NewFailed[T any](err error) *Future[T] {
	f := New[T]()
	_ = f.Fail(err)
	return f
}

// Succeed resolves the future with v
func (f *Future[T]) Succeed(v T) error {
	return f.resolve(Succeeded, v, nil)
}

// Fail resolves the future with err. A nil err is a programming error.
func (f *Future[T]) Fail(err error) error {
	if err == nil {
		return fmt.Errorf("%w: future failed with nil error", contracts.ErrIllegalState)
	}
	var zero T
	return f.resolve(Failed, zero, err)
}

func (f *Future[T]) resolve(state State, v T, err error) error {
	f.mu.Lock()
	if f.state != Pending {
		current := f.state
		f.mu.Unlock()
		return fmt.Errorf("%w: future already %s", contracts.ErrIllegalState, current)
	}
	f.state = state
	f.value = v
	f.err = err
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	for _, l := range listeners {
		l(f)
	}
	return nil
}

// AddListener registers l. If the future is already resolved, l runs
// immediately on the calling goroutine.
func (f *Future[T]) AddListener(l Listener[T]) {
	if l == nil {
		return
	}
	f.mu.Lock()
	if f.state == Pending {
		f.listeners = append(f.listeners, l)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	l(f)
}

// State returns the current state
func (f *Future[T]) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// IsDone reports whether the future is resolved
func (f *Future[T]) IsDone() bool {
	return f.State() != Pending
}

// Done is closed once the future resolves
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome without blocking; ok is false while pending
func (f *Future[T]) Result() (v T, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == Pending {
		return v, nil, false
	}
	return f.value, f.err, true
}

// Err returns the failure, or nil if pending or succeeded
func (f *Future[T]) Err() error {
	_, err, _ := f.Result()
	return err
}

// Get blocks until the future resolves or ctx is done. When ctx ends first
// the returned error wraps ErrWaitTimeout and ctx.Err().
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		v, err, _ := f.Result()
		return v, err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrWaitTimeout, ctx.Err())
	}
}

// GetTimeout blocks for at most d
func (f *Future[T]) GetTimeout(d time.Duration) (T, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	return f.Get(ctx)
}
