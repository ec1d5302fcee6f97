// Package future provides the completion primitive used for cross-thread
// signalling in the transport and connection layers: a slot that is filled
// with either a value or an error and can be cleared for reuse, with blocking waiters and
// optional timeouts. Fatal transport errors are fanned out by writing the
// error into every outstanding future.
package future

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by Get when the timeout expires before completion.
var ErrTimeout = errors.New("future: timeout expired")

// Future is a one-shot slot holding either a value or an error. A cleared
// future can be re-armed for reuse (the key-exchange done event cycles on
// every re-key).
type Future[V any] struct {
	name string

	mu   sync.Mutex
	done chan struct{}
	set  bool
	val  V
	err  error
}

// New returns an empty future. The name is used only for diagnostics.
func New[V any](name string) *Future[V] {
	return &Future[V]{name: name, done: make(chan struct{})}
}

// Set completes the future with a value, waking all waiters. Setting an
// already-completed future replaces the value for later Get calls.
func (f *Future[V]) Set(val V) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.val = val
	f.err = nil
	f.complete()
}

// Error completes the future with an error, waking all waiters.
func (f *Future[V]) Error(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
	f.complete()
}

func (f *Future[V]) complete() {
	if !f.set {
		f.set = true
		close(f.done)
	}
}

// Clear re-arms the future for another completion cycle.
func (f *Future[V]) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.set {
		f.set = false
		f.done = make(chan struct{})
	}
	var zero V
	f.val = zero
	f.err = nil
}

// Get blocks until the future completes or the timeout expires. A timeout of
// zero blocks indefinitely.
func (f *Future[V]) Get(timeout time.Duration) (V, error) {
	f.mu.Lock()
	done := f.done
	f.mu.Unlock()

	if timeout == 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(timeout):
			var zero V
			return zero, ErrTimeout
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		var zero V
		return zero, f.err
	}
	return f.val, nil
}

// IsSet reports whether the future holds a value (not an error).
func (f *Future[V]) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set && f.err == nil
}

// InError reports whether the future holds an error.
func (f *Future[V]) InError() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set && f.err != nil
}

// Done returns a channel closed when the current completion cycle finishes.
func (f *Future[V]) Done() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.done
}

// Event is a future carrying no value, used for open/close/kex-done style
// signals.
type Event = Future[struct{}]

// NewEvent returns an empty event.
func NewEvent(name string) *Event {
	return New[struct{}]("event: " + name)
}

// Signal completes an event.
func Signal(e *Event) {
	e.Set(struct{}{})
}

// NotifyError writes err into every future in fs.
func NotifyError[V any](err error, fs ...*Future[V]) {
	for _, f := range fs {
		if f != nil {
			f.Error(err)
		}
	}
}
