package connection

import (
	"fmt"
	"sync"
)

// remoteWindow tracks the credit the peer has granted us. Writers block on
// the condition variable when the window is empty.
type remoteWindow struct {
	mu   sync.Mutex
	cond *sync.Cond

	size          int64
	initialSize   uint32
	maxPacketSize uint32

	err error // set on fatal transport error to wake blocked writers
}

func newRemoteWindow() *remoteWindow {
	w := &remoteWindow{}
	w.cond = sync.NewCond(&w.mu)
	return w
}

func (w *remoteWindow) init(initialSize, maxPacketSize uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size = int64(initialSize)
	w.initialSize = initialSize
	w.maxPacketSize = maxPacketSize
}

func (w *remoteWindow) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

func (w *remoteWindow) MaxPacketSize() uint32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxPacketSize
}

// expand grants more credit (CHANNEL_WINDOW_ADJUST) and wakes writers.
func (w *remoteWindow) expand(n uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.size += int64(n)
	w.cond.Broadcast()
}

// reserve blocks until some window is available, then claims up to
// min(n, window, maxPacketSize) bytes.
func (w *remoteWindow) reserve(n int) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.size == 0 && w.err == nil {
		w.cond.Wait()
	}
	if w.err != nil {
		return 0, w.err
	}
	chunk := int64(n)
	if chunk > w.size {
		chunk = w.size
	}
	if chunk > int64(w.maxPacketSize) {
		chunk = int64(w.maxPacketSize)
	}
	w.size -= chunk
	return int(chunk), nil
}

// notifyError wakes all blocked writers with err.
func (w *remoteWindow) notifyError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err == nil {
		w.err = err
	}
	w.cond.Broadcast()
}

// localWindow tracks the credit we have granted the peer. It is touched only
// from the read pump, under the channel mutex.
type localWindow struct {
	size          int64
	initialSize   uint32
	maxPacketSize uint32
}

func (w *localWindow) init(initialSize, maxPacketSize uint32) {
	w.size = int64(initialSize)
	w.initialSize = initialSize
	w.maxPacketSize = maxPacketSize
}

// consume debits n inbound bytes and returns the WINDOW_ADJUST amount to
// send, non-zero once the window has dropped to half its initial size.
func (w *localWindow) consume(n uint32) (uint32, error) {
	w.size -= int64(n)
	if w.size < 0 {
		return 0, fmt.Errorf("peer overflowed the window by %d bytes", -w.size)
	}
	if w.size <= int64(w.initialSize)/2 {
		adjust := int64(w.initialSize) - w.size
		w.size = int64(w.initialSize)
		return uint32(adjust), nil
	}
	return 0, nil
}
