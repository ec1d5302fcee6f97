package connection

import (
	"bytes"
	"io"
	"sync"
)

// InputStream is the blocking reader for a channel's inbound data. Data is
// appended by the read pump; Read blocks for data, EOF, or a fatal error.
type InputStream struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf bytes.Buffer
	eof bool
	err error
}

func newInputStream() *InputStream {
	s := &InputStream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Read blocks until data is available, the peer sent EOF (io.EOF), or the
// stream failed.
func (s *InputStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.buf.Len() == 0 {
		if s.err != nil {
			return 0, s.err
		}
		if s.eof {
			return 0, io.EOF
		}
		s.cond.Wait()
	}
	n, _ := s.buf.Read(p)
	return n, nil
}

// receive appends inbound bytes.
func (s *InputStream) receive(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eof || s.err != nil {
		return
	}
	s.buf.Write(p)
	s.cond.Broadcast()
}

// markEOF lets readers drain the buffer and then see io.EOF.
func (s *InputStream) markEOF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eof = true
	s.cond.Broadcast()
}

// notifyError wakes blocked readers with err.
func (s *InputStream) notifyError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
}

// OutputStream writes application data onto a channel, splitting it into
// CHANNEL_DATA packets bounded by the remote window and maximum packet size.
type OutputStream struct {
	ch *Channel

	mu     sync.Mutex
	closed bool
}

// Write blocks until the whole slice is on the wire, waiting for window
// credit as needed.
func (o *OutputStream) Write(p []byte) (int, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return 0, ErrChannelClosed
	}
	o.mu.Unlock()

	total := 0
	for len(p) > 0 {
		n, err := o.ch.rwin.reserve(len(p))
		if err != nil {
			return total, err
		}
		if err := o.ch.writeData(p[:n]); err != nil {
			return total, err
		}
		p = p[n:]
		total += n
	}
	return total, nil
}

// Close sends CHANNEL_EOF; further writes fail.
func (o *OutputStream) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()
	return o.ch.SendEOF()
}
