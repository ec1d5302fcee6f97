package connection

import (
	"errors"
	"fmt"
)

// ErrRequestFailed is returned when the peer answers a request with
// REQUEST_FAILURE or CHANNEL_FAILURE.
var ErrRequestFailed = errors.New("connection: request failed")

// ErrChannelClosed is returned for I/O on a channel whose close handshake has
// completed.
var ErrChannelClosed = errors.New("connection: channel closed")

// ErrEOF is an end-of-stream sentinel of this package. Channel reads do not
// return it: InputStream.Read reports the peer's CHANNEL_EOF, once the
// buffered data is drained, as io.EOF.
var ErrEOF = errors.New("connection: EOF")

// OpenError reports a CHANNEL_OPEN_FAILURE from the peer.
type OpenError struct {
	Code uint32
	Msg  string
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("connection: channel open rejected (code=%d): %s", e.Code, e.Msg)
}
