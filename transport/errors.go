package transport

import (
	"errors"
	"fmt"

	"github.com/dpat37/commons-net-ssh/future"
	"github.com/dpat37/commons-net-ssh/sshmsg"
)

// Kind classifies transport failures.
type Kind int

const (
	// KindProtocol is a violation of the binary packet protocol or message
	// sequencing rules.
	KindProtocol Kind = iota
	// KindMACMismatch is an integrity check failure on an inbound packet.
	KindMACMismatch
	// KindHostKeyNotVerifiable means no registered verifier accepted the
	// server host key.
	KindHostKeyNotVerifiable
	// KindUnexpectedMessage is a packet that is legal in general but not in
	// the current state.
	KindUnexpectedMessage
	// KindKexFailed is an algorithm negotiation or key-exchange failure.
	KindKexFailed
	// KindTimeout is an expired wait on a transport event.
	KindTimeout
	// KindIO is a socket read/write failure.
	KindIO
	// KindStopped means the transport was shut down, deliberately or after a
	// prior fatal error.
	KindStopped
)

var kindNames = map[Kind]string{
	KindProtocol:             "protocol error",
	KindMACMismatch:          "MAC mismatch",
	KindHostKeyNotVerifiable: "host key not verifiable",
	KindUnexpectedMessage:    "unexpected message",
	KindKexFailed:            "key exchange failed",
	KindTimeout:              "timeout",
	KindIO:                   "i/o error",
	KindStopped:              "stopped",
}

// Error is a fatal transport-layer failure. It carries the disconnect reason
// the transport reports to the server when the failure originated locally.
type Error struct {
	Kind   Kind
	Reason sshmsg.DisconnectReason
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	s := "transport: " + kindNames[e.Kind]
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors by Kind so callers can test with errors.Is against
// prototype errors.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

func newError(kind Kind, reason sshmsg.DisconnectReason, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Msg: fmt.Sprintf(format, args...)}
}

func protocolError(format string, args ...any) *Error {
	return newError(KindProtocol, sshmsg.DisconnectProtocolError, format, args...)
}

func kexError(format string, args ...any) *Error {
	return newError(KindKexFailed, sshmsg.DisconnectKeyExchangeFailed, format, args...)
}

// chain converts an arbitrary error into a transport *Error, passing existing
// transport errors through unchanged. Timeouts from futures map to
// KindTimeout.
func chain(err error) *Error {
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	if errors.Is(err, future.ErrTimeout) {
		return &Error{Kind: KindTimeout, Reason: sshmsg.DisconnectByApplication, Err: err}
	}
	return &Error{Kind: KindIO, Reason: sshmsg.DisconnectConnectionLost, Err: err}
}

// ErrStopped is the prototype error reported by public calls after the
// transport has terminated.
var ErrStopped = &Error{Kind: KindStopped, Reason: sshmsg.DisconnectByApplication, Msg: "transport stopped"}
