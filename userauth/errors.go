package userauth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrExhausted is returned by Authenticate when every supplied method was
// tried without success.
var ErrExhausted = errors.New("userauth: exhausted all authentication methods")

// MethodError is a recoverable per-method failure; the method loop moves on
// to the next method.
type MethodError struct {
	Method string
	Msg    string
	Err    error
}

func (e *MethodError) Error() string {
	s := "userauth"
	if e.Method != "" {
		s += " (" + e.Method + ")"
	}
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *MethodError) Unwrap() error { return e.Err }

func asMethodError(err error, target **MethodError) bool {
	return errors.As(err, target)
}

// PartialSuccessError reports that at least one method succeeded but the
// server requires more, naming the methods that can continue.
type PartialSuccessError struct {
	Remaining []string
}

func (e *PartialSuccessError) Error() string {
	return fmt.Sprintf("userauth: partial success, server requires one of [%s]",
		strings.Join(e.Remaining, ", "))
}
