// Package neterr
//
// Uniform errno-backed error carrier used across corowire: every
// fallible operation returns a Go error wrapping a real errno value
// rather than an opaque sentinel, so callers can classify failures the
// same way the underlying syscalls do.
package neterr

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Error wraps a kernel errno value with an optional structured
// context, mirroring the library's convention of attaching
// troubleshooting key/value pairs to the failures that cross package
// boundaries.
type Error struct {
	Errno   unix.Errno
	Context map[string]any
}

// New builds an Error from a raw errno.
func New(errno unix.Errno) *Error {
	return &Error{Errno: errno}
}

// FromErrno wraps err as an *Error if it is a non-nil unix.Errno,
// otherwise returns err unchanged (including nil).
func FromErrno(err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(unix.Errno); ok {
		return New(errno)
	}
	return err
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Errno.Error()
	}
	return fmt.Sprintf("%s (context: %+v)", e.Errno.Error(), e.Context)
}

// Unwrap exposes the wrapped errno for errors.Is/As interoperability.
func (e *Error) Unwrap() error {
	return e.Errno
}

// WithContext attaches a key/value pair and returns e for chaining.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Is reports whether err carries the given errno, either directly or
// wrapped in an *Error.
func Is(err error, errno unix.Errno) bool {
	switch e := err.(type) {
	case *Error:
		return e.Errno == errno
	case unix.Errno:
		return e == errno
	default:
		return false
	}
}

// Sentinel errors for the conditions the module's components raise
// repeatedly; constructed fresh each call site still yields a *Error,
// so callers should prefer neterr.Is over equality checks against
// these vars — they exist for readability at call sites, not identity.
var (
	ErrTimedOut    = New(unix.ETIMEDOUT)
	ErrCanceled    = New(unix.ECANCELED)
	ErrConnReset   = New(unix.ECONNRESET)
	ErrBrokenPipe  = New(unix.EPIPE)
	ErrBusy        = New(unix.EBUSY)
	ErrDeadlock    = New(unix.EDEADLK)
	ErrBadFD       = New(unix.EBADF)
	ErrInvalid     = New(unix.EINVAL)
	ErrNoMemory    = New(unix.ENOMEM)
	ErrWouldBlock  = New(unix.EAGAIN)
	ErrInProgress  = New(unix.EINPROGRESS)
	ErrNotFound    = New(unix.ENOENT)
	ErrHostUnreach = New(unix.EHOSTUNREACH)
)

// IsWouldBlock reports whether err is EAGAIN or EWOULDBLOCK (the two
// constants share a value on Linux, kept distinct here for callers
// that branch on intent rather than numeric equality).
func IsWouldBlock(err error) bool {
	return Is(err, unix.EAGAIN) || Is(err, unix.EWOULDBLOCK)
}

// IsInProgress reports whether err is EINPROGRESS.
func IsInProgress(err error) bool {
	return Is(err, unix.EINPROGRESS)
}
