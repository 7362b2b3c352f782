// Package fd provides a move-only kernel descriptor wrapper: at most
// one live Owned value ever names a given descriptor, guaranteeing a
// scoped release on every exit path.
package fd

import (
	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/neterr"
)

// Owned is a move-only file descriptor. The zero value is invalid and
// owns nothing, even though fd 0 (stdin) is itself a valid descriptor
// number; internally raw is stored offset by one so that an
// unconstructed Owned{} can never be mistaken for an adopted fd 0.
type Owned struct {
	raw int // stored fd+1; 0 means "no descriptor"
}

// Invalid is the sentinel value Get/Release report for "no descriptor".
const Invalid = -1

// Adopt takes ownership of an already-open descriptor.
func Adopt(raw int) Owned {
	return Owned{raw: raw + 1}
}

// Valid reports whether o currently owns a descriptor.
func (o *Owned) Valid() bool {
	return o.raw != 0
}

// Get returns the raw descriptor without transferring ownership, or
// Invalid if o owns nothing.
func (o *Owned) Get() int {
	if o.raw == 0 {
		return Invalid
	}
	return o.raw - 1
}

// Release returns the raw descriptor and relinquishes ownership
// without closing it; the caller becomes responsible for its lifetime.
func (o *Owned) Release() int {
	raw := o.Get()
	o.raw = 0
	return raw
}

// Reset closes the currently owned descriptor (if any, and if
// different from newFd) and adopts newFd.
func (o *Owned) Reset(newFd int) {
	if cur := o.Get(); cur >= 0 && cur != newFd {
		_ = Close(cur)
	}
	o.raw = newFd + 1
}

// Swap exchanges ownership with other.
func (o *Owned) Swap(other *Owned) {
	o.raw, other.raw = other.raw, o.raw
}

// Close closes rawFd. A negative descriptor is rejected with EBADF
// without making a syscall; otherwise the kernel's result is surfaced
// unchanged.
func Close(rawFd int) error {
	if rawFd < 0 {
		return neterr.New(unix.EBADF).WithContext("fd", rawFd)
	}
	return neterr.FromErrno(unix.Close(rawFd))
}
