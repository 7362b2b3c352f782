//go:build linux

package reactor

import (
	"math"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/neterr"
)

// Event is one readiness notification: fd plus the raw epoll mask
// that fired for it.
type Event struct {
	Fd   int
	Mask uint32
}

const maxBatch = 1024

// Epoll wraps one close-on-exec epoll instance. Wait reuses a scratch
// buffer and must not run concurrently with itself; the runtime event
// loops call Wait only from their driver goroutine and serialize
// Add/Modify/Remove behind their own mutex.
type Epoll struct {
	epfd    int
	scratch []unix.EpollEvent
}

// NewEpoll creates a fresh epoll instance.
func NewEpoll() (*Epoll, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, neterr.FromErrno(err)
	}
	return &Epoll{epfd: epfd}, nil
}

// FD returns the raw epoll descriptor, mainly for diagnostics.
func (e *Epoll) FD() int { return e.epfd }

// Add registers fd for the given event mask.
func (e *Epoll) Add(f int, mask uint32) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(f)}
	return neterr.FromErrno(unix.EpollCtl(e.epfd, unix.EPOLL_CTL_ADD, f, &ev))
}

// Modify updates the event mask already registered for fd.
func (e *Epoll) Modify(f int, mask uint32) error {
	ev := unix.EpollEvent{Events: mask, Fd: int32(f)}
	return neterr.FromErrno(unix.EpollCtl(e.epfd, unix.EPOLL_CTL_MOD, f, &ev))
}

// Remove drops fd from the interest set. Idempotent: ENOENT is
// swallowed since the caller may race a fd that was never armed or
// already removed.
func (e *Epoll) Remove(f int) error {
	err := unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, f, nil)
	if err != nil && err != unix.ENOENT {
		return neterr.FromErrno(err)
	}
	return nil
}

// Wait blocks until at least one descriptor is ready, the timeout
// elapses, or the call is interrupted. With hasTimeout false it blocks
// indefinitely; a negative timeout is treated as zero. EINTR is folded into "zero events ready" rather than
// surfaced as an error, matching the spec's required retry behaviour.
func (e *Epoll) Wait(out []Event, timeout time.Duration, hasTimeout bool) (int, error) {
	ms := -1
	if hasTimeout {
		if timeout < 0 {
			timeout = 0
		}
		ms64 := timeout.Milliseconds()
		if ms64 > math.MaxInt32 {
			ms64 = math.MaxInt32
		}
		ms = int(ms64)
	}

	batch := len(out)
	if batch > maxBatch {
		batch = maxBatch
	}
	if batch == 0 {
		batch = 1
	}
	if cap(e.scratch) < batch {
		e.scratch = make([]unix.EpollEvent, batch)
	}
	scratch := e.scratch[:batch]

	n, err := unix.EpollWait(e.epfd, scratch, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, neterr.FromErrno(err)
	}
	if n > len(out) {
		n = len(out)
	}
	for i := 0; i < n; i++ {
		out[i] = Event{Fd: int(scratch[i].Fd), Mask: scratch[i].Events}
	}
	return n, nil
}

// Close releases the epoll descriptor.
func (e *Epoll) Close() error {
	return neterr.FromErrno(unix.Close(e.epfd))
}
