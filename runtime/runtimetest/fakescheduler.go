//go:build linux

// Package runtimetest provides a hand-rolled fake Scheduler for tests
// that exercise Task/CancelToken/io_ops logic without needing a real
// epoll or io_uring instance.
package runtimetest

import (
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/neterr"
	"github.com/corowire/corowire/runtime"
)

var _ runtime.Scheduler = (*FakeScheduler)(nil)

// FakeScheduler implements runtime.Scheduler using a plain poll(2)
// call per wait instead of a shared reactor. It is correct but not
// scalable — fine for unit tests, wrong for production use.
type FakeScheduler struct {
	activeTaskCount int64
}

// Schedule launches fn as a counted goroutine.
func (s *FakeScheduler) Schedule(fn func()) {
	atomic.AddInt64(&s.activeTaskCount, 1)
	go fn()
}

// OnTaskCompleted decrements the active task count.
func (s *FakeScheduler) OnTaskCompleted() {
	atomic.AddInt64(&s.activeTaskCount, -1)
}

// ActiveTaskCount reports how many tasks are currently tracked.
func (s *FakeScheduler) ActiveTaskCount() int64 {
	return atomic.LoadInt64(&s.activeTaskCount)
}

// WaitReadable blocks in poll(2) until fd is readable or timeout elapses.
func (s *FakeScheduler) WaitReadable(fd int, timeout time.Duration, hasTimeout bool, timeoutErr error) error {
	return s.wait(fd, unix.POLLIN, timeout, hasTimeout, timeoutErr)
}

// WaitWritable blocks in poll(2) until fd is writable or timeout elapses.
func (s *FakeScheduler) WaitWritable(fd int, timeout time.Duration, hasTimeout bool, timeoutErr error) error {
	return s.wait(fd, unix.POLLOUT, timeout, hasTimeout, timeoutErr)
}

func (s *FakeScheduler) wait(fd int, events int16, timeout time.Duration, hasTimeout bool, timeoutErr error) error {
	if fd < 0 {
		return neterr.ErrBadFD
	}
	ms := -1
	if hasTimeout {
		if timeout < 0 {
			timeout = 0
		}
		ms = int(timeout.Milliseconds())
	}
	pfd := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		n, err := unix.Poll(pfd, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return neterr.FromErrno(err)
		}
		if n == 0 {
			return timeoutErr
		}
		return nil
	}
}
