//go:build linux

package runtime

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/fd"
	"github.com/corowire/corowire/neterr"
	"github.com/corowire/corowire/socket"
)

// WaitReadable parks until fd is readable, with no deadline.
func WaitReadable(s Scheduler, fd int) error {
	return s.WaitReadable(fd, 0, false, neterr.ErrTimedOut)
}

// WaitWritable parks until fd is writable, with no deadline.
func WaitWritable(s Scheduler, fd int) error {
	return s.WaitWritable(fd, 0, false, neterr.ErrTimedOut)
}

// WaitReadableFor parks until fd is readable or timeout elapses.
func WaitReadableFor(s Scheduler, fd int, timeout time.Duration) error {
	return s.WaitReadable(fd, timeout, true, neterr.ErrTimedOut)
}

// WaitWritableFor parks until fd is writable or timeout elapses.
func WaitWritableFor(s Scheduler, fd int, timeout time.Duration) error {
	return s.WaitWritable(fd, timeout, true, neterr.ErrTimedOut)
}

// AsyncAccept loops accept/wait-readable until a connection lands or
// accept fails for a reason other than EAGAIN.
func AsyncAccept(s Scheduler, listener *socket.Listener) (socket.Stream, error) {
	for {
		conn, err := listener.Accept()
		if err == nil {
			return conn, nil
		}
		if !socket.IsWouldBlock(err) {
			return socket.Stream{}, err
		}
		if err := WaitReadable(s, listener.FD()); err != nil {
			return socket.Stream{}, err
		}
	}
}

// AsyncConnect issues a nonblocking connect and waits for it to finish.
func AsyncConnect(s Scheduler, ep socket.Endpoint) (socket.Stream, error) {
	stream, err := socket.Connect(ep)
	if err != nil {
		return socket.Stream{}, err
	}
	for {
		err := stream.FinishConnect()
		if err == nil {
			return stream, nil
		}
		if !socket.IsInProgress(err) && !socket.IsWouldBlock(err) {
			return socket.Stream{}, err
		}
		if err := WaitWritable(s, stream.FD()); err != nil {
			return socket.Stream{}, err
		}
	}
}

// AsyncReadSome reads whatever is available, waiting for readability
// exactly once per EAGAIN.
func AsyncReadSome(s Scheduler, stream *socket.Stream, buf []byte) (int, error) {
	for {
		n, err := stream.ReadSome(buf)
		if err == nil {
			return n, nil
		}
		if !socket.IsWouldBlock(err) {
			return 0, err
		}
		if err := WaitReadable(s, stream.FD()); err != nil {
			return 0, err
		}
	}
}

// AsyncWriteSome writes as much of buf as the kernel will currently
// accept, waiting for writability exactly once per EAGAIN.
func AsyncWriteSome(s Scheduler, stream *socket.Stream, buf []byte) (int, error) {
	for {
		n, err := stream.WriteSome(buf)
		if err == nil {
			return n, nil
		}
		if !socket.IsWouldBlock(err) {
			return 0, err
		}
		if err := WaitWritable(s, stream.FD()); err != nil {
			return 0, err
		}
	}
}

// AsyncReadExact fills buf completely, treating a mid-stream EOF as
// ECONNRESET.
func AsyncReadExact(s Scheduler, stream *socket.Stream, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := AsyncReadSome(s, stream, buf[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return neterr.ErrConnReset
		}
		total += n
	}
	return nil
}

// AsyncWriteAll writes buf completely, treating a zero-length write as
// EPIPE.
func AsyncWriteAll(s Scheduler, stream *socket.Stream, buf []byte) error {
	total := 0
	for total < len(buf) {
		n, err := AsyncWriteSome(s, stream, buf[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return neterr.ErrBrokenPipe
		}
		total += n
	}
	return nil
}

const sleepSliceMax = 20 * time.Millisecond

// AsyncSleep suspends for duration, checking token for cancellation
// between slices so a long sleep can be interrupted promptly.
//
// Each call creates and owns its own timerfd rather than sharing one
// per Scheduler: a scheduler's goroutines run concurrently, and a
// shared timerfd would have two independent sleeps fighting over the
// same settime/read pair.
func AsyncSleep(s Scheduler, duration time.Duration, token CancelToken) error {
	if token.StopRequested() {
		return neterr.ErrCanceled
	}
	if duration <= 0 {
		return nil
	}

	timerFD, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return neterr.FromErrno(err)
	}
	defer fd.Close(timerFD)

	deadline := time.Now().Add(duration)
	for {
		if token.StopRequested() {
			return neterr.ErrCanceled
		}
		now := time.Now()
		if !now.Before(deadline) {
			return nil
		}

		remaining := deadline.Sub(now)
		slice := remaining
		if slice > sleepSliceMax {
			slice = sleepSliceMax
		}
		if slice < time.Millisecond {
			slice = time.Millisecond
		}

		spec := unix.ItimerSpec{
			Value: unix.NsecToTimespec(slice.Nanoseconds()),
		}
		if err := unix.TimerfdSettime(timerFD, 0, &spec, nil); err != nil {
			return neterr.FromErrno(err)
		}

		if err := WaitReadable(s, timerFD); err != nil {
			return err
		}

		var expirations [8]byte
		for {
			_, err := unix.Read(timerFD, expirations[:])
			if err == nil {
				break
			}
			if err == unix.EINTR || neterr.IsWouldBlock(err) {
				break
			}
			return neterr.FromErrno(err)
		}
	}
}

func isTimeoutErr(err error) bool {
	return neterr.Is(err, unix.ETIMEDOUT)
}

// AsyncReadSomeWithTimeout is AsyncReadSome bounded by an overall
// deadline rather than a single wait call, so a socket that is
// intermittently-but-never-fully readable still times out on schedule.
func AsyncReadSomeWithTimeout(s Scheduler, stream *socket.Stream, buf []byte, timeout time.Duration, token CancelToken) (int, error) {
	if timeout < 0 {
		return 0, neterr.ErrInvalid
	}
	deadline := time.Now().Add(timeout)
	for {
		if token.StopRequested() {
			return 0, neterr.ErrCanceled
		}
		n, err := stream.ReadSome(buf)
		if err == nil {
			return n, nil
		}
		if !socket.IsWouldBlock(err) {
			return 0, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			return 0, neterr.ErrTimedOut
		}
		slice := deadline.Sub(now)
		if slice > sleepSliceMax {
			slice = sleepSliceMax
		}
		if slice < time.Millisecond {
			slice = time.Millisecond
		}
		if err := WaitReadableFor(s, stream.FD(), slice); err != nil && !isTimeoutErr(err) {
			return 0, err
		}
	}
}

// AsyncWriteSomeWithTimeout is the write-side counterpart of
// AsyncReadSomeWithTimeout.
func AsyncWriteSomeWithTimeout(s Scheduler, stream *socket.Stream, buf []byte, timeout time.Duration, token CancelToken) (int, error) {
	if timeout < 0 {
		return 0, neterr.ErrInvalid
	}
	deadline := time.Now().Add(timeout)
	for {
		if token.StopRequested() {
			return 0, neterr.ErrCanceled
		}
		n, err := stream.WriteSome(buf)
		if err == nil {
			return n, nil
		}
		if !socket.IsWouldBlock(err) {
			return 0, err
		}
		now := time.Now()
		if !now.Before(deadline) {
			return 0, neterr.ErrTimedOut
		}
		slice := deadline.Sub(now)
		if slice > sleepSliceMax {
			slice = sleepSliceMax
		}
		if slice < time.Millisecond {
			slice = time.Millisecond
		}
		if err := WaitWritableFor(s, stream.FD(), slice); err != nil && !isTimeoutErr(err) {
			return 0, err
		}
	}
}
