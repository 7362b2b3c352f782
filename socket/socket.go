// Package socket provides nonblocking, close-on-exec TCP stream and
// listener primitives. Every call is a thin wrapper over a BSD socket
// syscall that reports would-block conditions to the caller instead of
// blocking the driver goroutine, matching the kernel-facing contract
// the runtime's async operations are built on.
package socket

import (
	"golang.org/x/sys/unix"

	"github.com/corowire/corowire/fd"
	"github.com/corowire/corowire/neterr"
)

// Endpoint is a (host, port) pair. IPv4 only, per module scope.
type Endpoint struct {
	Host string
	Port uint16
}

// Loopback returns the 127.0.0.1 endpoint on the given port.
func Loopback(port uint16) Endpoint {
	return Endpoint{Host: "127.0.0.1", Port: port}
}

// Wildcard returns the 0.0.0.0 endpoint on the given port, for binding.
func Wildcard(port uint16) Endpoint {
	return Endpoint{Host: "0.0.0.0", Port: port}
}

// Stream is a nonblocking, connected (or connecting) TCP socket.
type Stream struct {
	owned fd.Owned
}

// Listener is a nonblocking, bound-and-listening TCP socket.
type Listener struct {
	owned fd.Owned
}

// FD returns the raw descriptor for reactor registration. Callers must
// not close it directly; use Stream/Listener lifetime for that.
func (s *Stream) FD() int { return s.owned.Get() }

// Valid reports whether s currently owns an open descriptor.
func (s *Stream) Valid() bool { return s.owned.Valid() }

// FD returns the raw descriptor for reactor registration.
func (l *Listener) FD() int { return l.owned.Get() }

// Close releases the underlying descriptor.
func (s *Stream) Close() error {
	raw := s.owned.Release()
	if raw < 0 {
		return nil
	}
	return fd.Close(raw)
}

// Close releases the underlying descriptor.
func (l *Listener) Close() error {
	raw := l.owned.Release()
	if raw < 0 {
		return nil
	}
	return fd.Close(raw)
}

func newNonblockingSocket() (int, error) {
	s, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, neterr.FromErrno(err)
	}
	return s, nil
}

func sockaddr(ep Endpoint) (*unix.SockaddrInet4, error) {
	ip, err := parseIPv4(ep.Host)
	if err != nil {
		return nil, err
	}
	return &unix.SockaddrInet4{Port: int(ep.Port), Addr: ip}, nil
}

// Connect creates a nonblocking socket and begins connecting to ep.
// EINPROGRESS is treated as success; the caller must await writability
// and then call FinishConnect.
func Connect(ep Endpoint) (Stream, error) {
	raw, err := newNonblockingSocket()
	if err != nil {
		return Stream{}, err
	}
	sa, err := sockaddr(ep)
	if err != nil {
		unix.Close(raw)
		return Stream{}, err
	}
	err = unix.Connect(raw, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(raw)
		return Stream{}, neterr.FromErrno(err)
	}
	return Stream{owned: fd.Adopt(raw)}, nil
}

// FinishConnect reads SO_ERROR to determine whether a pending connect
// succeeded.
func (s *Stream) FinishConnect() error {
	errno, err := unix.GetsockoptInt(s.owned.Get(), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return neterr.FromErrno(err)
	}
	if errno != 0 {
		return neterr.New(unix.Errno(errno))
	}
	return nil
}

// ReadSome reads up to len(buf) bytes. Zero means the peer closed the
// connection; EAGAIN/EWOULDBLOCK is surfaced unchanged for the caller
// to retry after readiness.
func (s *Stream) ReadSome(buf []byte) (int, error) {
	n, err := unix.Read(s.owned.Get(), buf)
	if err != nil {
		return 0, neterr.FromErrno(err)
	}
	return n, nil
}

// WriteSome writes up to len(buf) bytes via sendmsg(2) with MSG_NOSIGNAL
// so a broken pipe surfaces as EPIPE rather than SIGPIPE.
func (s *Stream) WriteSome(buf []byte) (int, error) {
	n, err := unix.SendmsgN(s.owned.Get(), buf, nil, nil, unix.MSG_NOSIGNAL)
	if err != nil {
		return 0, neterr.FromErrno(err)
	}
	return n, nil
}

// ShutdownWrite half-closes the write side of the connection.
func (s *Stream) ShutdownWrite() error {
	return neterr.FromErrno(unix.Shutdown(s.owned.Get(), unix.SHUT_WR))
}

// SetSendBufferSize sets SO_SNDBUF; n must be positive.
func (s *Stream) SetSendBufferSize(n int) error {
	if n <= 0 {
		return neterr.New(unix.EINVAL).WithContext("n", n)
	}
	return neterr.FromErrno(unix.SetsockoptInt(s.owned.Get(), unix.SOL_SOCKET, unix.SO_SNDBUF, n))
}

// Bind creates a nonblocking listening socket on ep with the given
// backlog. SO_REUSEADDR is set before bind.
func Bind(ep Endpoint, backlog int) (Listener, error) {
	raw, err := newNonblockingSocket()
	if err != nil {
		return Listener{}, err
	}
	if err := unix.SetsockoptInt(raw, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(raw)
		return Listener{}, neterr.FromErrno(err)
	}
	sa, err := sockaddr(ep)
	if err != nil {
		unix.Close(raw)
		return Listener{}, err
	}
	if err := unix.Bind(raw, sa); err != nil {
		unix.Close(raw)
		return Listener{}, neterr.FromErrno(err)
	}
	if err := unix.Listen(raw, backlog); err != nil {
		unix.Close(raw)
		return Listener{}, neterr.FromErrno(err)
	}
	return Listener{owned: fd.Adopt(raw)}, nil
}

// Accept accepts one pending connection as a nonblocking, close-on-exec
// stream. Surfaces EAGAIN/EWOULDBLOCK unchanged when none is pending.
func (l *Listener) Accept() (Stream, error) {
	raw, _, err := unix.Accept4(l.owned.Get(), unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return Stream{}, neterr.FromErrno(err)
	}
	return Stream{owned: fd.Adopt(raw)}, nil
}

// LocalPort returns the port the listener is bound to.
func (l *Listener) LocalPort() (uint16, error) {
	sa, err := unix.Getsockname(l.owned.Get())
	if err != nil {
		return 0, neterr.FromErrno(err)
	}
	in4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return 0, neterr.New(unix.EINVAL)
	}
	return uint16(in4.Port), nil
}

// IsWouldBlock reports whether err is EAGAIN or EWOULDBLOCK.
func IsWouldBlock(err error) bool {
	return neterr.IsWouldBlock(err)
}

// IsInProgress reports whether err is EINPROGRESS.
func IsInProgress(err error) bool {
	return neterr.IsInProgress(err)
}
