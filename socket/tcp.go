//go:build linux || darwin

package socket

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

type tcpState uint8

const (
	tcpUnconnected tcpState = iota
	tcpPending
	tcpConnected
	tcpClosed
)

// TCP is an OS stream socket. It is not safe for concurrent use.
type TCP struct {
	fd     int
	family Family
	state  tcpState
}

var _ Socket = (*TCP)(nil)

// Open creates an unconnected, blocking, TCP socket.
func Open(family Family) (*TCP, error) {
	fd, err := unix.Socket(int(family), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	return &TCP{fd: fd, family: family}, nil
}

func newConnectedTCP(fd int, family Family) *TCP {
	return &TCP{fd: fd, family: family, state: tcpConnected}
}

func (s *TCP) FD() int { return s.fd }

// Family returns the socket's address family.
func (s *TCP) Family() Family { return s.family }

func (s *TCP) IsOpen() bool { return s.state != tcpClosed }

func (s *TCP) IsConnected() bool { return s.state == tcpConnected }

func (s *TCP) IsConnectionPending() bool { return s.state == tcpPending }

func (s *TCP) Connect(addr netip.AddrPort) (bool, error) {
	switch s.state {
	case tcpClosed:
		return false, ErrClosed
	case tcpPending:
		return false, ErrConnectionPending
	case tcpConnected:
		return false, ErrAlreadyConnected
	}

	sa, err := toSockaddr(s.family, addr)
	if err != nil {
		return false, err
	}

	switch err := unix.Connect(s.fd, sa); err {
	case nil:
		s.state = tcpConnected
		return true, nil
	case unix.EINPROGRESS, unix.EINTR:
		// an interrupted connect continues asynchronously
		s.state = tcpPending
		return false, nil
	default:
		return false, os.NewSyscallError("connect", err)
	}
}

func (s *TCP) FinishConnect() (bool, error) {
	switch s.state {
	case tcpClosed:
		return false, ErrClosed
	case tcpConnected:
		return true, nil
	case tcpUnconnected:
		return false, ErrNoConnectionPending
	}

	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err == nil && soerr != 0 {
		err = unix.Errno(soerr)
	}
	if err != nil {
		_ = s.Close()
		return false, os.NewSyscallError("connect", err)
	}

	if _, err := unix.Getpeername(s.fd); err != nil {
		if errors.Is(err, unix.ENOTCONN) {
			return false, nil
		}
		_ = s.Close()
		return false, os.NewSyscallError("getpeername", err)
	}

	s.state = tcpConnected
	return true, nil
}

func (s *TCP) Read(p []byte) (int, error) {
	if s.state == tcpClosed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	err := ignoringEINTR(func() (err error) {
		n, err = unix.Read(s.fd, p)
		return err
	})
	switch {
	case err == unix.EAGAIN:
		return 0, nil
	case err != nil:
		return 0, os.NewSyscallError("read", err)
	case n == 0:
		return 0, io.EOF
	default:
		return n, nil
	}
}

func (s *TCP) Write(p []byte) (int, error) {
	if s.state == tcpClosed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	err := ignoringEINTR(func() (err error) {
		n, err = unix.Write(s.fd, p)
		return err
	})
	switch {
	case err == unix.EAGAIN:
		return 0, nil
	case err != nil:
		return 0, os.NewSyscallError("write", err)
	default:
		return n, nil
	}
}

func (s *TCP) SetBlocking(blocking bool) error {
	if s.state == tcpClosed {
		return ErrClosed
	}
	return os.NewSyscallError("setnonblock", unix.SetNonblock(s.fd, !blocking))
}

// SetNoDelay toggles Nagle's algorithm (TCP_NODELAY).
func (s *TCP) SetNoDelay(noDelay bool) error {
	return s.setBoolOpt(unix.IPPROTO_TCP, unix.TCP_NODELAY, noDelay)
}

// SetKeepAlive toggles SO_KEEPALIVE.
func (s *TCP) SetKeepAlive(keepAlive bool) error {
	return s.setBoolOpt(unix.SOL_SOCKET, unix.SO_KEEPALIVE, keepAlive)
}

// SetReuseAddr toggles SO_REUSEADDR.
func (s *TCP) SetReuseAddr(reuse bool) error {
	return s.setBoolOpt(unix.SOL_SOCKET, unix.SO_REUSEADDR, reuse)
}

func (s *TCP) setBoolOpt(level, opt int, v bool) error {
	if s.state == tcpClosed {
		return ErrClosed
	}
	var i int
	if v {
		i = 1
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(s.fd, level, opt, i))
}

// LocalAddr returns the bound address.
func (s *TCP) LocalAddr() (netip.AddrPort, error) {
	if s.state == tcpClosed {
		return netip.AddrPort{}, ErrClosed
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return fromSockaddr(sa), nil
}

// RemoteAddr returns the peer address of a connected socket.
func (s *TCP) RemoteAddr() (netip.AddrPort, error) {
	if s.state == tcpClosed {
		return netip.AddrPort{}, ErrClosed
	}
	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getpeername", err)
	}
	return fromSockaddr(sa), nil
}

func (s *TCP) Close() error {
	if s.state == tcpClosed {
		return nil
	}
	s.state = tcpClosed
	return os.NewSyscallError("close", unix.Close(s.fd))
}

func (s *TCP) String() string {
	return fmt.Sprintf("tcp(fd=%d, %s)", s.fd, s.family)
}
