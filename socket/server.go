//go:build linux || darwin

package socket

import (
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// ServerTCP is a listening, non-blocking, TCP socket.
type ServerTCP struct {
	fd     int
	family Family
	closed bool
}

// Listen binds a non-blocking listening socket to addr, with SO_REUSEADDR.
func Listen(addr netip.AddrPort, backlog int) (*ServerTCP, error) {
	family := FamilyOf(addr.Addr())
	sa, err := toSockaddr(family, addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(int(family), unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)

	fail := func(op string, err error) (*ServerTCP, error) {
		_ = unix.Close(fd)
		return nil, os.NewSyscallError(op, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("setnonblock", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	return &ServerTCP{fd: fd, family: family}, nil
}

// ListenTCP is a [ServerProvider] of OS listening sockets, see Listen.
func ListenTCP(addr netip.AddrPort, backlog int) (Server, error) {
	ln, err := Listen(addr, backlog)
	if err != nil {
		return nil, err
	}
	return tcpServer{ln}, nil
}

var _ ServerProvider = ListenTCP

// tcpServer adapts ServerTCP to the Server interface.
type tcpServer struct{ *ServerTCP }

func (s tcpServer) Accept() (Socket, error) {
	sock, err := s.ServerTCP.Accept()
	if sock == nil {
		return nil, err
	}
	return sock, nil
}

func (s *ServerTCP) FD() int { return s.fd }

func (s *ServerTCP) IsOpen() bool { return !s.closed }

// Addr returns the bound address, e.g. to find an ephemeral port.
func (s *ServerTCP) Addr() (netip.AddrPort, error) {
	if s.closed {
		return netip.AddrPort{}, ErrClosed
	}
	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return netip.AddrPort{}, os.NewSyscallError("getsockname", err)
	}
	return fromSockaddr(sa), nil
}

// Accept returns the next connection, as a connected non-blocking socket,
// or nil, nil if none is pending.
func (s *ServerTCP) Accept() (*TCP, error) {
	if s.closed {
		return nil, ErrClosed
	}
	var fd int
	err := ignoringEINTR(func() (err error) {
		fd, err = accept(s.fd)
		return err
	})
	switch err {
	case nil:
		return newConnectedTCP(fd, s.family), nil
	case unix.EAGAIN, unix.ECONNABORTED:
		return nil, nil
	default:
		return nil, os.NewSyscallError("accept", err)
	}
}

func (s *ServerTCP) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return os.NewSyscallError("close", unix.Close(s.fd))
}
