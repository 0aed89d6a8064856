// Package socket defines the socket capability set driven by the reactor's
// connection state machine, and its OS implementation.
//
// All sockets created by this package are close-on-exec. Reads and writes on
// non-blocking sockets never block: a would-block condition is reported as a
// zero count with a nil error, and an orderly shutdown by the peer as
// [io.EOF].
package socket

import (
	"errors"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"
)

var (
	// ErrClosed is returned by operations on a closed socket.
	ErrClosed = errors.New("socket: closed")

	// ErrAlreadyConnected is returned by Connect on a connected socket.
	ErrAlreadyConnected = errors.New("socket: already connected")

	// ErrConnectionPending is returned by Connect while a connect is in flight.
	ErrConnectionPending = errors.New("socket: connection pending")

	// ErrNoConnectionPending is returned by FinishConnect if Connect was
	// never called.
	ErrNoConnectionPending = errors.New("socket: no connection pending")

	// ErrAddressFamily is returned for an address that does not match the
	// socket's family.
	ErrAddressFamily = errors.New("socket: address family mismatch")
)

// Socket is the capability set of a stream socket.
type Socket interface {
	// FD returns the descriptor, for registration with a reactor.
	FD() int
	IsOpen() bool
	IsConnected() bool
	// IsConnectionPending reports whether a connect is in flight, and must
	// be completed with FinishConnect.
	IsConnectionPending() bool
	// Connect initiates a connection, returning true if it completed
	// immediately. In non-blocking mode it normally returns false, leaving
	// the connect pending.
	Connect(addr netip.AddrPort) (bool, error)
	// FinishConnect completes a pending connect, returning false if it is
	// still in progress. A failed connect closes the socket.
	FinishConnect() (bool, error)
	// Read reads into p, returning io.EOF on orderly shutdown, and 0, nil
	// if it would block.
	Read(p []byte) (int, error)
	// Write writes a prefix of p, which may be short (or empty) if the
	// socket's send buffer is full.
	Write(p []byte) (int, error)
	SetBlocking(blocking bool) error
	// Close closes the socket. It is idempotent.
	Close() error
}

// Provider opens an unconnected socket for the given family.
type Provider func(family Family) (Socket, error)

// Server is the capability set of a listening stream socket.
type Server interface {
	// FD returns the descriptor, for registration with a reactor.
	FD() int
	IsOpen() bool
	// Addr returns the bound address.
	Addr() (netip.AddrPort, error)
	// Accept returns the next pending connection, as a non-blocking
	// socket, or nil, nil if there is none.
	Accept() (Socket, error)
	// Close closes the socket. It is idempotent.
	Close() error
}

// ServerProvider binds a listening socket to addr.
type ServerProvider func(addr netip.AddrPort, backlog int) (Server, error)

// Family is an address family.
type Family int

const (
	IPv4 Family = unix.AF_INET
	IPv6 Family = unix.AF_INET6
)

// FamilyOf returns the family for addr. IPv4-mapped IPv6 addresses are
// treated as IPv4.
func FamilyOf(addr netip.Addr) Family {
	if addr.Unmap().Is4() {
		return IPv4
	}
	return IPv6
}

func (f Family) String() string {
	switch f {
	case IPv4:
		return "ipv4"
	case IPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", int(f))
	}
}

// OpenTCP is a [Provider] of OS sockets.
func OpenTCP(family Family) (Socket, error) {
	return Open(family)
}

var _ Provider = OpenTCP

func toSockaddr(family Family, ap netip.AddrPort) (unix.Sockaddr, error) {
	addr := ap.Addr()
	switch family {
	case IPv4:
		addr = addr.Unmap()
		if !addr.Is4() {
			return nil, fmt.Errorf("%w: %s on %s", ErrAddressFamily, addr, family)
		}
		return &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.As4()}, nil
	case IPv6:
		if !addr.IsValid() {
			return nil, fmt.Errorf("%w: invalid address", ErrAddressFamily)
		}
		return &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrAddressFamily, family)
	}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	default:
		return netip.AddrPort{}
	}
}

// ignoringEINTR retries fn while it fails with EINTR.
func ignoringEINTR(fn func() error) error {
	for {
		if err := fn(); err != unix.EINTR {
			return err
		}
	}
}
