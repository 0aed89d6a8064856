// Package sockettest provides a scripted, in-memory, [socket.Socket].
package sockettest

import (
	"io"
	"net/netip"
	"sync/atomic"

	"github.com/joeycumines/go-reactor/socket"
)

// fake descriptors start well above anything the process will open
var nextFD atomic.Int64

func init() { nextFD.Store(1 << 20) }

// Socket is a scripted socket double. The exported fields may be set, or
// inspected, between calls. It is not safe for concurrent use.
type Socket struct {
	// ConnectFunc, if set, replaces the default Connect behavior, which is
	// to complete immediately if blocking, or otherwise leave the connect
	// pending.
	ConnectFunc func(addr netip.AddrPort) (bool, error)

	// FinishConnectFunc, if set, is called by FinishConnect while a connect
	// is pending. Returning true marks the socket connected, and an error
	// closes it. Otherwise FinishConnect completes the connect.
	FinishConnectFunc func() (bool, error)

	// Inbound is consumed by Read, in order. A read with Inbound empty
	// returns EOF if EOF is set, and otherwise would block.
	Inbound [][]byte

	// ReadErr, if set, is returned by Read.
	ReadErr error

	// WriteErr, if set, is returned by Write.
	WriteErr error

	// Written holds every byte accepted by Write.
	Written []byte

	// WriteLimit caps the bytes accepted by each Write, if positive.
	WriteLimit int

	// Remote is the last address passed to Connect.
	Remote netip.AddrPort

	// WriteBlocked makes Write accept nothing, simulating a full send buffer.
	WriteBlocked bool

	// EOF marks the inbound stream as shut down, once Inbound is drained.
	EOF bool

	// Call counts.
	Reads, Writes, Closes, FinishConnects int

	fd        int
	open      bool
	connected bool
	pending   bool
	blocking  bool
}

var _ socket.Socket = (*Socket)(nil)

// New returns an open, unconnected, blocking socket, with a unique fake
// descriptor.
func New() *Socket {
	return &Socket{
		fd:       int(nextFD.Add(1)),
		open:     true,
		blocking: true,
	}
}

// NewConnected returns an open, connected, non-blocking socket.
func NewConnected() *Socket {
	s := New()
	s.connected = true
	s.blocking = false
	return s
}

// NewPending returns an open, non-blocking socket with a connect in flight.
func NewPending() *Socket {
	s := New()
	s.pending = true
	s.blocking = false
	return s
}

// Provider returns a [socket.Provider] yielding s, recording the requested
// family in family, if non-nil.
func Provider(s *Socket, family *socket.Family) socket.Provider {
	return func(f socket.Family) (socket.Socket, error) {
		if family != nil {
			*family = f
		}
		return s, nil
	}
}

func (s *Socket) FD() int { return s.fd }

func (s *Socket) IsOpen() bool { return s.open }

func (s *Socket) IsConnected() bool { return s.connected }

func (s *Socket) IsConnectionPending() bool { return s.pending }

// IsBlocking reports the blocking mode.
func (s *Socket) IsBlocking() bool { return s.blocking }

// SetConnected sets the connected flag, e.g. to simulate a reset.
func (s *Socket) SetConnected(connected bool) { s.connected = connected }

// Feed appends inbound data.
func (s *Socket) Feed(data []byte) {
	s.Inbound = append(s.Inbound, data)
}

func (s *Socket) Connect(addr netip.AddrPort) (bool, error) {
	switch {
	case !s.open:
		return false, socket.ErrClosed
	case s.pending:
		return false, socket.ErrConnectionPending
	case s.connected:
		return false, socket.ErrAlreadyConnected
	}
	s.Remote = addr
	if s.ConnectFunc != nil {
		ok, err := s.ConnectFunc(addr)
		if err == nil {
			s.connected = ok
			s.pending = !ok
		}
		return ok, err
	}
	if s.blocking {
		s.connected = true
		return true, nil
	}
	s.pending = true
	return false, nil
}

func (s *Socket) FinishConnect() (bool, error) {
	s.FinishConnects++
	switch {
	case !s.open:
		return false, socket.ErrClosed
	case s.connected:
		return true, nil
	case !s.pending:
		return false, socket.ErrNoConnectionPending
	}
	if s.FinishConnectFunc != nil {
		ok, err := s.FinishConnectFunc()
		if err != nil {
			_ = s.Close()
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	s.pending = false
	s.connected = true
	return true, nil
}

func (s *Socket) Read(p []byte) (int, error) {
	s.Reads++
	if !s.open {
		return 0, socket.ErrClosed
	}
	if s.ReadErr != nil {
		return 0, s.ReadErr
	}
	if len(s.Inbound) == 0 {
		if s.EOF {
			return 0, io.EOF
		}
		return 0, nil
	}
	n := copy(p, s.Inbound[0])
	if n == len(s.Inbound[0]) {
		s.Inbound = s.Inbound[1:]
	} else {
		s.Inbound[0] = s.Inbound[0][n:]
	}
	return n, nil
}

func (s *Socket) Write(p []byte) (int, error) {
	s.Writes++
	if !s.open {
		return 0, socket.ErrClosed
	}
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	if s.WriteBlocked {
		return 0, nil
	}
	n := len(p)
	if s.WriteLimit > 0 {
		n = min(n, s.WriteLimit)
	}
	s.Written = append(s.Written, p[:n]...)
	return n, nil
}

func (s *Socket) SetBlocking(blocking bool) error {
	if !s.open {
		return socket.ErrClosed
	}
	s.blocking = blocking
	return nil
}

func (s *Socket) Close() error {
	s.Closes++
	s.open = false
	s.pending = false
	s.connected = false
	return nil
}
