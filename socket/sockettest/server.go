package sockettest

import (
	"net/netip"

	"github.com/joeycumines/go-reactor/socket"
)

// Server is a scripted listening socket double. Its descriptor is supplied
// by the caller, so that it may be a real, pollable, descriptor. It is not
// safe for concurrent use.
type Server struct {
	// Pending is handed out by Accept, in order.
	Pending []socket.Socket

	// AcceptErr, if set, is returned by Accept.
	AcceptErr error

	// Bound is the address passed to the provider.
	Bound netip.AddrPort

	// Backlog is the backlog passed to the provider.
	Backlog int

	// Call counts.
	Accepts, Closes int

	fd   int
	open bool
}

var _ socket.Server = (*Server)(nil)

// NewServer returns an open server double using fd.
func NewServer(fd int) *Server {
	return &Server{fd: fd, open: true}
}

// ServerProvider returns a [socket.ServerProvider] yielding s, or err if
// non-nil.
func ServerProvider(s *Server, err error) socket.ServerProvider {
	return func(addr netip.AddrPort, backlog int) (socket.Server, error) {
		if err != nil {
			return nil, err
		}
		s.Bound = addr
		s.Backlog = backlog
		return s, nil
	}
}

func (s *Server) FD() int { return s.fd }

func (s *Server) IsOpen() bool { return s.open }

func (s *Server) Addr() (netip.AddrPort, error) {
	if !s.open {
		return netip.AddrPort{}, socket.ErrClosed
	}
	return s.Bound, nil
}

func (s *Server) Accept() (socket.Socket, error) {
	s.Accepts++
	if !s.open {
		return nil, socket.ErrClosed
	}
	if s.AcceptErr != nil {
		return nil, s.AcceptErr
	}
	if len(s.Pending) == 0 {
		return nil, nil
	}
	sock := s.Pending[0]
	s.Pending = s.Pending[1:]
	return sock, nil
}

func (s *Server) Close() error {
	s.Closes++
	s.open = false
	return nil
}
