package stream

import (
	"fmt"
	"net/netip"

	"github.com/joeycumines/go-reactor/outbuf"
	"github.com/joeycumines/go-reactor/reactor"
	"github.com/joeycumines/go-reactor/socket"
	"github.com/joeycumines/logiface"
)

// Initiator opens outbound connections and listening sockets, for a loop.
// Every callback it makes runs on the loop goroutine.
type Initiator struct {
	resolver *Resolver
	provider socket.Provider
	listen   socket.ServerProvider
	logger   *logiface.Logger[logiface.Event]
}

// Server is a listening socket, registered with a loop.
type Server struct {
	ln  socket.Server
	key *reactor.Key
}

// NewInitiator constructs an Initiator. A nil resolver uses a new Resolver,
// with the same options.
func NewInitiator(resolver *Resolver, opts ...Option) *Initiator {
	cfg := resolveOptions(opts)
	if resolver == nil {
		resolver = NewResolver(DefaultMaxConcurrency, opts...)
	}
	return &Initiator{
		resolver: resolver,
		provider: cfg.provider,
		listen:   cfg.listen,
		logger:   cfg.logger,
	}
}

// Resolver returns the resolver used by x.
func (x *Initiator) Resolver() *Resolver { return x.resolver }

// Connect resolves host, then opens a non-blocking socket, starts
// connecting it, and registers a [Conn] for it with loop. Connecting is
// called on listener once the connect is in flight. Any failure before
// registration is reported to ConnectionFailed.
func (x *Initiator) Connect(loop *reactor.Loop, host string, port uint16, listener ConnectionListener, receiver Receiver, out *outbuf.Buffer, cfg Config) error {
	if listener == nil {
		listener = NopListener{}
	}
	if cfg.Logger == nil {
		cfg.Logger = x.logger
	}
	return x.ConnectSocket(loop, host, port, listener, func(sock socket.Socket) {
		conn := NewConn(sock, listener, receiver, out, cfg)
		if _, err := conn.Register(loop); err != nil {
			_ = sock.Close()
			listener.ConnectionFailed(err)
		}
	})
}

// ConnectSocket is like Connect, but hands the socket to initiated, which
// is responsible for completing the connect. If the connect completed
// immediately, Connected is called on listener, after Connecting.
func (x *Initiator) ConnectSocket(loop Scheduler, host string, port uint16, listener ConnectionListener, initiated func(sock socket.Socket)) error {
	if initiated == nil {
		return reactor.ErrNilCallback
	}
	if listener == nil {
		listener = NopListener{}
	}
	return x.resolver.Lookup(loop, host, port, func(addr netip.AddrPort, err error) {
		var sock socket.Socket
		var connected bool
		if err == nil {
			sock, connected, err = x.open(addr)
		}
		if err != nil {
			x.logger.Debug().
				Err(err).
				Str("host", host).
				Int("port", int(port)).
				Log("stream: connect failed")
			listener.ConnectionFailed(err)
			return
		}

		x.logger.Debug().
			Stringer("addr", addr).
			Int("fd", sock.FD()).
			Log("stream: connecting")

		listener.Connecting()
		if connected {
			listener.Connected()
		}
		initiated(sock)
	})
}

func (x *Initiator) open(addr netip.AddrPort) (socket.Socket, bool, error) {
	sock, err := x.provider(socket.FamilyOf(addr.Addr()))
	if err != nil {
		return nil, false, fmt.Errorf("stream: open socket: %w", err)
	}
	if err := sock.SetBlocking(false); err != nil {
		_ = sock.Close()
		return nil, false, fmt.Errorf("stream: set non-blocking: %w", err)
	}
	connected, err := sock.Connect(addr)
	if err != nil {
		_ = sock.Close()
		return nil, false, fmt.Errorf("stream: connect %s: %w", addr, err)
	}
	return sock, connected, nil
}

// Bind resolves host (empty for any), then listens on it, see Listen.
// Failures, including resolution, are reported to onErr with a nil key;
// an error returned by onErr is logged.
func (x *Initiator) Bind(loop *reactor.Loop, host string, port uint16, backlog int, accept func(sock socket.Socket), onErr reactor.ExceptionHandler) error {
	if accept == nil || onErr == nil {
		return reactor.ErrNilCallback
	}
	return x.resolver.Lookup(loop, host, port, func(addr netip.AddrPort, err error) {
		if err == nil {
			_, err = x.Listen(loop, addr, backlog, accept)
		}
		if err == nil {
			return
		}
		if err := onErr(nil, err); err != nil {
			x.logger.Err().
				Err(err).
				Str("host", host).
				Int("port", int(port)).
				Log("stream: bind failed")
		}
	})
}

// Listen binds a listening socket to addr, from the server provider (see
// WithServerProvider), and registers it with loop, passing each accepted
// (non-blocking) connection to accept. It must be called from the loop
// goroutine, or before Run.
func (x *Initiator) Listen(loop *reactor.Loop, addr netip.AddrPort, backlog int, accept func(sock socket.Socket)) (*Server, error) {
	if accept == nil {
		return nil, reactor.ErrNilCallback
	}

	ln, err := x.listen(addr, backlog)
	if err != nil {
		return nil, fmt.Errorf("stream: listen %s: %w", addr, err)
	}

	key, err := loop.Register(ln.FD(), reactor.OpAccept, func(reactor.Ops) error {
		for {
			sock, err := ln.Accept()
			if err != nil {
				return fmt.Errorf("stream: accept: %w", err)
			}
			if sock == nil {
				return nil
			}
			accept(sock)
		}
	})
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	s := &Server{ln: ln, key: key}
	if bound, err := ln.Addr(); err == nil {
		x.logger.Info().
			Stringer("addr", bound).
			Log("stream: listening")
	}
	return s, nil
}

// Addr returns the bound address.
func (s *Server) Addr() (netip.AddrPort, error) { return s.ln.Addr() }

// Close cancels the registration, and closes the listening socket. It must
// be called from the loop goroutine, or once the loop has stopped.
func (s *Server) Close() error {
	if err := s.key.Cancel(); err != nil {
		return err
	}
	return s.ln.Close()
}
