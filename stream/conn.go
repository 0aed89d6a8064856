// Package stream drives non-blocking stream sockets from a [reactor.Loop].
//
// A [Conn] is the per-socket state machine: it completes a pending connect,
// then moves bytes between its socket, an [outbuf.Buffer] and a [Receiver],
// always presenting the minimal interest set to the loop. An [Initiator]
// resolves names (via a [Resolver]), opens sockets, and wires up Conns and
// listening sockets.
package stream

import (
	"errors"
	"fmt"
	"io"

	"github.com/joeycumines/go-reactor/outbuf"
	"github.com/joeycumines/go-reactor/reactor"
	"github.com/joeycumines/go-reactor/socket"
	"github.com/joeycumines/logiface"
)

// DefaultInputBufferSize is the input buffer size used when none is
// configured.
const DefaultInputBufferSize = 8192

var (
	// ErrInputOverflow is returned when the input buffer is full, and the
	// receiver consumed none of it.
	ErrInputOverflow = errors.New("stream: input buffer overflow")

	// ErrUnresolved is returned when a host name cannot be resolved.
	ErrUnresolved = errors.New("stream: unresolved address")

	// ErrResolverClosed is returned by lookups on a closed Resolver.
	ErrResolverClosed = errors.New("stream: resolver closed")

	errInvalidReceive = errors.New("stream: receiver reported invalid byte count")
)

// State is the connection state of a [Conn].
type State int

const (
	// StateConnecting means the connect is in flight.
	StateConnecting State = iota
	// StateConnected means the connection is established.
	StateConnected
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config configures a [Conn].
type Config struct {
	// Logger is optional.
	Logger *logiface.Logger[logiface.Event]

	// Output configures the output buffer, if NewConn allocates one.
	Output []outbuf.Option

	// InputBufferSize defaults to DefaultInputBufferSize.
	InputBufferSize int

	// SendAllBeforeReading suppresses reads for as long as output is
	// queued, bounding the output buffer under a slow peer.
	SendAllBeforeReading bool
}

// Conn is the state machine for a single non-blocking stream socket. It
// implements [reactor.Listener], and, once registered, must only be used
// from the loop goroutine.
type Conn struct {
	sock     socket.Socket
	listener ConnectionListener
	receiver Receiver
	out      *outbuf.Buffer
	logger   *logiface.Logger[logiface.Event]
	reg      reactor.Registration
	writer   outbuf.Consumer
	in       []byte
	inLen    int
	outID    outbuf.ListenerID
	state    State
	sendAll  bool
}

var _ reactor.Listener = (*Conn)(nil)

// NewConn constructs a Conn for sock, which should be non-blocking, and
// either connected or connecting. A nil listener ignores events, a nil
// receiver discards input, and a nil out allocates a buffer from
// cfg.Output.
func NewConn(sock socket.Socket, listener ConnectionListener, receiver Receiver, out *outbuf.Buffer, cfg Config) *Conn {
	if listener == nil {
		listener = NopListener{}
	}
	if receiver == nil {
		receiver = ReceiverFunc(discard)
	}
	if out == nil {
		out = outbuf.New(cfg.Output...)
	}
	size := cfg.InputBufferSize
	if size <= 0 {
		size = DefaultInputBufferSize
	}

	c := &Conn{
		sock:     sock,
		listener: listener,
		receiver: receiver,
		out:      out,
		logger:   cfg.Logger,
		in:       make([]byte, size),
		sendAll:  cfg.SendAllBeforeReading,
	}
	c.writer = outbuf.ConsumerFunc(sock.Write)
	if sock.IsConnected() {
		c.state = StateConnected
	}
	return c
}

// Register registers c with loop, as a listener on its socket.
func (c *Conn) Register(loop *reactor.Loop) (*reactor.Key, error) {
	return loop.RegisterListener(c.sock.FD(), c)
}

// State returns the connection state.
func (c *Conn) State() State { return c.state }

// Output returns the output buffer. Appending to it (on the loop goroutine)
// re-arms write interest as needed.
func (c *Conn) Output() *outbuf.Buffer { return c.out }

// Socket returns the underlying socket.
func (c *Conn) Socket() socket.Socket { return c.sock }

// InterestOps computes the interest set from the current state.
func (c *Conn) InterestOps() reactor.Ops {
	if c.sock.IsConnectionPending() {
		return reactor.OpConnect
	}
	var ops reactor.Ops
	if c.wantWrite() {
		ops |= reactor.OpWrite
	}
	if c.wantRead() {
		ops |= reactor.OpRead
	}
	return ops
}

func (c *Conn) wantWrite() bool { return c.out.HasRemaining() }

func (c *Conn) wantRead() bool { return !c.sendAll || !c.wantWrite() }

// Attach implements [reactor.Listener]. Attaching subscribes to the output
// buffer, so that queued output re-arms write interest, and attaching nil
// unsubscribes.
func (c *Conn) Attach(reg reactor.Registration) {
	switch {
	case c.reg == nil && reg != nil:
		c.outID = c.out.AddEmptyToNonEmptyListener(c.outputQueued)
	case c.reg != nil && reg == nil:
		c.out.RemoveEmptyToNonEmptyListener(c.outID)
	}
	c.reg = reg
}

func (c *Conn) outputQueued() {
	if err := c.updateInterest(); err != nil {
		c.logger.Warning().
			Err(err).
			Int("fd", c.sock.FD()).
			Log("stream: failed to update interest")
	}
}

func (c *Conn) updateInterest() error {
	if c.reg == nil || !c.reg.Valid() {
		return nil
	}
	return c.reg.SetInterest(c.InterestOps())
}

// Selected implements [reactor.Listener]. The interest set is always
// recomputed and pushed before it returns.
func (c *Conn) Selected(ready reactor.Ops) (err error) {
	defer func() {
		if e := c.updateInterest(); err == nil {
			err = e
		}
	}()

	if !c.sock.IsOpen() {
		return fmt.Errorf("%w: fd %d", reactor.ErrChannelClosed, c.sock.FD())
	}

	if !c.finishConnect(ready) {
		return nil
	}

	if !c.sock.IsConnected() {
		c.disconnect()
		return nil
	}

	return c.transfer(ready)
}

// finishConnect completes a pending connect, returning true if the
// connection may proceed to reading and writing.
func (c *Conn) finishConnect(ready reactor.Ops) bool {
	if !c.sock.IsConnectionPending() {
		return true
	}
	if ready&reactor.OpConnect == 0 {
		return false
	}

	ok, err := c.sock.FinishConnect()
	if err != nil {
		c.state = StateClosed
		c.logger.Debug().
			Err(err).
			Int("fd", c.sock.FD()).
			Log("stream: connect failed")
		c.listener.ConnectionFailed(err)
		c.cancel()
		_ = c.sock.Close()
		return false
	}
	if !ok {
		return false
	}

	c.state = StateConnected
	c.logger.Debug().
		Int("fd", c.sock.FD()).
		Log("stream: connected")
	c.listener.Connected()
	return true
}

func (c *Conn) transfer(ready reactor.Ops) error {
	if c.wantWrite() && ready&reactor.OpWrite != 0 {
		if err := c.out.Send(c.writer); err != nil {
			c.disconnect()
			return fmt.Errorf("stream: write fd %d: %w", c.sock.FD(), err)
		}
	}

	if c.wantRead() && ready&reactor.OpRead != 0 {
		return c.read()
	}

	return nil
}

func (c *Conn) read() error {
	// left full by a receiver error, nothing more can be read
	if c.inLen == len(c.in) {
		return c.overflow()
	}

	n, err := c.sock.Read(c.in[c.inLen:])
	if err != nil {
		fd := c.sock.FD()
		c.disconnect()
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("stream: read fd %d: %w", fd, err)
	}
	if n == 0 {
		return nil
	}
	c.inLen += n

	consumed, err := c.receiver.Receive(c.in[:c.inLen])
	if consumed < 0 || consumed > c.inLen {
		c.disconnect()
		return fmt.Errorf("%w: %d of %d", errInvalidReceive, consumed, c.inLen)
	}
	c.inLen = copy(c.in, c.in[consumed:c.inLen])
	if err != nil {
		return err
	}

	if consumed == 0 && c.inLen == len(c.in) {
		return c.overflow()
	}

	return nil
}

func (c *Conn) overflow() error {
	size := c.inLen
	c.disconnect()
	return fmt.Errorf("%w: %d bytes", ErrInputOverflow, size)
}

// disconnect fires Disconnected, cancels the registration, then closes the
// socket. It does nothing if already closed.
func (c *Conn) disconnect() {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	c.logger.Debug().
		Int("fd", c.sock.FD()).
		Log("stream: disconnected")
	c.listener.Disconnected()
	c.cancel()
	_ = c.sock.Close()
}

func (c *Conn) cancel() {
	if c.reg == nil {
		return
	}
	_ = c.reg.Cancel()
	c.Attach(nil)
}

// Close cancels the registration, and closes the socket, without notifying
// the listener. It does nothing if already closed.
func (c *Conn) Close() error {
	if c.state == StateClosed {
		return nil
	}
	c.state = StateClosed
	c.cancel()
	return c.sock.Close()
}
