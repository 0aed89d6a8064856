package stream

type (
	// ConnectionListener observes the lifecycle of a connection. Every
	// method is called on the reactor goroutine, at most once per
	// connection, except where noted.
	ConnectionListener interface {
		// Connecting is called once the socket is open and its connect is
		// in flight, before it is registered.
		Connecting()
		// Connected is called once the connect completes.
		Connected()
		// ConnectionFailed is called if setup, or the connect itself,
		// fails. The socket is closed, and nothing else will be called.
		ConnectionFailed(err error)
		// Disconnected is called once an established connection is lost,
		// just before its socket is closed.
		Disconnected()
	}

	// NopListener is a ConnectionListener that does nothing. It may be
	// embedded to implement a subset of the methods.
	NopListener struct{}

	// ListenerFuncs adapts optional functions to a ConnectionListener.
	ListenerFuncs struct {
		OnConnecting       func()
		OnConnected        func()
		OnConnectionFailed func(err error)
		OnDisconnected     func()
	}

	// Receiver accepts inbound bytes. It returns the number of leading
	// bytes of p it consumed. Anything left over is kept, and offered again,
	// prefixed to the next read. Implementations must not retain p.
	Receiver interface {
		Receive(p []byte) (int, error)
	}

	// ReceiverFunc adapts a function to the Receiver interface.
	ReceiverFunc func(p []byte) (int, error)
)

var (
	_ ConnectionListener = NopListener{}
	_ ConnectionListener = (*ListenerFuncs)(nil)
)

func (NopListener) Connecting()            {}
func (NopListener) Connected()             {}
func (NopListener) ConnectionFailed(error) {}
func (NopListener) Disconnected()          {}

func (x *ListenerFuncs) Connecting() {
	if x != nil && x.OnConnecting != nil {
		x.OnConnecting()
	}
}

func (x *ListenerFuncs) Connected() {
	if x != nil && x.OnConnected != nil {
		x.OnConnected()
	}
}

func (x *ListenerFuncs) ConnectionFailed(err error) {
	if x != nil && x.OnConnectionFailed != nil {
		x.OnConnectionFailed(err)
	}
}

func (x *ListenerFuncs) Disconnected() {
	if x != nil && x.OnDisconnected != nil {
		x.OnDisconnected()
	}
}

// Receive implements Receiver.
func (f ReceiverFunc) Receive(p []byte) (int, error) { return f(p) }

// discard consumes everything.
func discard(p []byte) (int, error) { return len(p), nil }
