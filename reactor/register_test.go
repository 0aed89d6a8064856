//go:build linux || darwin

package reactor

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// socketPair returns a connected pair of non-blocking stream sockets.
func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	for _, fd := range fds {
		require.NoError(t, unix.SetNonblock(fd, true))
	}
	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// recordingListener is a Listener that records its calls.
type recordingListener struct {
	reg      Registration
	selected chan Ops
	interest Ops
	err      error
}

func (r *recordingListener) InterestOps() Ops        { return r.interest }
func (r *recordingListener) Attach(reg Registration) { r.reg = reg }
func (r *recordingListener) Selected(ready Ops) error {
	select {
	case r.selected <- ready:
	default:
	}
	return r.err
}

func TestLoop_Register_read(t *testing.T) {
	a, b := socketPair(t)
	loop, err := New(Reraise)
	require.NoError(t, err)

	got := make(chan []byte, 1)
	key, err := loop.Register(a, OpRead, func(ready Ops) error {
		assert.Equal(t, OpRead, ready)
		buf := make([]byte, 16)
		n, err := unix.Read(a, buf)
		if err != nil {
			return err
		}
		got <- buf[:n]
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, a, key.FD())
	assert.Equal(t, OpRead, key.Interest())
	assert.True(t, key.Valid())

	startLoop(t, loop)

	_, err = unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	select {
	case data := <-got:
		assert.Equal(t, "hello", string(data))
	case <-time.After(5 * time.Second):
		t.Fatal("read readiness not dispatched")
	}
}

func TestLoop_RegisterListener_interestAndCancel(t *testing.T) {
	a, _ := socketPair(t)
	loop, err := New(Reraise, WithMetrics(true))
	require.NoError(t, err)
	startLoop(t, loop)

	l := &recordingListener{selected: make(chan Ops, 16)}
	var key *Key
	onLoop(t, loop, func() {
		key, err = loop.RegisterListener(a, l)
	})
	require.NoError(t, err)
	require.Same(t, key, l.reg)
	assert.Equal(t, Ops(0), key.Interest())

	// a connected socket is immediately writable
	onLoop(t, loop, func() { require.NoError(t, key.SetInterest(OpWrite)) })
	select {
	case ready := <-l.selected:
		assert.Equal(t, OpWrite, ready)
	case <-time.After(5 * time.Second):
		t.Fatal("write readiness not dispatched")
	}

	onLoop(t, loop, func() {
		require.NoError(t, key.Cancel())
		require.NoError(t, key.Cancel())
		assert.False(t, key.Valid())
		assert.ErrorIs(t, key.SetInterest(OpRead), ErrKeyCancelled)
	})

	// drain anything dispatched before the cancel took effect
	time.Sleep(20 * time.Millisecond)
	for len(l.selected) != 0 {
		<-l.selected
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, l.selected)
	assert.NotZero(t, loop.Metrics().Dispatches)

	// the descriptor may be registered again
	onLoop(t, loop, func() {
		_, err = loop.Register(a, OpRead, func(Ops) error { return nil })
	})
	assert.NoError(t, err)
}

func TestLoop_Register_errors(t *testing.T) {
	a, _ := socketPair(t)
	loop, err := New(Reraise)
	require.NoError(t, err)

	_, err = loop.Register(a, OpRead, nil)
	assert.ErrorIs(t, err, ErrNilCallback)
	_, err = loop.RegisterListener(a, nil)
	assert.ErrorIs(t, err, ErrNilCallback)
	_, err = loop.Register(a, Ops(0x40), func(Ops) error { return nil })
	assert.ErrorIs(t, err, ErrInvalidOps)
	_, err = loop.Register(-1, OpRead, func(Ops) error { return nil })
	assert.ErrorIs(t, err, ErrChannelClosed)

	closed, err := unix.Dup(a)
	require.NoError(t, err)
	require.NoError(t, unix.Close(closed))
	_, err = loop.Register(closed, OpRead, func(Ops) error { return nil })
	assert.ErrorIs(t, err, ErrChannelClosed)

	_, err = loop.Register(a, OpRead, func(Ops) error { return nil })
	require.NoError(t, err)
	_, err = loop.Register(a, OpRead, func(Ops) error { return nil })
	assert.ErrorIs(t, err, ErrDuplicateRegistration)

	startLoop(t, loop)

	b, _ := socketPair(t)
	_, err = loop.Register(b, OpRead, func(Ops) error { return nil })
	assert.ErrorIs(t, err, ErrNotLoopGoroutine)
}

func TestLoop_Register_afterClose(t *testing.T) {
	a, _ := socketPair(t)
	loop, err := New(Reraise)
	require.NoError(t, err)

	key, err := loop.Register(a, OpRead, func(Ops) error { return nil })
	require.NoError(t, err)
	require.NoError(t, loop.Close())

	assert.False(t, key.Valid())
	assert.NoError(t, key.Cancel())
	_, err = loop.Register(a, OpRead, func(Ops) error { return nil })
	assert.ErrorIs(t, err, ErrLoopClosed)
}

func TestLoop_listenerError_notCancelled(t *testing.T) {
	a, b := socketPair(t)

	var (
		mu   sync.Mutex
		keys []*Key
	)
	handled := make(chan error, 16)
	loop, err := New(func(key *Key, err error) error {
		mu.Lock()
		keys = append(keys, key)
		mu.Unlock()
		select {
		case handled <- err:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	l := &recordingListener{selected: make(chan Ops, 16), interest: OpRead, err: boom}
	key, err := loop.RegisterListener(a, l)
	require.NoError(t, err)
	assert.Equal(t, OpRead, key.Interest())
	startLoop(t, loop)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	select {
	case err := <-handled:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("error not handled")
	}

	mu.Lock()
	assert.Same(t, key, keys[0])
	mu.Unlock()

	// still registered, and level triggered, so it fires again
	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("registration was cancelled")
	}
	onLoop(t, loop, func() { assert.True(t, key.Valid()) })
}

func TestLoop_listenerPanic(t *testing.T) {
	a, b := socketPair(t)
	loop, err := New(Reraise)
	require.NoError(t, err)

	_, err = loop.Register(a, OpRead, func(Ops) error { panic("listener") })
	require.NoError(t, err)
	done := startLoop(t, loop)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	var pe *PanicError
	require.ErrorAs(t, waitErr(t, done), &pe)
	assert.Equal(t, "listener", pe.Value)
}

func TestLoop_hangupReportsInterest(t *testing.T) {
	a, b := socketPair(t)
	loop, err := New(Reraise)
	require.NoError(t, err)

	got := make(chan Ops, 1)
	key, err := loop.Register(a, OpRead, func(ready Ops) error {
		select {
		case got <- ready:
		default:
		}
		return nil
	})
	require.NoError(t, err)
	startLoop(t, loop)

	require.NoError(t, unix.Close(b))
	select {
	case ready := <-got:
		assert.Equal(t, OpRead, ready)
	case <-time.After(5 * time.Second):
		t.Fatal("hangup not dispatched")
	}
	onLoop(t, loop, func() { require.NoError(t, key.Cancel()) })
}

func TestLogExceptions(t *testing.T) {
	var buf syncBuffer
	logger := newTestLogger(&buf)

	var nextCalls int
	next := func(key *Key, err error) error {
		nextCalls++
		return err
	}
	handler := LogExceptions(logger, catrate.NewLimiter(map[time.Duration]int{time.Hour: 2}), next)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, handler(nil, boom), boom)
	}
	assert.Equal(t, 5, nextCalls)
	assert.Equal(t, 2, strings.Count(buf.String(), "reactor: exception"))

	a, _ := socketPair(t)
	loop, err := New(Reraise)
	require.NoError(t, err)
	defer loop.Close()
	key, err := loop.Register(a, OpRead, func(Ops) error { return nil })
	require.NoError(t, err)

	assert.NoError(t, LogExceptions(logger, nil, nil)(key, boom))
	assert.Equal(t, 3, strings.Count(buf.String(), "reactor: exception"))
	assert.Contains(t, buf.String(), `"fd"`)
}

func TestIgnoreAndReraise(t *testing.T) {
	boom := errors.New("boom")
	assert.NoError(t, Ignore(nil, boom))
	assert.Same(t, boom, Reraise(nil, boom))
}
