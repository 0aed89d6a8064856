// Package outbuf implements a chunked, unbounded byte queue for non-blocking
// output.
//
// A [Buffer] keeps the bytes handed to [Buffer.Append] in a FIFO of chunks,
// until a [Consumer] (typically a non-blocking socket) accepts them via
// [Buffer.Send]. Consumers may accept any prefix of what they are offered,
// which is how transport backpressure is expressed: whatever is left over
// stays at the head of the queue, in order, for the next attempt.
//
// # Thread Safety
//
// A Buffer performs no internal locking. Exactly one owner (usually the
// connection it serves, on the reactor goroutine) may call its methods.
package outbuf

import (
	"errors"
	"fmt"
	"io"

	"github.com/eapache/queue"
)

// DefaultMinimumChunkSize is the minimum chunk size used when none is
// configured.
const DefaultMinimumChunkSize = 512

var (
	// ErrNilData is returned by [Buffer.Append] when given a nil slice.
	ErrNilData = errors.New("outbuf: nil data")

	// ErrNilConsumer is returned by [Buffer.Send] when given a nil consumer.
	ErrNilConsumer = errors.New("outbuf: nil consumer")

	// ErrInvalidCount is returned by [Buffer.Send] when a consumer reports a
	// byte count outside the range of what it was offered.
	ErrInvalidCount = errors.New("outbuf: consumer reported invalid byte count")
)

// Consumer accepts bytes offered by [Buffer.Send]. It returns the number of
// leading bytes of p it consumed, which may be anything from zero to len(p).
// Implementations must not retain p.
type Consumer interface {
	Consume(p []byte) (int, error)
}

// ConsumerFunc adapts a function to the [Consumer] interface.
type ConsumerFunc func(p []byte) (int, error)

// Consume implements [Consumer].
func (f ConsumerFunc) Consume(p []byte) (int, error) { return f(p) }

// WriterConsumer adapts an [io.Writer] to a [Consumer]. A short write is
// treated as backpressure rather than an error.
func WriterConsumer(w io.Writer) Consumer {
	return ConsumerFunc(func(p []byte) (int, error) {
		n, err := w.Write(p)
		if errors.Is(err, io.ErrShortWrite) {
			err = nil
		}
		return n, err
	})
}

// ListenerID identifies an empty to non-empty listener, for removal.
type ListenerID uint64

type (
	// Buffer is a FIFO of byte chunks, see the package documentation.
	Buffer struct {
		chunks    *queue.Queue // of *chunk, oldest first
		tail      *chunk       // last chunk, the only one appended into
		alloc     Allocator
		listeners []listener
		remaining int64
		minChunk  int
		nextID    ListenerID
	}

	chunk struct {
		buf []byte // full capacity
		n   int    // queued bytes, always buf[:n]
	}

	listener struct {
		fn func()
		id ListenerID
	}
)

// New constructs an empty Buffer.
func New(opts ...Option) *Buffer {
	cfg := resolveOptions(opts)
	return &Buffer{
		chunks:   queue.New(),
		alloc:    cfg.allocator,
		minChunk: cfg.minimumChunkSize,
	}
}

// Append copies all of data into the buffer, and returns len(data). The
// buffer grows without bound.
//
// The current tail chunk is topped up first, then, if anything is left, one
// new chunk of max(minimum chunk size, len(rest)) is allocated for the rest.
//
// If the buffer was empty, and is no longer, every empty to non-empty
// listener is called, synchronously, in the order they were added.
func (b *Buffer) Append(data []byte) (int, error) {
	if data == nil {
		return 0, ErrNilData
	}
	count := len(data)
	if count == 0 {
		return 0, nil
	}

	wasEmpty := b.remaining == 0
	b.remaining += int64(count)

	if b.tail != nil {
		data = data[b.tail.fill(data):]
	}

	if len(data) != 0 {
		c := &chunk{buf: b.alloc.Allocate(max(b.minChunk, len(data)))}
		c.fill(data)
		b.chunks.Add(c)
		b.tail = c
	}

	if wasEmpty {
		b.notify()
	}

	return count, nil
}

// AppendString is like Append, for a string.
func (b *Buffer) AppendString(s string) (int, error) {
	return b.Append([]byte(s))
}

// Write implements [io.Writer], via Append. It never fails, and treats a nil
// p as empty.
func (b *Buffer) Write(p []byte) (int, error) {
	if p == nil {
		return 0, nil
	}
	return b.Append(p)
}

// Send offers queued bytes to consumer, one chunk at a time, oldest first.
//
// Iteration stops at the first chunk the consumer does not fully accept; the
// rest of that chunk is moved to the front of its storage, and stays at the
// head of the queue. Fully consumed chunks are released. Errors from the
// consumer are returned as-is, after accounting for what it did consume.
func (b *Buffer) Send(consumer Consumer) error {
	if consumer == nil {
		return ErrNilConsumer
	}

	for b.chunks.Length() != 0 {
		c := b.chunks.Peek().(*chunk)
		size := c.n

		b.remaining -= int64(size)
		n, err := consumer.Consume(c.buf[:size])
		if n < 0 || n > size {
			b.remaining += int64(size)
			return fmt.Errorf("%w: %d of %d", ErrInvalidCount, n, size)
		}
		b.remaining += int64(size - n)

		if n != size {
			c.discard(n)
			return err
		}

		b.chunks.Remove()
		if c == b.tail {
			b.tail = nil
		}
		b.alloc.Release(c.buf)

		if err != nil {
			return err
		}
	}

	return nil
}

// HasRemaining reports whether any bytes are queued.
func (b *Buffer) HasRemaining() bool { return b.remaining != 0 }

// Remaining returns the number of queued bytes.
func (b *Buffer) Remaining() int64 { return b.remaining }

// Chunks returns the number of chunks currently held.
func (b *Buffer) Chunks() int { return b.chunks.Length() }

// AddEmptyToNonEmptyListener registers fn to be called every time the
// buffer transitions from empty to non-empty.
func (b *Buffer) AddEmptyToNonEmptyListener(fn func()) ListenerID {
	b.nextID++
	b.listeners = append(b.listeners, listener{fn: fn, id: b.nextID})
	return b.nextID
}

// RemoveEmptyToNonEmptyListener removes a listener, returning false if it
// was not registered.
func (b *Buffer) RemoveEmptyToNonEmptyListener(id ListenerID) bool {
	for i, l := range b.listeners {
		if l.id == id {
			b.listeners = append(b.listeners[:i:i], b.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (b *Buffer) notify() {
	// listeners may add or remove listeners
	listeners := b.listeners
	for _, l := range listeners {
		if l.fn != nil {
			l.fn()
		}
	}
}

// fill copies as much of data as fits, returning the count.
func (c *chunk) fill(data []byte) int {
	n := copy(c.buf[c.n:], data)
	c.n += n
	return n
}

// discard drops the first n bytes, repacking the rest to the front.
func (c *chunk) discard(n int) {
	if n == 0 {
		return
	}
	c.n = copy(c.buf, c.buf[n:c.n])
}
