package reactor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

type (
	// Registration is the handle a [Listener] holds on its own registration,
	// to update its interest, or to cancel it. It is implemented by [*Key].
	Registration interface {
		// SetInterest replaces the interest set.
		SetInterest(ops Ops) error
		// Interest returns the current interest set.
		Interest() Ops
		// Cancel removes the registration from future polls. It is
		// idempotent, and does not close the descriptor.
		Cancel() error
		// Valid reports whether the registration is neither cancelled nor
		// orphaned by a closed loop.
		Valid() bool
	}

	// Listener is an interest-bearing readiness handler.
	Listener interface {
		// InterestOps returns the interest set to register with.
		InterestOps() Ops
		// Attach is called once, on registration, before the descriptor is
		// first polled.
		Attach(reg Registration)
		// Selected is called with the ready subset of the interest set.
		Selected(ready Ops) error
	}

	// SelectFunc is a plain readiness handler.
	SelectFunc func(ready Ops) error

	// Key binds a descriptor to an interest set and a handler, see
	// [Loop.Register] and [Loop.RegisterListener].
	//
	// Except for FD, methods must be called from the loop goroutine, or
	// before Run.
	Key struct {
		loop      *Loop
		handler   keyHandler
		fd        int
		interest  Ops
		cancelled bool
	}

	handlerKind uint8

	// keyHandler is the tagged handler variant held per registration.
	keyHandler struct {
		fn       SelectFunc
		listener Listener
		kind     handlerKind
	}
)

const (
	handlerFunc handlerKind = iota + 1
	handlerListener
)

var _ Registration = (*Key)(nil)

// FD returns the registered descriptor.
func (k *Key) FD() int { return k.fd }

// Interest returns the current interest set.
func (k *Key) Interest() Ops { return k.interest }

// Valid reports whether the key is neither cancelled nor orphaned by a
// closed loop.
func (k *Key) Valid() bool {
	return !k.cancelled && !k.loop.state.closing()
}

// SetInterest replaces the interest set. An empty set leaves the key
// registered, but removes the descriptor from polling entirely.
func (k *Key) SetInterest(ops Ops) error {
	if ops&^opsMask != 0 {
		return fmt.Errorf("%w: %#x", ErrInvalidOps, uint8(ops))
	}
	if k.cancelled {
		return ErrKeyCancelled
	}
	if err := k.loop.checkOwner(); err != nil {
		return err
	}
	return k.arm(ops)
}

// Cancel removes the key from future polls. It does not close the
// descriptor. Cancelling a cancelled key, or a key of a closed loop, is a
// no-op.
func (k *Key) Cancel() error {
	if k.cancelled {
		return nil
	}
	l := k.loop
	if l.state.Load() == StateTerminated {
		k.cancelled = true
		return nil
	}
	if err := l.checkOwner(); err != nil {
		return err
	}

	k.cancelled = true
	if l.keys[k.fd] == k {
		delete(l.keys, k.fd)
	}

	var err error
	if k.interest != 0 {
		err = l.poller.remove(k.fd, k.interest)
		// closing the descriptor already removes it
		if errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) {
			err = nil
		}
	}
	k.interest = 0

	l.logger.Debug().
		Int("fd", k.fd).
		Log("reactor: registration cancelled")

	return err
}

// arm applies ops to the poller, adding or removing the descriptor on
// transitions to or from an empty set.
func (k *Key) arm(ops Ops) error {
	if ops == k.interest {
		return nil
	}

	var err error
	switch {
	case k.interest == 0:
		err = k.loop.poller.add(k.fd, ops)
	case ops == 0:
		err = k.loop.poller.remove(k.fd, k.interest)
	default:
		err = k.loop.poller.modify(k.fd, k.interest, ops)
	}
	if err != nil {
		if errors.Is(err, unix.EBADF) {
			return fmt.Errorf("%w: fd %d: %w", ErrChannelClosed, k.fd, err)
		}
		return fmt.Errorf("reactor: set interest %s on fd %d: %w", ops, k.fd, err)
	}

	k.interest = ops
	return nil
}

// selected invokes the handler, converting panics to errors.
func (k *Key) selected(ready Ops) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	switch k.handler.kind {
	case handlerFunc:
		return k.handler.fn(ready)
	case handlerListener:
		return k.handler.listener.Selected(ready)
	default:
		return nil
	}
}
