package reactor

import (
	"errors"
	"fmt"
)

// Standard errors.
var (
	// ErrAlreadyRunning is returned when Run is called on a loop that is already running.
	ErrAlreadyRunning = errors.New("reactor: loop is already running")

	// ErrReentrantRun is returned when Run is called from within the loop itself.
	ErrReentrantRun = errors.New("reactor: cannot call Run from within the loop")

	// ErrLoopClosed is returned when operations are attempted on a closed loop.
	ErrLoopClosed = errors.New("reactor: loop is closed")

	// ErrNotLoopGoroutine is returned when a loop-affine operation is
	// attempted from another goroutine, while the loop is running.
	ErrNotLoopGoroutine = errors.New("reactor: not called from the loop goroutine")

	// ErrChannelClosed is returned when registering, or updating, a
	// descriptor that is invalid or already closed.
	ErrChannelClosed = errors.New("reactor: channel closed")

	// ErrKeyCancelled is returned when using a cancelled Key.
	ErrKeyCancelled = errors.New("reactor: key cancelled")

	// ErrDuplicateRegistration is returned when a descriptor is already registered.
	ErrDuplicateRegistration = errors.New("reactor: descriptor already registered")

	// ErrInvalidOps is returned for interest sets with unknown bits.
	ErrInvalidOps = errors.New("reactor: invalid ops")

	// ErrNilExceptionHandler is returned by New when no handler is provided.
	ErrNilExceptionHandler = errors.New("reactor: nil exception handler")

	// ErrNilCallback is returned when a nil callback, SelectFunc or Listener is provided.
	ErrNilCallback = errors.New("reactor: nil callback")
)

// PanicError wraps a value recovered from a panicking callback or handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("reactor: callback panicked: %v", e.Value)
}

// Unwrap returns the panic value, if it is an error, enabling use with
// [errors.Is] and [errors.As].
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
