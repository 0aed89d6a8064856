package reactor

import (
	"container/heap"
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/joeycumines/logiface"
	"golang.org/x/sys/unix"
)

// Loop is a single-goroutine readiness reactor, see the package
// documentation.
type Loop struct {
	// Prevent copying
	_ [0]func()

	handler ExceptionHandler
	logger  *logiface.Logger[logiface.Event]
	metrics *loopMetrics

	// State machine (cache-line padded internally)
	state fastState

	// owned by the loop goroutine
	poller poller
	keys   map[int]*Key
	due    []*callback

	// the callback heap is the only structure shared between goroutines
	mu        sync.Mutex
	callbacks callbackHeap
	seq       uint64

	// Wake-up mechanism
	wakeFd      int
	wakeWriteFd int
	wakeBuf     [8]byte
	wakePending atomic.Uint32

	// fdMu guards the descriptors against concurrent wake writes, on close
	fdMu     sync.RWMutex
	fdClosed bool

	// Goroutine tracking
	loopGoroutineID atomic.Uint64
}

// New creates a loop, opening its poller and wake descriptor. The handler
// is required, see [ExceptionHandler].
func New(handler ExceptionHandler, opts ...LoopOption) (*Loop, error) {
	if handler == nil {
		return nil, ErrNilExceptionHandler
	}

	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, fmt.Errorf("reactor: create wake fd: %w", err)
	}

	l := &Loop{
		handler:     handler,
		logger:      cfg.logger,
		keys:        make(map[int]*Key),
		wakeFd:      wakeFd,
		wakeWriteFd: wakeWriteFd,
	}
	if cfg.metricsEnabled {
		l.metrics = newLoopMetrics()
	}

	closeWake := func() {
		_ = unix.Close(wakeFd)
		if wakeWriteFd != wakeFd {
			_ = unix.Close(wakeWriteFd)
		}
	}

	if err := l.poller.open(cfg.maxEvents); err != nil {
		closeWake()
		return nil, fmt.Errorf("reactor: open poller: %w", err)
	}

	if err := l.poller.add(wakeFd, OpRead); err != nil {
		_ = l.poller.close()
		closeWake()
		return nil, fmt.Errorf("reactor: register wake fd: %w", err)
	}

	return l, nil
}

// Run executes the loop on the calling goroutine, blocking until it is
// closed. It returns nil after [Loop.Close], ctx.Err() if ctx is done, or the
// error returned by the exception handler. In all cases the loop is closed
// when Run returns, and pending callbacks are abandoned.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopGoroutine() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.closing() {
			return ErrLoopClosed
		}
		return ErrAlreadyRunning
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	defer l.shutdown()

	// wake the loop on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			l.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Info().Log("reactor: loop started")
	defer func() { l.logger.Info().Log("reactor: loop stopped") }()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.state.closing() {
			return nil
		}
		if err := l.tick(); err != nil {
			return err
		}
	}
}

// tick is a single iteration: run due callbacks, then poll once, and
// dispatch. Due callbacks are re-checked on the next tick, since the poll
// may have blocked past further deadlines.
func (l *Loop) tick() error {
	if l.metrics != nil {
		l.metrics.iterations.Add(1)
	}

	if err := l.runDue(); err != nil {
		return err
	}

	if !l.state.TryTransition(StateRunning, StateSleeping) {
		// closing
		return nil
	}
	events, err := l.poller.wait(l.pollTimeout())
	if !l.state.TryTransition(StateSleeping, StateRunning) {
		return nil
	}

	if err != nil {
		l.logger.Err().Err(err).Log("reactor: poll failed")
		return l.handle(nil, fmt.Errorf("reactor: poll: %w", err))
	}

	for _, ev := range events {
		if ev.fd == l.wakeFd {
			l.drainWakeUpPipe()
			continue
		}

		key := l.keys[ev.fd]
		if key == nil || key.cancelled {
			continue
		}
		ready := translate(key.interest, ev.r)
		if ready == 0 {
			continue
		}

		if l.metrics != nil {
			l.metrics.dispatches.Add(1)
		}
		if err := key.selected(ready); err != nil {
			if err := l.handle(key, err); err != nil {
				return err
			}
		}

		if l.state.closing() {
			return nil
		}
	}

	return nil
}

// runDue removes every due callback from the heap, under the lock, then
// runs them outside it, in deadline order.
func (l *Loop) runDue() error {
	now := time.Now()

	l.mu.Lock()
	due := l.due[:0]
	for len(l.callbacks) != 0 && !l.callbacks[0].deadline.After(now) {
		due = append(due, heap.Pop(&l.callbacks).(*callback))
	}
	l.mu.Unlock()

	defer func() {
		clear(due)
		l.due = due[:0]
	}()

	for _, cb := range due {
		if l.state.closing() {
			return nil
		}
		if l.metrics != nil {
			l.metrics.callbacks.Add(1)
			l.metrics.recordLateness(time.Since(cb.deadline))
		}
		if err := safeCall(cb.fn); err != nil {
			if err := l.handle(nil, err); err != nil {
				return err
			}
		}
	}

	return nil
}

// pollTimeout returns the time until the earliest deadline, rounded up to
// whole milliseconds, or -1 if nothing is scheduled.
func (l *Loop) pollTimeout() int {
	l.mu.Lock()
	if len(l.callbacks) == 0 {
		l.mu.Unlock()
		return -1
	}
	d := time.Until(l.callbacks[0].deadline)
	l.mu.Unlock()

	return timeoutMillis(d)
}

func timeoutMillis(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

// handle passes err to the exception handler, returning its result. A
// panicking handler terminates the loop.
func (l *Loop) handle(key *Key, err error) (result error) {
	if l.metrics != nil {
		l.metrics.exceptions.Add(1)
	}
	defer func() {
		if r := recover(); r != nil {
			result = &PanicError{Value: r}
		}
	}()
	return l.handler(key, err)
}

// ScheduleAt schedules fn to run on the loop goroutine, no earlier than
// deadline. It may be called from any goroutine, and never blocks.
func (l *Loop) ScheduleAt(deadline time.Time, fn func()) error {
	if fn == nil {
		return ErrNilCallback
	}
	if !l.state.acceptsWork() {
		return ErrLoopClosed
	}

	l.mu.Lock()
	l.seq++
	heap.Push(&l.callbacks, &callback{deadline: deadline, fn: fn, seq: l.seq})
	l.mu.Unlock()

	l.wake()
	return nil
}

// ScheduleAfter schedules fn to run on the loop goroutine, no earlier than
// d from now.
func (l *Loop) ScheduleAfter(d time.Duration, fn func()) error {
	return l.ScheduleAt(time.Now().Add(d), fn)
}

// ScheduleNow schedules fn to run on the loop goroutine, as soon as
// possible, after any callbacks that are already due.
func (l *Loop) ScheduleNow(fn func()) error {
	return l.ScheduleAt(time.Now(), fn)
}

// Register binds fd to ops and fn. It must be called from the loop
// goroutine, or before Run.
func (l *Loop) Register(fd int, ops Ops, fn SelectFunc) (*Key, error) {
	if fn == nil {
		return nil, ErrNilCallback
	}
	return l.register(fd, ops, keyHandler{kind: handlerFunc, fn: fn})
}

// RegisterListener binds fd to listener, calling its Attach method with the
// new key, then registering its InterestOps. It must be called from the loop
// goroutine, or before Run.
func (l *Loop) RegisterListener(fd int, listener Listener) (*Key, error) {
	if listener == nil {
		return nil, ErrNilCallback
	}
	return l.register(fd, 0, keyHandler{kind: handlerListener, listener: listener})
}

func (l *Loop) register(fd int, ops Ops, handler keyHandler) (*Key, error) {
	if ops&^opsMask != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidOps, uint8(ops))
	}
	if err := l.checkOwner(); err != nil {
		return nil, err
	}
	if !validFD(fd) {
		return nil, fmt.Errorf("%w: fd %d", ErrChannelClosed, fd)
	}
	if _, ok := l.keys[fd]; ok || fd == l.wakeFd || fd == l.wakeWriteFd {
		return nil, fmt.Errorf("%w: fd %d", ErrDuplicateRegistration, fd)
	}

	key := &Key{loop: l, fd: fd, handler: handler}
	l.keys[fd] = key

	if handler.kind == handlerListener {
		handler.listener.Attach(key)
		ops = handler.listener.InterestOps()
	}

	if err := key.arm(ops); err != nil {
		delete(l.keys, fd)
		key.cancelled = true
		return nil, err
	}

	l.logger.Debug().
		Int("fd", fd).
		Stringer("interest", ops).
		Log("reactor: registered")

	return key, nil
}

// Close closes the loop. If Run is active, it is woken, and returns nil once
// it observes the close. Otherwise, the loop's descriptors are released
// immediately. Pending callbacks are abandoned. Closing a closed loop
// returns ErrLoopClosed.
func (l *Loop) Close() error {
	for {
		current := l.state.Load()
		if current == StateTerminating || current == StateTerminated {
			return ErrLoopClosed
		}
		if current == StateAwake {
			if l.state.TryTransition(StateAwake, StateTerminated) {
				l.release()
				return nil
			}
			continue
		}
		if l.state.TryTransition(current, StateTerminating) {
			l.wake()
			return nil
		}
	}
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// Metrics returns a snapshot of the loop's statistics. It is zero unless
// enabled with [WithMetrics].
func (l *Loop) Metrics() Metrics {
	return l.metrics.snapshot()
}

// shutdown runs on the loop goroutine as Run returns.
func (l *Loop) shutdown() {
	l.state.Store(StateTerminated)
	l.release()
}

// release drops callbacks and keys, and closes the descriptors.
func (l *Loop) release() {
	l.mu.Lock()
	clear(l.callbacks)
	l.callbacks = nil
	l.mu.Unlock()

	for fd, key := range l.keys {
		key.cancelled = true
		key.interest = 0
		delete(l.keys, fd)
	}

	l.fdMu.Lock()
	defer l.fdMu.Unlock()
	if l.fdClosed {
		return
	}
	l.fdClosed = true
	_ = l.poller.close()
	_ = unix.Close(l.wakeFd)
	if l.wakeWriteFd != l.wakeFd {
		_ = unix.Close(l.wakeWriteFd)
	}
}

// wake signals the poller, at most once until the loop drains the signal.
func (l *Loop) wake() {
	if !l.wakePending.CompareAndSwap(0, 1) {
		return
	}

	l.fdMu.RLock()
	defer l.fdMu.RUnlock()
	if l.fdClosed {
		return
	}

	// native endianness, as eventfd expects
	var one uint64 = 1
	buf := (*[8]byte)(unsafe.Pointer(&one))[:]

	if _, err := unix.Write(l.wakeWriteFd, buf); err != nil {
		// EAGAIN means a signal is already pending
		if err != unix.EAGAIN {
			l.wakePending.Store(0)
		}
		return
	}

	if l.metrics != nil {
		l.metrics.wakeups.Add(1)
	}
}

// drainWakeUpPipe drains the wake descriptor, then resets the pending flag.
// A wake that skipped its write while the flag was set enqueued its work
// before the flag check, so the next tick's heap check observes it.
func (l *Loop) drainWakeUpPipe() {
	for {
		if _, err := unix.Read(l.wakeFd, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

// checkOwner returns nil if loop-affine operations are permitted.
func (l *Loop) checkOwner() error {
	switch l.state.Load() {
	case StateAwake:
		return nil
	case StateTerminated:
		return ErrLoopClosed
	}
	if !l.isLoopGoroutine() {
		return ErrNotLoopGoroutine
	}
	return nil
}

// isLoopGoroutine checks if we're on the loop goroutine.
func (l *Loop) isLoopGoroutine() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}

// safeCall runs fn, converting a panic to an error.
func safeCall(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	fn()
	return nil
}
