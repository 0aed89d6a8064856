package reactor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_nilHandler(t *testing.T) {
	loop, err := New(nil)
	assert.ErrorIs(t, err, ErrNilExceptionHandler)
	assert.Nil(t, loop)
}

func TestNew_invalidOption(t *testing.T) {
	loop, err := New(Reraise, WithMaxEvents(0))
	assert.Error(t, err)
	assert.Nil(t, loop)
}

func TestResolveLoopOptions(t *testing.T) {
	cfg, err := resolveLoopOptions([]LoopOption{nil, WithMetrics(true), WithMaxEvents(8)})
	require.NoError(t, err)
	assert.True(t, cfg.metricsEnabled)
	assert.Equal(t, 8, cfg.maxEvents)
	assert.Nil(t, cfg.logger)

	cfg, err = resolveLoopOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxEvents, cfg.maxEvents)
}

func TestLoop_Close_beforeRun(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)

	require.NoError(t, loop.Close())
	assert.Equal(t, StateTerminated, loop.State())
	assert.ErrorIs(t, loop.Close(), ErrLoopClosed)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopClosed)
	assert.ErrorIs(t, loop.ScheduleNow(func() {}), ErrLoopClosed)
}

func TestLoop_Run_closed(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)
	done := startLoop(t, loop)

	require.NoError(t, loop.Close())
	require.NoError(t, waitErr(t, done))
	assert.Equal(t, StateTerminated, loop.State())
	assert.ErrorIs(t, loop.Close(), ErrLoopClosed)
	assert.ErrorIs(t, loop.ScheduleAfter(time.Second, func() {}), ErrLoopClosed)
}

func TestLoop_Run_alreadyRunning(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)
	startLoop(t, loop)

	assert.ErrorIs(t, loop.Run(context.Background()), ErrAlreadyRunning)
}

func TestLoop_Run_reentrant(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)
	startLoop(t, loop)

	var runErr error
	onLoop(t, loop, func() { runErr = loop.Run(context.Background()) })
	assert.ErrorIs(t, runErr, ErrReentrantRun)
}

func TestLoop_Run_contextCancelled(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	waitForRunning(t, loop)

	cancel()
	assert.ErrorIs(t, waitErr(t, done), context.Canceled)
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_ScheduleNow_nil(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)
	defer loop.Close()
	assert.ErrorIs(t, loop.ScheduleNow(nil), ErrNilCallback)
}

func TestLoop_Schedule_beforeRun(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)

	ran := make(chan struct{})
	require.NoError(t, loop.ScheduleNow(func() { close(ran) }))
	startLoop(t, loop)

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("callback scheduled before Run did not run")
	}
}

func TestLoop_ScheduleAfter_neverEarly(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)
	startLoop(t, loop)

	const n = 20
	type result struct {
		deadline time.Time
		ran      time.Time
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		deadline := time.Now().Add(time.Duration(i%5) * 3 * time.Millisecond)
		require.NoError(t, loop.ScheduleAt(deadline, func() {
			results <- result{deadline: deadline, ran: time.Now()}
		}))
	}

	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			assert.False(t, r.ran.Before(r.deadline), "ran %v before deadline", r.deadline.Sub(r.ran))
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}
}

func TestLoop_Schedule_order(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)

	base := time.Now()
	var order []int
	for i, offset := range []time.Duration{3, 1, 1, 0, 2} {
		i := i
		require.NoError(t, loop.ScheduleAt(base.Add(offset*time.Millisecond), func() {
			order = append(order, i)
		}))
	}
	done := make(chan struct{})
	require.NoError(t, loop.ScheduleAt(base.Add(4*time.Millisecond), func() { close(done) }))

	startLoop(t, loop)
	<-done
	assert.Equal(t, []int{3, 1, 2, 4, 0}, order)
}

func TestLoop_Schedule_fromCallback(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)

	var order []string
	done := make(chan struct{})
	require.NoError(t, loop.ScheduleNow(func() {
		order = append(order, "a")
		require.NoError(t, loop.ScheduleNow(func() {
			order = append(order, "c")
			close(done)
		}))
	}))
	require.NoError(t, loop.ScheduleNow(func() { order = append(order, "b") }))
	startLoop(t, loop)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestLoop_Schedule_wakesBlockedPoll(t *testing.T) {
	loop, err := New(Reraise, WithMetrics(true))
	require.NoError(t, err)
	startLoop(t, loop)

	// nothing pending, so the loop blocks indefinitely
	deadline := time.Now().Add(5 * time.Second)
	for loop.State() != StateSleeping && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, StateSleeping, loop.State())

	start := time.Now()
	ran := make(chan time.Time, 1)
	go func() {
		_ = loop.ScheduleNow(func() { ran <- time.Now() })
	}()

	select {
	case at := <-ran:
		assert.Less(t, at.Sub(start), time.Second)
	case <-time.After(5 * time.Second):
		t.Fatal("blocked poll was not woken")
	}
	assert.NotZero(t, loop.Metrics().Wakeups)
}

func TestLoop_drainWakeUpPipe_rearmsWake(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)

	// a signal written, then consumed by the drain, must not leave the
	// pending flag set with nothing left to read
	for range 3 {
		loop.wake()
		require.Equal(t, uint32(1), loop.wakePending.Load())
		loop.drainWakeUpPipe()
		require.Zero(t, loop.wakePending.Load())
	}

	startLoop(t, loop)
	deadline := time.Now().Add(5 * time.Second)
	for loop.State() != StateSleeping && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, StateSleeping, loop.State())

	for i := range 3 {
		ran := make(chan struct{})
		go func() {
			_ = loop.ScheduleNow(func() { close(ran) })
		}()
		select {
		case <-ran:
		case <-time.After(5 * time.Second):
			t.Fatalf("callback %d from another goroutine never ran", i)
		}
	}
}

func TestLoop_Schedule_concurrent(t *testing.T) {
	loop, err := New(Reraise, WithMetrics(true))
	require.NoError(t, err)
	startLoop(t, loop)

	const producers, each = 8, 200
	var (
		wg    sync.WaitGroup
		count atomic.Int64
		all   = make(chan struct{})
	)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				require.NoError(t, loop.ScheduleNow(func() {
					if count.Add(1) == producers*each {
						close(all)
					}
				}))
			}
		}()
	}
	wg.Wait()

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d callbacks ran", count.Load())
	}

	m := loop.Metrics()
	assert.Equal(t, uint64(producers*each), m.Callbacks)
	assert.Equal(t, producers*each, m.Lateness.Count)
	assert.NotZero(t, m.Iterations)
}

func TestLoop_callbackPanic_routedToHandler(t *testing.T) {
	var (
		mu   sync.Mutex
		keys []*Key
		errs []error
	)
	loop, err := New(func(key *Key, err error) error {
		mu.Lock()
		defer mu.Unlock()
		keys = append(keys, key)
		errs = append(errs, err)
		return nil
	})
	require.NoError(t, err)
	startLoop(t, loop)

	boom := errors.New("boom")
	require.NoError(t, loop.ScheduleNow(func() { panic(boom) }))
	onLoop(t, loop, func() {})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, errs, 1)
	assert.Nil(t, keys[0])
	var pe *PanicError
	require.ErrorAs(t, errs[0], &pe)
	assert.ErrorIs(t, errs[0], boom)
}

func TestLoop_Reraise_terminatesRun(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)
	done := startLoop(t, loop)

	var ranAfter atomic.Bool
	require.NoError(t, loop.ScheduleNow(func() { panic("fatal") }))
	_ = loop.ScheduleAfter(time.Hour, func() { ranAfter.Store(true) })

	err = waitErr(t, done)
	var pe *PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "fatal", pe.Value)
	assert.Nil(t, pe.Unwrap())
	assert.False(t, ranAfter.Load())
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_handlerPanic_terminatesRun(t *testing.T) {
	loop, err := New(func(*Key, error) error { panic("handler") })
	require.NoError(t, err)
	done := startLoop(t, loop)

	require.NoError(t, loop.ScheduleNow(func() { panic("callback") }))

	var pe *PanicError
	require.ErrorAs(t, waitErr(t, done), &pe)
	assert.Equal(t, "handler", pe.Value)
}

func TestLoop_Close_fromCallback(t *testing.T) {
	loop, err := New(Reraise)
	require.NoError(t, err)

	var after atomic.Bool
	require.NoError(t, loop.ScheduleNow(func() { assert.NoError(t, loop.Close()) }))
	require.NoError(t, loop.ScheduleNow(func() { after.Store(true) }))

	done := make(chan error, 1)
	go func() { done <- loop.Run(context.Background()) }()

	require.NoError(t, waitErr(t, done))
	assert.False(t, after.Load())
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_logging(t *testing.T) {
	var buf syncBuffer
	loop, err := New(Reraise, WithLogger(newTestLogger(&buf)))
	require.NoError(t, err)
	done := startLoop(t, loop)

	require.NoError(t, loop.Close())
	require.NoError(t, waitErr(t, done))

	out := buf.String()
	assert.True(t, strings.Contains(out, "reactor: loop started"), out)
	assert.True(t, strings.Contains(out, "reactor: loop stopped"), out)
}

func TestPanicError(t *testing.T) {
	pe := &PanicError{Value: "x"}
	assert.Equal(t, "reactor: callback panicked: x", pe.Error())
	assert.Nil(t, pe.Unwrap())
}

func TestLoopState_String(t *testing.T) {
	assert.Equal(t, "Awake", StateAwake.String())
	assert.Equal(t, "Running", StateRunning.String())
	assert.Equal(t, "Sleeping", StateSleeping.String())
	assert.Equal(t, "Terminating", StateTerminating.String())
	assert.Equal(t, "Terminated", StateTerminated.String())
	assert.Equal(t, "Unknown", LoopState(99).String())
}
