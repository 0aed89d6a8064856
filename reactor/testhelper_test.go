package reactor

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/stretchr/testify/require"
)

// waitForRunning blocks until the loop is running or sleeping.
func waitForRunning(t *testing.T, loop *Loop) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		switch loop.State() {
		case StateRunning, StateSleeping:
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for loop to start running (state %v)", loop.State())
		}
		time.Sleep(time.Millisecond)
	}
}

// startLoop runs the loop in a goroutine, returning a channel receiving the
// result of Run. The loop is closed on cleanup.
func startLoop(t *testing.T, loop *Loop) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("loop did not stop")
		}
	})
	waitForRunning(t, loop)
	return done
}

// waitErr waits for Run to return.
func waitErr(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

// onLoop runs fn on the loop goroutine, and waits for it.
func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, loop.ScheduleNow(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
}

// syncBuffer is a goroutine safe bytes.Buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w *syncBuffer) *logiface.Logger[logiface.Event] {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(logiface.LevelDebug),
	).Logger()
}
