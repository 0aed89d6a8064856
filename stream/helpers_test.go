package stream

import (
	"errors"
	"sync"

	"github.com/joeycumines/go-reactor/reactor"
)

type fakeRegistration struct {
	sets      []reactor.Ops
	interest  reactor.Ops
	cancelled int
}

var _ reactor.Registration = (*fakeRegistration)(nil)

func (r *fakeRegistration) SetInterest(ops reactor.Ops) error {
	if r.cancelled != 0 {
		return reactor.ErrKeyCancelled
	}
	r.interest = ops
	r.sets = append(r.sets, ops)
	return nil
}

func (r *fakeRegistration) Interest() reactor.Ops { return r.interest }

func (r *fakeRegistration) Cancel() error {
	r.cancelled++
	return nil
}

func (r *fakeRegistration) Valid() bool { return r.cancelled == 0 }

type recordingListener struct {
	mu           sync.Mutex
	events       []string
	failures     []error
	connecting   int
	connected    int
	failed       int
	disconnected int
}

func (l *recordingListener) Connecting() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connecting++
	l.events = append(l.events, "connecting")
}

func (l *recordingListener) Connected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected++
	l.events = append(l.events, "connected")
}

func (l *recordingListener) ConnectionFailed(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed++
	l.failures = append(l.failures, err)
	l.events = append(l.events, "failed")
}

func (l *recordingListener) Disconnected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.disconnected++
	l.events = append(l.events, "disconnected")
}

func (l *recordingListener) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// queueScheduler collects scheduled callbacks, for the test to run.
type queueScheduler struct {
	ch     chan func()
	closed bool
}

func newQueueScheduler() *queueScheduler {
	return &queueScheduler{ch: make(chan func(), 64)}
}

var errSchedulerClosed = errors.New("scheduler closed")

func (s *queueScheduler) ScheduleNow(fn func()) error {
	if s.closed {
		return errSchedulerClosed
	}
	s.ch <- fn
	return nil
}
