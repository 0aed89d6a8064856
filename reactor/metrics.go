package reactor

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a snapshot of loop statistics, see [WithMetrics].
type Metrics struct {
	// Lateness is the distribution of how long after their deadline
	// scheduled callbacks started.
	Lateness LatencyMetrics

	// Iterations counts loop iterations (one poll each).
	Iterations uint64
	// Callbacks counts scheduled callbacks run.
	Callbacks uint64
	// Dispatches counts readiness handler invocations.
	Dispatches uint64
	// Exceptions counts exception handler invocations.
	Exceptions uint64
	// Wakeups counts wake signals written by schedulers.
	Wakeups uint64
}

// LatencyMetrics summarizes a latency distribution, using streaming
// estimates.
type LatencyMetrics struct {
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
	Mean  time.Duration
	Count int
}

// loopMetrics is the live, internally synchronized, counterpart of Metrics.
type loopMetrics struct {
	iterations atomic.Uint64
	callbacks  atomic.Uint64
	dispatches atomic.Uint64
	exceptions atomic.Uint64
	wakeups    atomic.Uint64

	mu       sync.Mutex
	p50      *pSquare
	p90      *pSquare
	p99      *pSquare
	max      time.Duration
	sum      time.Duration
	observed int
}

func newLoopMetrics() *loopMetrics {
	return &loopMetrics{
		p50: newPSquare(0.50),
		p90: newPSquare(0.90),
		p99: newPSquare(0.99),
	}
}

// recordLateness is called by the loop before running each callback.
func (m *loopMetrics) recordLateness(d time.Duration) {
	if m == nil {
		return
	}
	d = max(d, 0)
	m.mu.Lock()
	m.p50.update(float64(d))
	m.p90.update(float64(d))
	m.p99.update(float64(d))
	m.max = max(m.max, d)
	m.sum += d
	m.observed++
	m.mu.Unlock()
}

func (m *loopMetrics) snapshot() Metrics {
	if m == nil {
		return Metrics{}
	}
	s := Metrics{
		Iterations: m.iterations.Load(),
		Callbacks:  m.callbacks.Load(),
		Dispatches: m.dispatches.Load(),
		Exceptions: m.exceptions.Load(),
		Wakeups:    m.wakeups.Load(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.observed != 0 {
		s.Lateness = LatencyMetrics{
			P50:   time.Duration(m.p50.value()),
			P90:   time.Duration(m.p90.value()),
			P99:   time.Duration(m.p99.value()),
			Max:   m.max,
			Mean:  m.sum / time.Duration(m.observed),
			Count: m.observed,
		}
	}
	return s
}
