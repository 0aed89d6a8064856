package reactor

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPSquare_uniform(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	p50, p90, p99 := newPSquare(0.5), newPSquare(0.9), newPSquare(0.99)
	for i := 0; i < 100000; i++ {
		x := r.Float64() * 1000
		p50.update(x)
		p90.update(x)
		p99.update(x)
	}
	assert.InDelta(t, 500, p50.value(), 15)
	assert.InDelta(t, 900, p90.value(), 15)
	assert.InDelta(t, 990, p99.value(), 15)
}

func TestPSquare_few(t *testing.T) {
	ps := newPSquare(0.5)
	assert.Zero(t, ps.value())
	ps.update(3)
	ps.update(1)
	ps.update(2)
	assert.Equal(t, float64(2), ps.value())
}

func TestLoopMetrics_snapshot(t *testing.T) {
	var m *loopMetrics
	assert.Equal(t, Metrics{}, m.snapshot())
	m.recordLateness(time.Second)

	m = newLoopMetrics()
	for i := 1; i <= 10; i++ {
		m.recordLateness(time.Duration(i) * time.Millisecond)
	}
	m.recordLateness(-time.Second)
	s := m.snapshot()
	assert.Equal(t, 11, s.Lateness.Count)
	assert.Equal(t, 10*time.Millisecond, s.Lateness.Max)
	assert.Equal(t, 5*time.Millisecond, s.Lateness.Mean)
	assert.Greater(t, s.Lateness.P90, s.Lateness.P50)
}
