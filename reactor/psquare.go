package reactor

import (
	"slices"
)

// pSquare estimates a single quantile of a stream in constant space, using
// the P² algorithm (Jain and Chlamtac, 1985).
//
// Not thread-safe.
type pSquare struct {
	q     [5]float64 // marker heights
	n     [5]int     // marker positions
	np    [5]float64 // desired marker positions
	dn    [5]float64 // desired position increments
	p     float64
	count int
}

func newPSquare(p float64) *pSquare {
	p = min(max(p, 0), 1)
	return &pSquare{
		p:  p,
		dn: [5]float64{0, p / 2, p, (1 + p) / 2, 1},
	}
}

func (ps *pSquare) update(x float64) {
	ps.count++

	// the first five observations seed the markers
	if ps.count <= 5 {
		ps.q[ps.count-1] = x
		if ps.count == 5 {
			slices.Sort(ps.q[:])
			ps.n = [5]int{0, 1, 2, 3, 4}
			ps.np = [5]float64{0, 2 * ps.p, 4 * ps.p, 2 + 2*ps.p, 4}
		}
		return
	}

	var k int
	switch {
	case x < ps.q[0]:
		ps.q[0] = x
		k = 0
	case x >= ps.q[4]:
		ps.q[4] = x
		k = 3
	default:
		for k = 0; k < 3; k++ {
			if x < ps.q[k+1] {
				break
			}
		}
	}

	for i := k + 1; i < 5; i++ {
		ps.n[i]++
	}
	for i := range ps.np {
		ps.np[i] += ps.dn[i]
	}

	for i := 1; i < 4; i++ {
		d := ps.np[i] - float64(ps.n[i])
		if (d >= 1 && ps.n[i+1]-ps.n[i] > 1) || (d <= -1 && ps.n[i-1]-ps.n[i] < -1) {
			sign := 1
			if d < 0 {
				sign = -1
			}
			if h := ps.parabolic(i, sign); ps.q[i-1] < h && h < ps.q[i+1] {
				ps.q[i] = h
			} else {
				ps.q[i] = ps.linear(i, sign)
			}
			ps.n[i] += sign
		}
	}
}

func (ps *pSquare) parabolic(i, d int) float64 {
	df := float64(d)
	n0, n1, n2 := float64(ps.n[i-1]), float64(ps.n[i]), float64(ps.n[i+1])
	return ps.q[i] + df/(n2-n0)*
		((n1-n0+df)*(ps.q[i+1]-ps.q[i])/(n2-n1)+
			(n2-n1-df)*(ps.q[i]-ps.q[i-1])/(n1-n0))
}

func (ps *pSquare) linear(i, d int) float64 {
	return ps.q[i] + float64(d)*(ps.q[i+d]-ps.q[i])/float64(ps.n[i+d]-ps.n[i])
}

// value returns the current estimate.
func (ps *pSquare) value() float64 {
	switch {
	case ps.count == 0:
		return 0
	case ps.count < 5:
		sorted := slices.Clone(ps.q[:ps.count])
		slices.Sort(sorted)
		return sorted[int(float64(ps.count-1)*ps.p)]
	default:
		return ps.q[2]
	}
}
