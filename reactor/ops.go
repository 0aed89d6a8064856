package reactor

import (
	"strings"
)

// Ops is a set of I/O operations, used both as interest, and as readiness.
type Ops uint8

const (
	// OpRead indicates the descriptor may be read without blocking.
	OpRead Ops = 1 << iota
	// OpWrite indicates the descriptor may be written without blocking.
	OpWrite
	// OpConnect indicates a pending connect may be completed.
	OpConnect
	// OpAccept indicates a listening socket has a connection to accept.
	OpAccept

	opsMask = OpRead | OpWrite | OpConnect | OpAccept
)

// String returns a human-readable representation of the set, e.g. "read|write".
func (o Ops) String() string {
	if o == 0 {
		return "none"
	}
	var parts []string
	for _, v := range [...]struct {
		op   Ops
		name string
	}{
		{OpRead, "read"},
		{OpWrite, "write"},
		{OpConnect, "connect"},
		{OpAccept, "accept"},
	} {
		if o&v.op != 0 {
			parts = append(parts, v.name)
		}
	}
	if o&^opsMask != 0 {
		parts = append(parts, "unknown")
	}
	return strings.Join(parts, "|")
}

// readiness is what the poller reports for a descriptor, before translation
// to the registration's interest.
type readiness uint8

const (
	readable readiness = 1 << iota
	writable
	// failed is an error or hangup condition
	failed
)

// wantsRead reports whether the interest requires read-side polling.
func (o Ops) wantsRead() bool { return o&(OpRead|OpAccept) != 0 }

// wantsWrite reports whether the interest requires write-side polling.
func (o Ops) wantsWrite() bool { return o&(OpWrite|OpConnect) != 0 }

// translate maps polled readiness to the subset of interest that is ready.
// Error conditions report every interested op, so the handler observes the
// failure through its next syscall.
func translate(interest Ops, r readiness) Ops {
	if r&failed != 0 {
		return interest
	}
	var ready Ops
	if r&readable != 0 {
		ready |= interest & (OpRead | OpAccept)
	}
	if r&writable != 0 {
		ready |= interest & (OpWrite | OpConnect)
	}
	return ready
}

// polledEvent is one coalesced result from the poller.
type polledEvent struct {
	fd int
	r  readiness
}
