package reactor

import (
	"sync/atomic"
)

// LoopState represents the current state of the loop.
//
//	StateAwake → StateRunning             [Run]
//	StateRunning ⇄ StateSleeping          [poll]
//	StateAwake → StateTerminated          [Close]
//	StateRunning|Sleeping → StateTerminating [Close, ctx done]
//	StateTerminating → StateTerminated    [Run returns]
//
// Temporary states (Running, Sleeping) are only ever entered via CAS.
type LoopState uint64

const (
	// StateAwake indicates the loop has been created but not started.
	StateAwake LoopState = iota
	// StateRunning indicates the loop is processing callbacks or readiness.
	StateRunning
	// StateSleeping indicates the loop is blocked in poll.
	StateSleeping
	// StateTerminating indicates close has been requested, but Run has not
	// yet returned.
	StateTerminating
	// StateTerminated indicates the loop is closed, and its descriptors released.
	StateTerminated
)

// String returns a human-readable representation of the state.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "Awake"
	case StateRunning:
		return "Running"
	case StateSleeping:
		return "Sleeping"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// fastState is a lock-free state machine, with cache-line padding.
type fastState struct { // betteralign:ignore
	_ [64]byte      //nolint:unused
	v atomic.Uint64 // state value
	_ [56]byte      //nolint:unused
}

func (s *fastState) Load() LoopState {
	return LoopState(s.v.Load())
}

func (s *fastState) Store(state LoopState) {
	s.v.Store(uint64(state))
}

func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint64(from), uint64(to))
}

// acceptsWork returns true if callbacks may still be scheduled.
func (s *fastState) acceptsWork() bool {
	switch s.Load() {
	case StateAwake, StateRunning, StateSleeping:
		return true
	default:
		return false
	}
}

// closing returns true once close has been requested.
func (s *fastState) closing() bool {
	state := s.Load()
	return state == StateTerminating || state == StateTerminated
}
