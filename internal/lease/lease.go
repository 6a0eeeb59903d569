// Package lease manages the chain of host resources needed to expose a
// disk image as a directory tree: the loop device, the device-mapper
// decryption/verity mappings, and the mount itself. Resources are
// acquired in that order and torn down in strict reverse order. Each
// lease ends in exactly one of two terminal states: torn down (the
// kernel resource is destroyed) or relinquished (host-side tracking is
// dropped and the resource outlives the process).
package lease

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// State describes where a lease is in its lifecycle.
type State int

const (
	// StateLive means the lease owns its resource and will destroy it
	// on teardown.
	StateLive State = iota

	// StateRelinquished means host-side tracking was dropped; the
	// kernel resource stays alive. Terminal.
	StateRelinquished

	// StateTornDown means the resource was destroyed. Terminal.
	StateTornDown
)

func (s State) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateRelinquished:
		return "relinquished"
	case StateTornDown:
		return "torn down"
	default:
		return "unknown"
	}
}

// ErrLeaseTerminal is returned when a relinquish is attempted on a
// lease that was already torn down. Repeating the same terminal
// transition is always a safe no-op; crossing between the two is not.
var ErrLeaseTerminal = errors.New("lease already in a terminal state")

// Lease is the common surface of every resource in the chain.
type Lease interface {
	// Teardown destroys the underlying resource. Calling it on a lease
	// already in a terminal state is a no-op returning nil.
	Teardown() error

	// Relinquish drops host-side tracking without destroying the
	// resource. Fails with ErrLeaseTerminal after a teardown.
	Relinquish() error

	// State reports the current lifecycle state.
	State() State
}

// lifecycle is embedded by every lease implementation and guards the
// terminal transitions.
type lifecycle struct {
	state State
}

func (l *lifecycle) State() State { return l.state }

// beginTeardown reports whether the teardown body should run, and
// moves the lease to StateTornDown when it should. Both terminal
// states suppress the body: torn down for idempotence, relinquished
// because the resource is no longer ours to destroy.
func (l *lifecycle) beginTeardown() bool {
	if l.state != StateLive {
		return false
	}
	l.state = StateTornDown
	return true
}

// beginRelinquish moves the lease to StateRelinquished, tolerating
// repeats but refusing to resurrect a torn-down lease.
func (l *lifecycle) beginRelinquish() error {
	switch l.state {
	case StateLive:
		l.state = StateRelinquished
		return nil
	case StateRelinquished:
		return nil
	default:
		return ErrLeaseTerminal
	}
}

// Stack holds acquired leases in acquisition order and releases them in
// reverse. The orchestrator pushes each lease right after acquiring it
// and defers Unwind, so a failure at step N tears down steps 1..N-1
// before the error reaches the caller.
type Stack struct {
	leases []Lease
	log    *logrus.Entry
}

// NewStack creates an empty stack logging through the given entry.
func NewStack(log *logrus.Entry) *Stack {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Stack{log: log}
}

// Push records a freshly acquired lease as the newest link in the
// chain.
func (s *Stack) Push(l Lease) {
	s.leases = append(s.leases, l)
}

// Unwind tears down every live lease in reverse acquisition order. All
// leases are attempted even when one fails; the first error is
// returned. Relinquished leases are skipped by their own state
// handling, so Unwind is safe to defer unconditionally.
func (s *Stack) Unwind() error {
	var first error
	for i := len(s.leases) - 1; i >= 0; i-- {
		if err := s.leases[i].Teardown(); err != nil {
			s.log.WithError(err).Warn("teardown failed, continuing with remaining resources")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Relinquish marks every live lease relinquished, newest first, so the
// whole chain outlives the process. Used by the mount action.
func (s *Stack) Relinquish() error {
	for i := len(s.leases) - 1; i >= 0; i-- {
		if err := s.leases[i].Relinquish(); err != nil {
			return err
		}
	}
	return nil
}
