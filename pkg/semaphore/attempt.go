package semaphore

import (
	"time"

	"leasegate/pkg/coordination"
)

// State is the negotiation state of a lease attempt.
type State int

const (
	StateIdle State = iota
	StateAwaitingLease
	StateAcquired
	StateTimedOut
	StateCancelled
	StateReleased
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingLease:
		return "awaiting-lease"
	case StateAcquired:
		return "acquired"
	case StateTimedOut:
		return "timed-out"
	case StateCancelled:
		return "cancelled"
	case StateReleased:
		return "released"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	switch s {
	case StateTimedOut, StateCancelled, StateReleased, StateFailed:
		return true
	}
	return false
}

// Attempt is one caller's attempt to hold a slot.
type Attempt struct {
	ID         string
	State      State
	SessionID  int64
	Ticket     coordination.Node
	Lease      coordination.Node
	StartedAt  time.Time
	AcquiredAt time.Time
}

// Holder describes a lease node currently present under a resource.
type Holder struct {
	Identifier string `json:"identifier"`
	Node       string `json:"node"`
	Sequence   int64  `json:"sequence"`
	// Ephemeral is true when the lease dies with its owner's session.
	Ephemeral bool `json:"ephemeral"`
}
