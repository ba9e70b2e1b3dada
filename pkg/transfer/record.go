package transfer

import (
	"time"
)

// ID uniquely identifies a submitted transfer for its lifetime.
type ID string

// Method is the HTTP method of a transfer. Only the closed set below is valid.
type Method int

const (
	MethodGet Method = iota
	MethodPost
	MethodHead
)

// String returns the wire-level method name.
func (m Method) String() string {
	switch m {
	case MethodGet:
		return "GET"
	case MethodPost:
		return "POST"
	case MethodHead:
		return "HEAD"
	default:
		return "GET"
	}
}

// Priority orders pending transfers. Lower values schedule first.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns a human-readable priority name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// State is the lifecycle state of a transfer record.
// A record is in exactly one state at any instant.
type State int

const (
	StatePending State = iota
	StateRunning
	StateDone
	StateCancelled
)

// Record tracks one submitted transfer. A Record is owned by the scheduler:
// it is created on submit and mutated only under the scheduler's lock.
type Record struct {
	ID         ID
	URL        string
	Method     Method
	Priority   Priority
	Body       []byte
	RetryCount int
	MaxRetries int
	State      State
	Completed  bool
	Success    bool
	HTTPStatus int
	Err        error
	Response   []byte
	SubmitAt   time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Terminal reports whether the record reached a terminal state.
func (r *Record) Terminal() bool {
	return r.State == StateDone || r.State == StateCancelled
}

// Stats is a read-only projection over a scheduler's record pool.
// Completed == Success + Failed and
// Total == Pending + Running + Completed + Cancelled always hold.
type Stats struct {
	Total     int
	Pending   int
	Running   int
	Completed int
	Success   int
	Failed    int
	Cancelled int
}
