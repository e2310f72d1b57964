// Package jobs defines the job record: the authoritative state of one
// media-generation request from submission to terminal state.
package jobs

import (
	"time"
)

// State is the lifecycle state of a job.
type State string

const (
	StateQueued    State = "QUEUED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
	StateExpired   State = "EXPIRED"
)

// Terminal reports whether the state is final. Terminal records are
// immutable once written.
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateRunning, StateSucceeded, StateFailed, StateExpired:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from→to is an edge of the job state
// machine. Stores reject transitions outside these edges regardless of
// what the caller asks for.
func CanTransition(from, to State) bool {
	switch from {
	case StateQueued:
		return to == StateRunning || to == StateExpired
	case StateRunning:
		// Running→Queued releases the job for redelivery after a
		// transient failure.
		return to == StateSucceeded || to == StateFailed || to == StateQueued
	default:
		return false
	}
}

// FailureReason is the structured error recorded on Failed and Expired
// jobs and surfaced through the status endpoint.
type FailureReason struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Job is the unit of work.
type Job struct {
	ID           string         `json:"id"`
	State        State          `json:"state"`
	InputRefs    []string       `json:"input_refs"`
	Params       map[string]any `json:"params"`
	OutputRef    string         `json:"output_ref,omitempty"`
	Failure      *FailureReason `json:"failure,omitempty"`
	AttemptCount int            `json:"attempt_count"`
	MaxAttempts  int            `json:"max_attempts"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Clone returns a deep copy. Stores hand out clones so callers cannot
// mutate records behind the store's back.
func (j *Job) Clone() *Job {
	cp := *j
	if j.InputRefs != nil {
		cp.InputRefs = append([]string(nil), j.InputRefs...)
	}
	if j.Params != nil {
		cp.Params = make(map[string]any, len(j.Params))
		for k, v := range j.Params {
			cp.Params[k] = v
		}
	}
	if j.Failure != nil {
		f := *j.Failure
		cp.Failure = &f
	}
	return &cp
}
