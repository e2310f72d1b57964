package jobs

import (
	"context"
	"time"
)

// Transition carries the field updates applied alongside a state change.
// Only the worker that currently owns the queue delivery applies
// transitions; CompareAndTransition is the sole mutation primitive.
type Transition struct {
	// IncrementAttempt bumps attempt_count, set when claiming
	// Queued→Running.
	IncrementAttempt bool
	// OutputRef is set on the transition to Succeeded.
	OutputRef string
	// Failure is set on the transition to Failed or Expired.
	Failure *FailureReason
}

// Store is the durable job record store.
type Store interface {
	// Create persists a new job. The job must be in StateQueued.
	Create(ctx context.Context, job *Job) error

	// Get returns the job or an errors.CodeNotFound error.
	Get(ctx context.Context, id string) (*Job, error)

	// CompareAndTransition atomically moves the job from expected to
	// next, applying tr and refreshing updated_at. It returns false
	// with no mutation when the job's current state differs from
	// expected. Transitions outside the state machine's edges fail.
	CompareAndTransition(ctx context.Context, id string, expected, next State, tr Transition) (bool, error)

	// List returns the most recently created jobs, optionally filtered
	// by state. An empty state matches everything.
	List(ctx context.Context, state State, limit int) ([]*Job, error)

	// ListQueuedBefore returns never-attempted Queued jobs created
	// before cutoff, for the reaper's TTL sweep. Jobs released back to
	// Queued after a failed attempt are excluded: they are awaiting
	// redelivery, not stuck.
	ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)

	// DeleteTerminalBefore removes terminal records last updated before
	// cutoff and returns how many were removed.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)
}
