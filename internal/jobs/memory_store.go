package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"reelforge/internal/pkg/errors"
)

// MemoryStore implements Store with an in-process map. It backs tests
// and single-node development; the state-machine guarantees match the
// Postgres implementation.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Job
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[string]*Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the store's clock, for tests that need to age
// records past retention windows.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = func() time.Time { return now().UTC() }
}

func (s *MemoryStore) Create(ctx context.Context, job *Job) error {
	if job.State != StateQueued {
		return errors.Validationf("new job must be %s, got %s", StateQueued, job.State)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rows[job.ID]; ok {
		return errors.New(errors.CodeConflict, "job already exists: "+job.ID)
	}

	cp := job.Clone()
	cp.UpdatedAt = cp.CreatedAt
	s.rows[job.ID] = cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.rows[id]
	if !ok {
		return nil, errors.NotFound("job", id)
	}
	return job.Clone(), nil
}

func (s *MemoryStore) CompareAndTransition(ctx context.Context, id string, expected, next State, tr Transition) (bool, error) {
	if !CanTransition(expected, next) {
		return false, errors.Validationf("illegal transition %s -> %s", expected, next)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.rows[id]
	if !ok {
		return false, errors.NotFound("job", id)
	}
	if job.State != expected {
		return false, nil
	}

	job.State = next
	if tr.IncrementAttempt {
		job.AttemptCount++
	}
	if tr.OutputRef != "" {
		job.OutputRef = tr.OutputRef
	}
	if tr.Failure != nil {
		f := *tr.Failure
		job.Failure = &f
	}
	job.UpdatedAt = s.now()
	return true, nil
}

func (s *MemoryStore) List(ctx context.Context, state State, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, limit)
	for _, job := range s.rows {
		if state != "" && job.State != state {
			continue
		}
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListQueuedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, job := range s.rows {
		if job.State == StateQueued && job.AttemptCount == 0 && job.CreatedAt.Before(cutoff) {
			out = append(out, job.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, job := range s.rows {
		if job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
