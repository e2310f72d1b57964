package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/pkg/errors"
)

func queuedJob(id string) *Job {
	return &Job{
		ID:          id,
		State:       StateQueued,
		InputRefs:   []string{"uploads/a.png", "uploads/b.mp3"},
		Params:      map[string]any{"prompt": "sunset"},
		MaxAttempts: 3,
		CreatedAt:   time.Now().UTC(),
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := queuedJob("job-1")
	require.NoError(t, s.Create(ctx, job))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Equal(t, job.InputRefs, got.InputRefs)
	assert.Equal(t, 0, got.AttemptCount)
}

func TestCreateRejectsNonQueued(t *testing.T) {
	s := NewMemoryStore()
	job := queuedJob("job-1")
	job.State = StateRunning

	err := s.Create(context.Background(), job)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestCreateDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Create(ctx, queuedJob("job-1")))
	err := s.Create(ctx, queuedJob("job-1"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeConflict))
}

func TestGetNotFound(t *testing.T) {
	_, err := NewMemoryStore().Get(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("job-1")))

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	got.State = StateFailed
	got.InputRefs[0] = "tampered"

	again, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, again.State)
	assert.Equal(t, "uploads/a.png", again.InputRefs[0])
}

func TestCompareAndTransition(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("job-1")))

	ok, err := s.CompareAndTransition(ctx, "job-1", StateQueued, StateRunning, Transition{IncrementAttempt: true})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, 1, got.AttemptCount)
}

func TestCompareAndTransitionWrongExpected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("job-1")))

	// Job is Queued, a stale claim expecting Running must lose.
	ok, err := s.CompareAndTransition(ctx, "job-1", StateRunning, StateSucceeded, Transition{OutputRef: "renders/x.mp4"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateQueued, got.State)
	assert.Empty(t, got.OutputRef)
}

func TestIllegalEdgeRejected(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("job-1")))

	_, err := s.CompareAndTransition(ctx, "job-1", StateQueued, StateSucceeded, Transition{})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
}

func TestTerminalStatesImmutable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("job-1")))

	mustTransition(t, s, "job-1", StateQueued, StateRunning, Transition{IncrementAttempt: true})
	mustTransition(t, s, "job-1", StateRunning, StateFailed, Transition{
		Failure: &FailureReason{Code: "TIMEOUT", Message: "tool timed out"},
	})

	for _, next := range []State{StateRunning, StateQueued, StateSucceeded, StateExpired} {
		_, err := s.CompareAndTransition(ctx, "job-1", StateFailed, next, Transition{})
		assert.Error(t, err, "expected Failed -> %s to be rejected", next)
	}
}

func TestTransitionFields(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("job-1")))

	mustTransition(t, s, "job-1", StateQueued, StateRunning, Transition{IncrementAttempt: true})
	mustTransition(t, s, "job-1", StateRunning, StateSucceeded, Transition{OutputRef: "renders/job-1/final.mp4"})

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	assert.Equal(t, "renders/job-1/final.mp4", got.OutputRef)
	assert.Nil(t, got.Failure)
}

// Many racing duplicate deliveries: exactly one claim may win.
func TestConcurrentClaimExactlyOneWinner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Create(ctx, queuedJob("job-1")))

	const racers = 64
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := s.CompareAndTransition(ctx, "job-1", StateQueued, StateRunning, Transition{IncrementAttempt: true})
			require.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}

	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, got.State)
	assert.Equal(t, 1, got.AttemptCount, "losing claims must not bump attempt_count")
}

func TestListQueuedBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := queuedJob("old")
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	fresh := queuedJob("fresh")

	require.NoError(t, s.Create(ctx, old))
	require.NoError(t, s.Create(ctx, fresh))

	got, err := s.ListQueuedBefore(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "old", got[0].ID)
}

func TestListQueuedBeforeSkipsAttemptedJobs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// An old job that already ran once and was released for redelivery
	// is not stuck and must not show up in the TTL sweep.
	retried := queuedJob("retried")
	retried.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, s.Create(ctx, retried))
	ok, err := s.CompareAndTransition(ctx, "retried", StateQueued, StateRunning,
		Transition{IncrementAttempt: true})
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.CompareAndTransition(ctx, "retried", StateRunning, StateQueued, Transition{})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.ListQueuedBefore(ctx, time.Now().UTC().Add(-time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	for i, id := range []string{"a", "b", "c"} {
		job := queuedJob(id)
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Create(ctx, job))
	}
	mustTransition(t, s, "a", StateQueued, StateRunning, Transition{IncrementAttempt: true})

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[0].ID, "newest first")

	queued, err := s.List(ctx, StateQueued, 10)
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	capped, err := s.List(ctx, "", 1)
	require.NoError(t, err)
	assert.Len(t, capped, 1)
}

func TestDeleteTerminalBefore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.now = func() time.Time { return time.Now().UTC().Add(-48 * time.Hour) }

	require.NoError(t, s.Create(ctx, queuedJob("done")))
	mustTransition(t, s, "done", StateQueued, StateRunning, Transition{IncrementAttempt: true})
	mustTransition(t, s, "done", StateRunning, StateSucceeded, Transition{OutputRef: "renders/done/final.mp4"})

	s.now = func() time.Time { return time.Now().UTC() }
	require.NoError(t, s.Create(ctx, queuedJob("pending")))

	n, err := s.DeleteTerminalBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, "done")
	assert.True(t, errors.IsNotFound(err))

	_, err = s.Get(ctx, "pending")
	assert.NoError(t, err, "non-terminal records must survive GC")
}

func mustTransition(t *testing.T, s Store, id string, from, to State, tr Transition) {
	t.Helper()
	ok, err := s.CompareAndTransition(context.Background(), id, from, to, tr)
	require.NoError(t, err)
	require.True(t, ok, "transition %s -> %s did not apply", from, to)
}
