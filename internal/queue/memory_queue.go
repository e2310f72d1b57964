package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue in-process, with the same claim and
// visibility semantics as the Redis implementation. It backs tests and
// single-node development.
type MemoryQueue struct {
	mu         sync.Mutex
	pending    []Message
	claims     map[string]claim
	notify     chan struct{}
	popWindow  time.Duration
	visibility time.Duration
}

type claim struct {
	msg       Message
	visibleAt time.Time
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		claims:     make(map[string]claim),
		notify:     make(chan struct{}, 1),
		popWindow:  5 * time.Second,
		visibility: 15 * time.Minute,
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID string) error {
	q.mu.Lock()
	q.pending = append(q.pending, Message{
		JobID:      jobID,
		EnqueuedAt: time.Now().UTC(),
	})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (Delivery, error) {
	deadline := time.NewTimer(q.popWindow)
	defer deadline.Stop()

	for {
		if d, ok := q.tryClaim(); ok {
			return d, nil
		}

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-deadline.C:
			return Delivery{}, ErrEmpty
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) tryClaim() (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Delivery{}, false
	}

	msg := q.pending[0]
	q.pending = q.pending[1:]
	msg.Delivery++

	receipt := uuid.NewString()
	q.claims[receipt] = claim{msg: msg, visibleAt: time.Now().UTC().Add(q.visibility)}

	return Delivery{Message: msg, Receipt: receipt}, true
}

func (q *MemoryQueue) Ack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claims, d.Receipt)
	return nil
}

func (q *MemoryQueue) Nack(ctx context.Context, d Delivery) error {
	q.mu.Lock()
	delete(q.claims, d.Receipt)
	q.pending = append(q.pending, d.Message)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) RequeueExpired(ctx context.Context, now time.Time, max int) (int, error) {
	if max <= 0 {
		max = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	recovered := 0
	for receipt, c := range q.claims {
		if recovered >= max {
			break
		}
		if c.visibleAt.After(now) {
			continue
		}
		delete(q.claims, receipt)
		q.pending = append(q.pending, c.msg)
		recovered++
	}
	return recovered, nil
}

// Depth reports pending message count, for tests.
func (q *MemoryQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
