// Package queue is the at-least-once dispatch queue between the
// submission API and the worker pool. Messages are wake-up signals
// only; job state lives in the record store, so duplicate or lost
// deliveries are tolerated.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when no message became available
// within the blocking window.
var ErrEmpty = errors.New("queue: no message available")

// Message is the envelope carried by the broker.
type Message struct {
	JobID      string    `json:"job_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	// Delivery counts how many times this message has been handed to a
	// worker, including the current delivery.
	Delivery int `json:"delivery"`
}

// Delivery is a claimed message. The receipt identifies the claim for
// Ack/Nack.
type Delivery struct {
	Message Message
	Receipt string
}

// Queue is the broker contract. Delivery is at-least-once: a claim that
// is neither acked nor nacked becomes visible again after the
// visibility timeout (enforced by RequeueExpired).
type Queue interface {
	// Enqueue publishes a wake-up message for the job.
	Enqueue(ctx context.Context, jobID string) error

	// Dequeue blocks up to the queue's poll window and returns a claim,
	// or ErrEmpty when nothing arrived.
	Dequeue(ctx context.Context) (Delivery, error)

	// Ack removes the claimed message permanently.
	Ack(ctx context.Context, d Delivery) error

	// Nack returns the message to the queue for redelivery with an
	// incremented delivery counter.
	Nack(ctx context.Context, d Delivery) error

	// RequeueExpired returns claims whose visibility timeout has passed
	// back to the queue and reports how many were recovered.
	RequeueExpired(ctx context.Context, now time.Time, max int) (int, error)
}
