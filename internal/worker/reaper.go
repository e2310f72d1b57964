package worker

import (
	"context"
	"time"

	"reelforge/internal/jobs"
	"reelforge/internal/pkg/errors"
	"reelforge/internal/pkg/logger"
	"reelforge/internal/queue"
)

// Reaper is the periodic sweep: it expires jobs stuck in Queued past
// the TTL, recovers queue claims whose visibility timeout lapsed
// (crashed workers), and garbage-collects terminal records past the
// retention window.
type Reaper struct {
	store jobs.Store
	queue queue.Queue
	cfg   Config
	log   *logger.Logger
}

func NewReaper(store jobs.Store, q queue.Queue, cfg Config, log *logger.Logger) *Reaper {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Reaper{
		store: store,
		queue: q,
		cfg:   cfg.withDefaults(),
		log:   log.WithComponent("reaper"),
	}
}

// Run blocks until ctx is canceled, sweeping every ReapInterval.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started", "interval", r.cfg.ReapInterval.String())

	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so tests can drive it directly.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now().UTC()

	expired := r.expireStale(ctx, now)
	if expired > 0 {
		r.log.Info("expired stale jobs", "count", expired)
	}

	recovered, err := r.queue.RequeueExpired(ctx, now, 100)
	if err != nil {
		r.log.Warn("claim recovery failed", "error", err.Error())
	} else if recovered > 0 {
		r.log.Info("recovered abandoned claims", "count", recovered)
	}

	removed, err := r.store.DeleteTerminalBefore(ctx, now.Add(-r.cfg.Retention))
	if err != nil {
		r.log.Warn("record gc failed", "error", err.Error())
	} else if removed > 0 {
		r.log.Info("garbage-collected terminal records", "count", removed)
	}
}

func (r *Reaper) expireStale(ctx context.Context, now time.Time) int {
	stale, err := r.store.ListQueuedBefore(ctx, now.Add(-r.cfg.QueuedTTL), 100)
	if err != nil {
		r.log.Warn("stale job scan failed", "error", err.Error())
		return 0
	}

	expired := 0
	for _, job := range stale {
		ok, err := r.store.CompareAndTransition(ctx, job.ID, jobs.StateQueued, jobs.StateExpired, jobs.Transition{
			Failure: &jobs.FailureReason{
				Code:    string(errors.CodeExpired),
				Message: "job exceeded maximum queued age before execution",
			},
		})
		if err != nil {
			r.log.Warn("expire transition failed", "job_id", job.ID, "error", err.Error())
			continue
		}
		if ok {
			expired++
		}
	}
	return expired
}
