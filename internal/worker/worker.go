// Package worker pulls jobs from the queue and drives each through the
// render pipeline. All job-state mutation goes through the record
// store's compare-and-transition, which makes duplicate deliveries and
// stale claims harmless.
package worker

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"

	"reelforge/internal/jobs"
	"reelforge/internal/media"
	"reelforge/internal/pkg/errors"
	"reelforge/internal/pkg/logger"
	"reelforge/internal/queue"
)

type Worker struct {
	store    jobs.Store
	queue    queue.Queue
	executor Executor
	cfg      Config
	log      *logger.Logger
}

func New(d Deps) *Worker {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	cfg := d.Config.withDefaults()

	executor := d.Executor
	if executor == nil {
		engine := media.NewEngine(media.Config{
			FFmpegPath:  cfg.FFmpegPath,
			FFprobePath: cfg.FFprobePath,
			Timeout:     cfg.TransformTimeout,
			WorkRoot:    cfg.WorkRoot,
		})
		executor = NewPipeline(d.SP, d.Gen, engine, cfg.WorkRoot, log)
	}

	return &Worker{
		store:    d.Store,
		queue:    d.Queue,
		executor: executor,
		cfg:      cfg,
		log:      log,
	}
}

// Run blocks until ctx is canceled, dispatching deliveries to a fixed
// number of concurrent slots. Excess queued work waits; the pool never
// grows.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "slots", w.cfg.Slots)

	sem := semaphore.NewWeighted(int64(w.cfg.Slots))

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			w.log.Info("worker stopping")
			return ctx.Err()
		}

		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				w.log.Info("worker stopping")
				return ctx.Err()
			}
			if err != queue.ErrEmpty {
				w.log.Warn("queue dequeue error, backing off", "error", err.Error())
				time.Sleep(time.Second)
			}
			continue
		}

		go func() {
			defer sem.Release(1)
			w.handle(ctx, d)
		}()
	}
}

// handle runs the per-delivery state machine.
func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	jobID := d.Message.JobID
	jobCtx := logger.ContextWithJobID(ctx, jobID)
	log := w.log.WithJobID(jobID)

	job, err := w.store.Get(jobCtx, jobID)
	if err != nil {
		if errors.IsNotFound(err) {
			// Record already garbage-collected; the message is stale.
			log.Debug("dropping delivery for unknown job")
			w.ack(jobCtx, d)
			return
		}
		log.Warn("job lookup failed, returning delivery", "error", err.Error())
		w.nack(jobCtx, d)
		return
	}

	// Lazy TTL enforcement on dequeue. Only jobs that never reached
	// Running can expire; a job released back to Queued after a
	// transient failure keeps its retry budget.
	if job.State == jobs.StateQueued && job.AttemptCount == 0 && time.Since(job.CreatedAt) > w.cfg.QueuedTTL {
		ok, err := w.store.CompareAndTransition(jobCtx, jobID, jobs.StateQueued, jobs.StateExpired, jobs.Transition{
			Failure: &jobs.FailureReason{
				Code:    string(errors.CodeExpired),
				Message: "job exceeded maximum queued age before execution",
			},
		})
		if err != nil {
			log.Warn("expire transition failed", "error", err.Error())
		} else if ok {
			log.Info("job expired before execution", "queued_for", time.Since(job.CreatedAt).String())
		}
		w.ack(jobCtx, d)
		return
	}

	// Claim guard: only the delivery that wins Queued→Running executes.
	// Duplicate deliveries of Running or terminal jobs are discarded.
	claimed, err := w.store.CompareAndTransition(jobCtx, jobID, jobs.StateQueued, jobs.StateRunning, jobs.Transition{
		IncrementAttempt: true,
	})
	if err != nil {
		log.Warn("claim failed, returning delivery", "error", err.Error())
		w.nack(jobCtx, d)
		return
	}
	if !claimed {
		log.Debug("duplicate delivery discarded", "state", string(job.State))
		w.ack(jobCtx, d)
		return
	}

	// Re-read for the authoritative attempt count.
	job, err = w.store.Get(jobCtx, jobID)
	if err != nil {
		log.Error("claimed job vanished", "error", err.Error())
		w.ack(jobCtx, d)
		return
	}

	log.Info("executing job", "attempt", job.AttemptCount, "delivery", d.Message.Delivery)
	start := time.Now()

	outputRef, execErr := w.executor.Execute(jobCtx, job)
	if execErr == nil {
		w.succeed(jobCtx, d, job, outputRef, time.Since(start))
		return
	}
	w.failOrRetry(jobCtx, d, job, execErr, time.Since(start))
}

func (w *Worker) succeed(ctx context.Context, d queue.Delivery, job *jobs.Job, outputRef string, took time.Duration) {
	log := w.log.WithJobID(job.ID)

	ok, err := w.store.CompareAndTransition(ctx, job.ID, jobs.StateRunning, jobs.StateSucceeded, jobs.Transition{
		OutputRef: outputRef,
	})
	if err != nil || !ok {
		log.Error("success transition did not apply", "applied", ok)
	} else {
		log.Info("job succeeded", "output_ref", outputRef, "duration_ms", took.Milliseconds())
	}
	w.ack(ctx, d)
}

func (w *Worker) failOrRetry(ctx context.Context, d queue.Delivery, job *jobs.Job, execErr error, took time.Duration) {
	log := w.log.WithJobID(job.ID)

	permanent := errors.IsPermanent(execErr)
	exhausted := job.AttemptCount >= job.MaxAttempts

	if permanent || exhausted {
		reason := &jobs.FailureReason{
			Code:    string(errors.GetCode(execErr)),
			Message: truncate(execErr.Error(), 2000),
		}
		ok, err := w.store.CompareAndTransition(ctx, job.ID, jobs.StateRunning, jobs.StateFailed, jobs.Transition{
			Failure: reason,
		})
		if err != nil || !ok {
			log.Error("failure transition did not apply", "applied", ok)
		}
		log.Error("job failed terminally",
			"code", reason.Code,
			"attempt", job.AttemptCount,
			"permanent", permanent,
			"duration_ms", took.Milliseconds(),
		)
		w.ack(ctx, d)
		return
	}

	// Transient failure with attempts left: release the job and let the
	// broker redeliver.
	ok, err := w.store.CompareAndTransition(ctx, job.ID, jobs.StateRunning, jobs.StateQueued, jobs.Transition{})
	if err != nil || !ok {
		log.Error("release transition did not apply", "applied", ok)
		w.ack(ctx, d)
		return
	}
	log.Warn("transient failure, requeued",
		"code", string(errors.GetCode(execErr)),
		"attempt", job.AttemptCount,
		"max_attempts", job.MaxAttempts,
		"error", execErr.Error(),
	)
	w.nack(ctx, d)
}

func (w *Worker) ack(ctx context.Context, d queue.Delivery) {
	if err := w.queue.Ack(ctx, d); err != nil {
		w.log.Warn("ack failed", "job_id", d.Message.JobID, "error", err.Error())
	}
}

func (w *Worker) nack(ctx context.Context, d queue.Delivery) {
	if err := w.queue.Nack(ctx, d); err != nil {
		w.log.Warn("nack failed", "job_id", d.Message.JobID, "error", err.Error())
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
