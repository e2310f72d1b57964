package worker

import (
	"time"

	"reelforge/internal/genclient"
	"reelforge/internal/jobs"
	"reelforge/internal/pkg/logger"
	"reelforge/internal/ports"
	"reelforge/internal/queue"
)

// Deps wires the worker process. Clients are constructed once at
// startup and passed in explicitly.
type Deps struct {
	Store jobs.Store
	Queue queue.Queue
	SP    ports.StorageProvider
	Gen   genclient.Client
	Log   *logger.Logger

	// Executor overrides the default render pipeline; tests use this.
	Executor Executor

	Config Config
}

// Config bounds the worker's resource use and retry behavior.
type Config struct {
	// Slots is the number of concurrent job executions. Transforms are
	// CPU-heavy, so this is capacity-planned, not elastic.
	Slots int
	// QueuedTTL is the maximum age a job may sit Queued before the
	// reaper (or a lazy dequeue check) expires it.
	QueuedTTL time.Duration
	// Retention is how long terminal records are kept before GC.
	Retention time.Duration
	// ReapInterval is the period of the reaper sweep.
	ReapInterval time.Duration
	// WorkRoot hosts per-job scratch directories.
	WorkRoot string

	// FFmpegPath/FFprobePath/TransformTimeout configure the transform
	// engine built by default.
	FFmpegPath       string
	FFprobePath      string
	TransformTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Slots <= 0 {
		c.Slots = 2
	}
	if c.QueuedTTL <= 0 {
		c.QueuedTTL = time.Hour
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = time.Minute
	}
	return c
}
