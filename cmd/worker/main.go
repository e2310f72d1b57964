package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"reelforge/internal/genclient"
	"reelforge/internal/jobs"
	"reelforge/internal/pkg/env"
	"reelforge/internal/pkg/logger"
	"reelforge/internal/pkg/shutdown"
	"reelforge/internal/queue"
	"reelforge/internal/storage"
	"reelforge/internal/worker"
)

func main() {
	log := logger.New(logger.Config{
		Level:       env.Get("LOG_LEVEL", "info"),
		Format:      env.Get("LOG_FORMAT", "json"),
		ServiceName: "reelforge-worker",
		AddSource:   env.Bool("LOG_SOURCE", false),
	})

	log.Info("starting reelforge worker", "version", "0.1.0")

	dbURL := env.Must("DATABASE_URL")
	redisAddr := env.Must("REDIS_ADDR")
	genBaseURL := env.Must("GEN_API_BASEURL")
	genAPIKey := env.Must("GEN_API_KEY")

	ctx := context.Background()

	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		log.LogFatal("failed to connect to PostgreSQL", err)
	}
	shutdownMgr.Register("postgres", func(ctx context.Context) error {
		pool.Close()
		return nil
	})
	if err := pool.Ping(ctx); err != nil {
		log.LogFatal("failed to ping PostgreSQL", err)
	}

	store := jobs.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.LogFatal("failed to ensure schema", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}

	q := queue.NewRedisQueue(rdb, queue.RedisQueueConfig{
		Name:       env.Get("JOB_QUEUE_NAME", "reelforge:jobs"),
		Visibility: env.Duration("JOB_VISIBILITY", 15*time.Minute),
	})

	sp, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	gen := genclient.NewHTTPClient(genclient.Config{
		BaseURL: genBaseURL,
		APIKey:  genAPIKey,
		Timeout: env.Duration("GEN_API_TIMEOUT", 5*time.Minute),
	})

	cfg := worker.Config{
		Slots:            env.Int("WORKER_SLOTS", 2),
		QueuedTTL:        env.Duration("JOB_QUEUED_TTL", time.Hour),
		Retention:        env.Duration("JOB_RETENTION", 24*time.Hour),
		ReapInterval:     env.Duration("REAP_INTERVAL", time.Minute),
		WorkRoot:         env.Get("WORK_ROOT", ""),
		FFmpegPath:       env.Get("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:      env.Get("FFPROBE_PATH", "ffprobe"),
		TransformTimeout: env.Duration("TRANSFORM_TIMEOUT", 10*time.Minute),
	}

	w := worker.New(worker.Deps{
		Store:  store,
		Queue:  q,
		SP:     sp,
		Gen:    gen,
		Log:    log,
		Config: cfg,
	})
	reaper := worker.NewReaper(store, q, cfg, log)

	runCtx := shutdownMgr.Context()

	go func() {
		if err := reaper.Run(runCtx); err != nil && err != context.Canceled {
			log.Error("reaper stopped", "error", err.Error())
		}
	}()

	log.Info("worker running", "slots", cfg.Slots)
	if err := w.Run(runCtx); err != nil && err != context.Canceled {
		log.LogFatal("worker failed", err)
	}

	// Run returns once the signal context is canceled; tear down the
	// registered clients directly.
	shutdownMgr.Shutdown()
}
