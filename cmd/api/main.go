package main

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"reelforge/internal/httpapi"
	"reelforge/internal/jobs"
	"reelforge/internal/pkg/env"
	"reelforge/internal/pkg/logger"
	"reelforge/internal/pkg/shutdown"
	"reelforge/internal/queue"
	"reelforge/internal/storage"
)

func main() {
	log := logger.New(logger.Config{
		Level:       env.Get("LOG_LEVEL", "info"),
		Format:      env.Get("LOG_FORMAT", "json"),
		ServiceName: "reelforge-api",
		AddSource:   env.Bool("LOG_SOURCE", false),
	})

	log.Info("starting reelforge API", "version", "0.1.0")

	httpPort := env.Get("HTTP_PORT", "8080")
	dbURL := env.Must("DATABASE_URL")
	redisAddr := env.Must("REDIS_ADDR")

	ctx := context.Background()

	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	log.Info("connecting to PostgreSQL")
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
	log.Info("PostgreSQL connected")

	store := jobs.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		log.LogFatal("failed to ensure schema", err)
	}

	log.Info("connecting to Redis")
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	shutdownMgr.Register("redis", func(ctx context.Context) error {
		return rdb.Close()
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.LogFatal("failed to ping Redis", err)
	}
	log.Info("Redis connected")

	q := queue.NewRedisQueue(rdb, queue.RedisQueueConfig{
		Name: env.Get("JOB_QUEUE_NAME", "reelforge:jobs"),
	})

	log.Info("initializing storage provider")
	sp, err := storage.NewProvider()
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	router := httpapi.NewRouter(httpapi.Deps{
		Store: store,
		Queue: q,
		SP:    sp,
		Pool:  pool,
		RDB:   rdb,
		Log:   log,
	})

	server := &http.Server{
		Addr:         "0.0.0.0:" + httpPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
