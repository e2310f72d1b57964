package handlers

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"reelforge/internal/jobs"
	"reelforge/internal/pkg/logger"
	"reelforge/internal/ports"
	"reelforge/internal/queue"
)

type Deps struct {
	Store jobs.Store
	Queue queue.Queue
	SP    ports.StorageProvider

	// Pool and RDB are optional; when set the deep health check pings
	// them directly.
	Pool *pgxpool.Pool
	RDB  *redis.Client

	Log *logger.Logger
}

type Handler struct {
	store jobs.Store
	queue queue.Queue
	sp    ports.StorageProvider
	pool  *pgxpool.Pool
	rdb   *redis.Client
	log   *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	return &Handler{
		store: d.Store,
		queue: d.Queue,
		sp:    d.SP,
		pool:  d.Pool,
		rdb:   d.RDB,
		log:   log.WithComponent("httpapi"),
	}
}
