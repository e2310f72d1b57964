package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"reelforge/internal/httpapi/handlers"
	"reelforge/internal/httpkit"
	"reelforge/internal/jobs"
	"reelforge/internal/pkg/env"
	"reelforge/internal/pkg/logger"
	"reelforge/internal/pkg/middleware"
	"reelforge/internal/ports"
	"reelforge/internal/queue"
)

type Deps struct {
	Store jobs.Store
	Queue queue.Queue
	SP    ports.StorageProvider
	Pool  *pgxpool.Pool
	RDB   *redis.Client
	Log   *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(log))
	r.Use(middleware.Recovery(log))

	allowedOrigins := env.CSV("CORS_ALLOWED_ORIGINS", []string{
		"http://localhost:8081",
		"http://localhost:5173",
	})
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAgeSeconds:    600,
	}))

	h := handlers.New(handlers.Deps{
		Store: d.Store,
		Queue: d.Queue,
		SP:    d.SP,
		Pool:  d.Pool,
		RDB:   d.RDB,
		Log:   log,
	})

	r.Get("/health", h.Health)

	r.Post("/assets", h.PostAsset)
	r.Get("/assets/{assetId}/content", h.StreamAsset)
	r.Delete("/assets/{assetId}", h.DeleteAsset)

	r.Post("/jobs", h.PostJob)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{jobId}", h.GetJob)
	r.Get("/jobs/{jobId}/output", h.StreamOutput)

	return r
}
