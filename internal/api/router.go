package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/lexgrid/lexgrid/internal/database"
	mw "github.com/lexgrid/lexgrid/internal/middleware"
)

// HandlerSet holds handler functions injected from main.go to avoid import
// cycles.
type HandlerSet struct {
	// Job submission surface
	SubmitResearch   http.HandlerFunc
	GetResearchJob   http.HandlerFunc
	GetQueueMetrics  http.HandlerFunc

	// Quota and rate-limit observability
	GetUsage        http.HandlerFunc
	GetLimitsStatus http.HandlerFunc

	// Edge abuse protection for the submit endpoint
	SubmitRateLimiter func(http.Handler) http.Handler

	// Worker pool health
	QueueHealthy func() bool
}

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	CORSAllowedOrigins []string
}

func NewRouter(pool *pgxpool.Pool, rdb *redis.Client, cfg RouterConfig, h HandlerSet) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.SecurityHeaders)
	r.Use(mw.Logging)
	r.Use(mw.Recovery)
	r.Use(mw.Metrics)
	r.Use(cors.Handler(mw.CORS(cfg.CORSAllowedOrigins)))

	// Liveness probe — always 200, no dependency checks
	r.Get("/health/live", func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})

	// Readiness probe — checks the ledger store, Redis, and the worker pool
	readinessHandler := func(w http.ResponseWriter, r *http.Request) {
		health := map[string]string{
			"status": "healthy",
			"ledger": "healthy",
			"redis":  "healthy",
			"queue":  "healthy",
		}

		status := http.StatusOK

		if err := database.HealthCheck(r.Context(), pool); err != nil {
			health["ledger"] = "unhealthy"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		if rdb != nil {
			if err := redisHealthCheck(r.Context(), rdb); err != nil {
				// Redis outage degrades caching and rate limiting but the
				// service keeps running.
				health["redis"] = "unhealthy"
				health["status"] = "degraded"
			}
		} else {
			health["redis"] = "not configured"
		}

		if h.QueueHealthy != nil && !h.QueueHealthy() {
			health["queue"] = "not accepting work"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		}

		JSON(w, status, health)
	}

	r.Get("/health/ready", readinessHandler)
	r.Get("/health", readinessHandler)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/research", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				if h.SubmitRateLimiter != nil {
					r.Use(h.SubmitRateLimiter)
				}
				r.Post("/", h.SubmitResearch)
			})
			r.Get("/queue/metrics", h.GetQueueMetrics)
			r.Get("/{jobID}", h.GetResearchJob)
		})

		r.Get("/quota/{subjectID}", h.GetUsage)
		r.Get("/limits/{subjectID}", h.GetLimitsStatus)
	})

	return r
}

func redisHealthCheck(ctx context.Context, rdb *redis.Client) error {
	return rdb.Ping(ctx).Err()
}
