package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/lexgrid/lexgrid/internal/api"
	"github.com/lexgrid/lexgrid/internal/config"
	"github.com/lexgrid/lexgrid/internal/database"
	"github.com/lexgrid/lexgrid/internal/events"
	"github.com/lexgrid/lexgrid/internal/ledger"
	"github.com/lexgrid/lexgrid/internal/middleware"
	"github.com/lexgrid/lexgrid/internal/queue"
	"github.com/lexgrid/lexgrid/internal/quota"
	"github.com/lexgrid/lexgrid/internal/ratelimit"
	iredis "github.com/lexgrid/lexgrid/internal/redis"
	"github.com/lexgrid/lexgrid/internal/rescache"
	"github.com/lexgrid/lexgrid/internal/research"
	"github.com/lexgrid/lexgrid/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL (ledger source of truth)
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), "migrations"); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// Redis (caches, rate-limit windows, transaction records)
	redisClient, err := iredis.NewClient(ctx, cfg.Redis)
	if err != nil {
		slog.Error("connecting to redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	// NATS event publishing is optional
	var publisher *events.Publisher
	if cfg.NATS.URL != "" {
		natsClient, err := events.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Warn("connecting to NATS, continuing without events", "error", err)
		} else {
			defer natsClient.Close()
			publisher = events.NewPublisher(natsClient.JetStream())
		}
	}

	// Quota
	repo := ledger.NewRepository(pool)
	accountCache := ledger.NewAccountCache(redisClient, cfg.Cache.AccountTTL)
	quotaMgr := quota.NewManager(repo, accountCache, redisClient, publisher, cfg.Quota)
	quotaMgr.StartSweeper(ctx)
	quotaHandler := quota.NewHandler(quotaMgr)

	// Rate limiting
	limiter := ratelimit.NewLimiter(redisClient, cfg.RateLimit)
	limitsHandler := ratelimit.NewHandler(limiter)

	// Response cache
	responseCache := rescache.NewCache(redisClient, cfg.Cache)

	// Queue + workers
	executor := research.NewHTTPExecutor(cfg.Executor)
	queueSvc := queue.NewService(cfg.Queue, limiter, responseCache, quotaMgr, executor, publisher)
	queueSvc.Start(ctx)
	defer queueSvc.Stop()
	queueHandler := queue.NewHandler(queueSvc)

	submitLimiter := middleware.NewIPRateLimiter(redisClient, 30, 60)

	// Router
	router := api.NewRouter(pool, redisClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}, api.HandlerSet{
		SubmitResearch:  queueHandler.Submit,
		GetResearchJob:  queueHandler.GetStatus,
		GetQueueMetrics: queueHandler.GetMetrics,

		GetUsage:        quotaHandler.GetUsage,
		GetLimitsStatus: limitsHandler.GetStatus,

		SubmitRateLimiter: submitLimiter.Middleware,
		QueueHealthy:      queueSvc.Healthy,
	})

	// Start server
	srv := server.New(cfg.Server, router)
	if err := srv.Start(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
