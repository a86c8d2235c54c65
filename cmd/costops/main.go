package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/costops/config"
	"github.com/vnmchuo/costops/internal/aggregate"
	"github.com/vnmchuo/costops/internal/auth"
	"github.com/vnmchuo/costops/internal/costcalc"
	"github.com/vnmchuo/costops/internal/costs"
	"github.com/vnmchuo/costops/internal/ingest"
	"github.com/vnmchuo/costops/internal/pricing"
	"github.com/vnmchuo/costops/internal/seeder"
	"github.com/vnmchuo/costops/internal/stream"
	"github.com/vnmchuo/costops/internal/telemetry"
	"github.com/vnmchuo/costops/pkg/ratelimit"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "costops").Logger()
	log.Logger = logger

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("costops", cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := logger.WithContext(context.Background())
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping postgres")
	}
	logger.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis when the limiter or the stream consumer need it
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("failed to ping redis")
		}
		logger.Info().Msg("Redis connected")
	}

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb)

	// 6. Init rate limiter
	limitCfg := ratelimit.Config{
		MaxRequests: cfg.RateLimitMaxRequests,
		Window:      cfg.RateLimitWindow,
		Burst:       cfg.RateLimitBurst,
	}
	var limiter ratelimit.Limiter
	var overrides ingest.OverrideStore
	switch cfg.RateLimitBackend {
	case "redis":
		shared := ratelimit.NewShared(rdb, limitCfg)
		limiter, overrides = shared, shared
	case "off":
		limiter = ratelimit.NewNoop()
	default:
		local := ratelimit.NewLocal(limitCfg)
		limiter, overrides = local, local
	}
	logger.Info().Str("backend", cfg.RateLimitBackend).Msg("rate limiter initialized")

	// 7. Init pricing catalog
	resolver := pricing.NewResolver()
	if err := seeder.SeedPricingTables(ctx, resolver); err != nil {
		logger.Fatal().Err(err).Msg("failed to load pricing catalog")
	}

	// 8. Init cost pipeline
	costStore := costs.NewPostgresStore(pool)
	calc := costcalc.NewCalculator()
	agg := aggregate.New(aggregate.DefaultDimensions...)

	tracer := otel.GetTracerProvider().Tracer("costops")
	service := ingest.NewService(limiter, resolver, calc, costStore, agg, cfg.MaxBatchSize, tracer)
	handler := ingest.NewHandler(service, costStore, agg, overrides)

	// 9. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore)
	}

	// 10. Stream consumer
	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if cfg.StreamEnabled {
		hostname, _ := os.Hostname()
		consumer := stream.NewConsumer(rdb, service, cfg.StreamKey, cfg.StreamGroup, hostname)
		go func() {
			if err := consumer.Run(runCtx); err != nil && runCtx.Err() == nil {
				logger.Error().Err(err).Msg("stream consumer stopped")
			}
		}()
		logger.Info().Str("stream", cfg.StreamKey).Str("group", cfg.StreamGroup).Msg("stream consumer started")
	}

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(telemetry.RequestLogger(logger))
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"costops"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/usage", handler.HandleSubmit)
		r.Post("/v1/usage/batch", handler.HandleSubmitBatch)
		r.Get("/v1/costs/summary", handler.HandleSummary)
		r.Get("/v1/costs/rollups", handler.HandleRollups)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Use(auth.RequireAdmin)
		tenantParam := func(r *http.Request) string { return chi.URLParam(r, "tenant") }
		r.Put("/v1/admin/ratelimits/{tenant}", handler.HandleSetOverride(tenantParam))
		r.Delete("/v1/admin/ratelimits/{tenant}", handler.HandleRemoveOverride(tenantParam))
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("costops starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	logger.Info().Msg("shutting down gracefully")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("server stopped")
}
