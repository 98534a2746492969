package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/stemsi/proctord/internal/attempt"
	"github.com/stemsi/proctord/internal/config"
	"github.com/stemsi/proctord/internal/database"
	"github.com/stemsi/proctord/internal/handler"
	"github.com/stemsi/proctord/internal/logger"
	"github.com/stemsi/proctord/internal/middleware"
	"github.com/stemsi/proctord/internal/proctor"
	"github.com/stemsi/proctord/internal/repository"
	"github.com/stemsi/proctord/internal/router"
	"github.com/stemsi/proctord/internal/service"
	"github.com/stemsi/proctord/internal/telemetry"
	"github.com/stemsi/proctord/internal/validator"
	"github.com/stemsi/proctord/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("attempt_service", cfg.AttemptServiceURL).
		Msg("Starting proctord")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Metrics ───────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := telemetry.NewMetrics(registry)

	// ─── Attempt Service Client ────────────────────────────────────────
	attempts := attempt.New(attempt.Options{
		BaseURL:         cfg.AttemptServiceURL,
		Timeout:         cfg.AttemptTimeout,
		Retries:         uint(cfg.AttemptRetries),
		BreakerTrips:    uint32(cfg.AttemptBreakerTrips),
		OnBreakerChange: metrics.ObserveBreaker,
	}, log)
	attemptsFor := func(token string) proctor.AttemptService {
		return attempt.NewCached(attempts.WithToken(token), rdb, cfg.AttemptIDCacheTTL, log)
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	violationRepo := repository.NewViolationRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	sink := telemetry.NewRedisSink(rdb, metrics)
	authService := service.NewAuthService(cfg)
	proctorService := service.NewProctorService(cfg, service.NewRedisLock(rdb), attemptsFor, sink, metrics, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		WS:      handler.NewWSHandler(proctorService, cfg, log),
		Proctor: handler.NewProctorHandler(proctorService, violationRepo, sink, log),
		Monitor: handler.NewMonitorHandler(sink, proctorService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())

	violationWorker := worker.NewViolationWorker(worker.NewRedisQueue(rdb), violationRepo, metrics, cfg.ViolationBatchSize, log)
	workerDone := make(chan struct{})
	go func() {
		violationWorker.Start(workerCtx)
		close(workerDone)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	limiter := middleware.NewRateLimiter(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst)
	r := router.SetupRouter(router.Deps{
		Auth:     authService,
		Limiter:  limiter,
		Registry: registry,
		Log:      logger.Component(log, "http"),
	}, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Tear down live proctoring sessions. Hijacked WebSocket
	// connections are not tracked by Shutdown.
	proctorService.Close()

	// 3. Stop the violation worker and wait for its final flush.
	workerCancel()
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Violation worker did not stop in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
