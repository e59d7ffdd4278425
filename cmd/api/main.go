package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"mindwell/backend/internal/config"
	"mindwell/backend/internal/db"
	"mindwell/backend/internal/logging"
	"mindwell/backend/internal/server"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connect failed")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("database ping failed")
	}
	if err := server.ValidateRuntimeSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("database schema mismatch")
	}

	// Redis is optional; without it the mood-trends endpoint just skips
	// caching.
	var cache *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		cache = redis.NewClient(opts)
		if err := cache.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, continuing without cache")
			cache = nil
		}
	}

	ai := server.NewOllamaClient(cfg)
	app := server.New(cfg, pool, ai, cache, logger)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	app.StartWorkers(workerCtx)

	scheduler, err := app.NewDailyCron(workerCtx)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid DAILY_CRON spec")
	}
	scheduler.Start()

	httpServer := &http.Server{
		Addr:              ":" + cfg.AppPort,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.AppPort).Msg("mindwell api listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()
	app.StopWorkers()
}
