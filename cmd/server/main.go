package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HanTheDev/tryon-gateway/internal/admin"
	"github.com/HanTheDev/tryon-gateway/internal/api"
	"github.com/HanTheDev/tryon-gateway/internal/auth"
	"github.com/HanTheDev/tryon-gateway/internal/cache"
	"github.com/HanTheDev/tryon-gateway/internal/config"
	"github.com/HanTheDev/tryon-gateway/internal/db"
	"github.com/HanTheDev/tryon-gateway/internal/generation"
	"github.com/HanTheDev/tryon-gateway/internal/logger"
	"github.com/HanTheDev/tryon-gateway/internal/metrics"
	"github.com/HanTheDev/tryon-gateway/internal/origin"
	"github.com/HanTheDev/tryon-gateway/internal/provider"
	"github.com/HanTheDev/tryon-gateway/internal/queue"
	"github.com/HanTheDev/tryon-gateway/internal/quota"
	"github.com/HanTheDev/tryon-gateway/internal/ratelimit"
	"github.com/HanTheDev/tryon-gateway/internal/worker"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "server:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()

	health := map[string]api.PingFunc{"postgres": database.Ping}

	var rdb *redis.Client
	if usesRedis(cfg) {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			// Limiter fails open and cache lookups miss until Redis is back.
			log.Warn("redis unreachable at startup", zap.Error(err))
		}
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var limiterStore ratelimit.Store = ratelimit.NewPostgresStore(database)
	if cfg.RateLimitBackend == config.BackendRedis {
		limiterStore = ratelimit.NewRedisStore(rdb)
	}
	var cacheStore cache.Store = cache.NewPostgresStore(database)
	if cfg.CacheBackend == config.BackendRedis {
		cacheStore = cache.NewRedisStore(rdb)
	}

	fal, err := provider.NewFALClient(cfg.Provider, log.Named("fal"))
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if cfg.Provider.APIKey == "" {
		log.Warn("FAL_KEY is not set; provider calls will be rejected upstream")
	}

	deps := generation.Deps{
		Auth:     auth.NewAuthenticator(database, log.Named("auth")),
		Origins:  origin.NewGuard(database, log.Named("origin")),
		Limiter:  ratelimit.NewRateLimiter(limiterStore, log.Named("ratelimit")),
		Quota:    quota.NewGuard(database),
		Cache:    cache.New(cacheStore, cfg.CacheTTL, log.Named("cache")),
		Repo:     database,
		Metrics:  metrics.NewRecorder(database, log.Named("metrics")),
		Provider: provider.NewBreaker(fal, provider.BreakerSettings{}, log.Named("breaker")),
	}
	if cfg.AdmissionMode == config.ModeQueued {
		deps.Queue = queue.NewRedisQueue(rdb)
	}

	svc, err := generation.NewService(deps, generation.OptionsFromConfig(cfg), log.Named("generation"))
	if err != nil {
		return err
	}

	sweeper := worker.NewSweeper(database, cfg.RetentionDays, cfg.SweepInterval, cfg.StaleAfter, log.Named("sweeper"))

	router := mux.NewRouter()
	api.NewHandler(svc, cfg.Provider.Debug, health, log.Named("http")).RegisterRoutes(router)
	admin.NewAdminHandler(database, sweeper, cfg.DefaultTenantLimit, log.Named("admin")).
		RegisterRoutes(router, auth.NewMiddleware(cfg.JWTSecret, log.Named("admin")).Authenticate)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		// Sync generations hold the connection for the provider call.
		WriteTimeout: cfg.Provider.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting",
			zap.String("addr", srv.Addr),
			zap.String("mode", cfg.AdmissionMode),
			zap.String("rate_limit_backend", cfg.RateLimitBackend),
			zap.String("cache_backend", cfg.CacheBackend),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		sweeper.Start(gctx)
		return nil
	})

	if cfg.AdmissionMode == config.ModeQueued {
		g.Go(func() error {
			return svc.RunWorkers(gctx, cfg.QueueWorkers)
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func usesRedis(cfg *config.Config) bool {
	return cfg.RateLimitBackend == config.BackendRedis ||
		cfg.CacheBackend == config.BackendRedis ||
		cfg.AdmissionMode == config.ModeQueued
}
