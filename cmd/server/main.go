// Package main is the entry point for the stockpile API server.
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

	"github.com/redis/go-redis/v9"

	"stockpile/internal/config"
	"stockpile/internal/domain/product"
	v1 "stockpile/internal/infrastructure/http/v1"
	"stockpile/internal/infrastructure/http/v1/handlers"
	"stockpile/internal/infrastructure/messaging/rabbitmq"
	"stockpile/internal/infrastructure/storage/postgres"
	"stockpile/internal/infrastructure/storage/postgres/product_repo"
	"stockpile/internal/ratelimit"
	"stockpile/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.RequireDatabase(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.LogLevel,
		Development: cfg.Development(),
	})
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logger.WithLogger(ctx, log)

	log.Info("starting stockpile server")

	// --- Database ---
	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalw("failed to apply schema", "error", err)
	}
	log.Info("database ready")

	txManager := postgres.NewTxManager(pool)

	// --- Products ---
	mode, err := product.ParseNotifyMode(cfg.NotifyMode)
	if err != nil {
		log.Fatalw("invalid NOTIFY_MODE", "error", err)
	}

	svcCfg := product.ServiceConfig{
		Repo:      product_repo.NewProductRepo(txManager),
		TxManager: txManager,
		Mode:      mode,
		Logger:    log,
	}

	// The API only talks to the broker in direct mode; the outbox worker owns it otherwise.
	var broker handlers.BrokerStatus
	if mode == product.NotifyOutbox {
		svcCfg.Recorder = postgres.NewOutboxWriter(txManager)
	} else {
		publisher, err := rabbitmq.NewPublisher(rabbitmq.PublisherConfig{
			URL:               cfg.RabbitMQURL,
			Queue:             cfg.Queue,
			PublishTimeout:    cfg.PublishTimeout,
			CompressThreshold: cfg.CompressThreshold,
		}, rabbitmq.WithPublisherLogger(log))
		if err != nil {
			log.Fatalw("failed to create publisher", "error", err)
		}
		defer func() {
			if err := publisher.Shutdown(); err != nil {
				log.Warnw("publisher shutdown", "error", err)
			}
		}()
		svcCfg.Notifier = publisher
		broker = publisher
	}

	productService, err := product.NewService(svcCfg)
	if err != nil {
		log.Fatalw("failed to create product service", "error", err)
	}

	// --- Rate limiting ---
	limiter := ratelimit.New(ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		MaxAttempts: cfg.RateLimit.MaxAttempts,
		SweepEvery:  cfg.RateLimit.SweepEvery,
	})
	limiter.StartJanitor(ctx, func(removed int) {
		if removed > 0 {
			log.Debugw("rate-limit records swept", "removed", removed, "tracked", limiter.Len())
		}
	})

	statsCfg := cfg.RateLimit.Stats
	var stats ratelimit.StatsStore = ratelimit.NewMemoryStatsStore(
		ratelimit.WithTrackIdentities(statsCfg.TrackIdentities),
	)
	if statsCfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     statsCfg.RedisAddr,
			Password: statsCfg.RedisPassword,
			DB:       statsCfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warnw("redis stats store unreachable, recording best-effort", "addr", statsCfg.RedisAddr, "error", err)
		}
		stats = ratelimit.NewRedisStatsStore(rdb,
			ratelimit.WithStatsPrefix(statsCfg.Prefix),
			ratelimit.WithStatsTTL(statsCfg.TTL),
			ratelimit.WithStatsTrackIdentities(statsCfg.TrackIdentities),
		)
	}

	log.Infow("rate limiting enabled",
		"window", cfg.RateLimit.Window,
		"max_attempts", cfg.RateLimit.MaxAttempts,
		"throttle_reads", cfg.RateLimit.Reads,
		"stats_redis", statsCfg.RedisAddr != "",
	)

	// --- Router ---
	router := v1.NewRouter(v1.RouterConfig{
		Logger:        log,
		Products:      productService,
		Limiter:       limiter,
		Stats:         stats,
		KeyFunc:       ratelimit.DefaultKeyFunc(cfg.RateLimit.KeyHeader, cfg.RateLimit.TrustXFF),
		ThrottleReads: cfg.RateLimit.Reads,
		DB:            pool,
		Broker:        broker,
		Info: func() map[string]any {
			return map[string]any{
				"notify_mode":        string(mode),
				"queue":              cfg.Queue,
				"rate_limit_tracked": limiter.Len(),
				"database":           pool.Stats(),
			}
		},
	})

	// --- HTTP Server ---
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Infow("server starting", "port", cfg.Port, "notify_mode", mode)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalw("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorw("server forced to shutdown", "error", err)
	}

	log.Info("server stopped")
}
