// Package main is the entry point for the stockpile outbox worker.
// It relays product events recorded in NOTIFY_MODE=outbox to RabbitMQ.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"stockpile/internal/config"
	"stockpile/internal/infrastructure/messaging/rabbitmq"
	"stockpile/internal/infrastructure/storage/postgres"
	"stockpile/pkg/logger"
)

// publishedRetention is how long delivered outbox rows are kept.
const publishedRetention = 24 * time.Hour

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

	log.Info("starting stockpile outbox worker")

	pool, err := postgres.NewPool(ctx, postgres.DefaultPoolConfig(cfg.DatabaseURL))
	if err != nil {
		log.Fatalw("failed to connect to database", "error", err)
	}
	defer pool.Close()

	if err := postgres.Migrate(ctx, pool); err != nil {
		log.Fatalw("failed to apply schema", "error", err)
	}

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

	txManager := postgres.NewTxManager(pool)

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.BatchSize = cfg.OutboxBatchSize
	relayCfg.PublishRPS = cfg.OutboxPublishRPS

	relay := postgres.NewOutboxRelay(postgres.NewOutboxRepo(txManager), txManager, publisher, relayCfg, log)
	worker := NewOutboxWorker(relay, cfg.OutboxPollInterval, log)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down worker...")
	cancel()

	wg.Wait()
	log.Info("worker stopped")
}

// OutboxWorker drives an OutboxRelay on a fixed poll interval.
type OutboxWorker struct {
	relay        *postgres.OutboxRelay
	pollInterval time.Duration
	log          *logger.Logger
}

// NewOutboxWorker creates a worker. A non-positive pollInterval falls back to 500ms.
func NewOutboxWorker(relay *postgres.OutboxRelay, pollInterval time.Duration, log *logger.Logger) *OutboxWorker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &OutboxWorker{
		relay:        relay,
		pollInterval: pollInterval,
		log:          log.WithComponent("outbox-worker"),
	}
}

// Run polls until ctx is cancelled. A full batch is followed immediately by
// another poll so a backlog drains without waiting for the ticker.
func (w *OutboxWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(1 * time.Hour)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		case <-cleanupTicker.C:
			w.cleanup(ctx)
		}
	}
}

func (w *OutboxWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		n, err := w.relay.ProcessBatch(ctx)
		if err != nil {
			w.log.Errorw("outbox batch failed", "error", err)
			return
		}
		if n == 0 {
			return
		}
		w.log.Debugw("processed outbox batch", "count", n)
		if n < w.relay.BatchSize() {
			return
		}
	}
}

func (w *OutboxWorker) cleanup(ctx context.Context) {
	removed, err := w.relay.Cleanup(ctx, publishedRetention)
	if err != nil {
		w.log.Warnw("outbox cleanup failed", "error", err)
		return
	}
	if removed > 0 {
		w.log.Infow("cleaned up published outbox messages", "count", removed)
	}
}
