// Package main is the entry point for the stockpile event consumer.
// It drains the product events queue and logs every event.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"stockpile/internal/config"
	"stockpile/internal/infrastructure/messaging/rabbitmq"
	"stockpile/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer, err := rabbitmq.NewConsumer(rabbitmq.ConsumerConfig{
		URL:      cfg.RabbitMQURL,
		Queue:    cfg.Queue,
		Prefetch: cfg.Prefetch,
		Tag:      "stockpile-consumer",
	}, rabbitmq.LogHandler(log), rabbitmq.WithConsumerLogger(log))
	if err != nil {
		log.Fatalw("failed to create consumer", "error", err)
	}

	if err := consumer.Start(ctx); err != nil {
		log.Fatalw("failed to start consumer", "queue", cfg.Queue, "error", err)
	}
	log.Infow("consuming product events", "queue", cfg.Queue, "prefetch", cfg.Prefetch)

	err = consumer.Run(ctx)
	if closeErr := consumer.Close(); closeErr != nil {
		log.Warnw("consumer close", "error", closeErr)
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Info("consumer stopped")
	case errors.Is(err, rabbitmq.ErrDeliveriesClosed):
		log.Errorw("broker closed the delivery channel", "error", err)
		os.Exit(1)
	default:
		log.Errorw("consumer failed", "error", err)
		os.Exit(1)
	}
}
