package postgres

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"stockpile/internal/core/id"
	"stockpile/internal/core/tx"
	"stockpile/internal/domain/event"
	"stockpile/pkg/logger"
)

// OutboxStore is the storage the relay drains.
type OutboxStore interface {
	FetchPending(ctx context.Context, limit int) ([]*OutboxMessage, error)
	MarkPublished(ctx context.Context, ids []id.ID, at time.Time) error
	MarkRetries(ctx context.Context, updates []RetryUpdate) error
	DeletePublished(ctx context.Context, before time.Time) (int64, error)
}

var _ OutboxStore = (*OutboxRepo)(nil)

// RelayConfig configures an OutboxRelay.
type RelayConfig struct {
	BatchSize int

	// MaxRetries is the number of failed attempts after which a message is
	// marked failed and no longer picked up.
	MaxRetries int

	// RetryBackoff is multiplied by the attempt number.
	RetryBackoff time.Duration

	// PublishRPS caps publishes per second (zero means unlimited).
	PublishRPS float64
}

// DefaultRelayConfig returns the worker defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:    100,
		MaxRetries:   5,
		RetryBackoff: time.Minute,
		PublishRPS:   50,
	}
}

// OutboxRelay publishes pending outbox messages. Rows are locked for the
// duration of a batch so concurrent relays never send the same message.
type OutboxRelay struct {
	store     OutboxStore
	txManager tx.Manager
	notifier  event.Notifier
	limiter   *rate.Limiter
	cfg       RelayConfig
	log       *logger.Logger
	now       func() time.Time
}

// NewOutboxRelay creates a relay.
func NewOutboxRelay(store OutboxStore, txManager tx.Manager, notifier event.Notifier, cfg RelayConfig, log *logger.Logger) *OutboxRelay {
	def := DefaultRelayConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}

	limit := rate.Inf
	if cfg.PublishRPS > 0 {
		limit = rate.Limit(cfg.PublishRPS)
	}
	burst := int(cfg.PublishRPS)
	if burst < 1 {
		burst = 1
	}

	if log == nil {
		log = logger.Default()
	}

	return &OutboxRelay{
		store:     store,
		txManager: txManager,
		notifier:  notifier,
		limiter:   rate.NewLimiter(limit, burst),
		cfg:       cfg,
		log:       log.WithComponent("outbox-relay"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// BatchSize returns the effective batch size.
func (r *OutboxRelay) BatchSize() int {
	return r.cfg.BatchSize
}

// ProcessBatch delivers one batch and returns how many messages were published.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	published := 0

	err := r.txManager.RunInTransaction(ctx, func(ctx context.Context) error {
		msgs, err := r.store.FetchPending(ctx, r.cfg.BatchSize)
		if err != nil {
			return err
		}

		var (
			sent    []id.ID
			retries []RetryUpdate
		)
		for _, msg := range msgs {
			if err := r.limiter.Wait(ctx); err != nil {
				// Leave the rest pending; what was sent is still recorded below.
				break
			}
			if err := r.deliver(ctx, msg); err != nil {
				retries = append(retries, r.retryFor(msg, err))
				continue
			}
			sent = append(sent, msg.ID)
		}

		if err := r.store.MarkPublished(ctx, sent, r.now()); err != nil {
			return err
		}
		if err := r.store.MarkRetries(ctx, retries); err != nil {
			return err
		}
		published = len(sent)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("process outbox batch: %w", err)
	}
	return published, nil
}

// Cleanup deletes published messages older than olderThan.
func (r *OutboxRelay) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	return r.store.DeletePublished(ctx, r.now().Add(-olderThan))
}

func (r *OutboxRelay) deliver(ctx context.Context, msg *OutboxMessage) error {
	e, err := event.Decode(msg.Payload)
	if err != nil {
		return err
	}
	return r.notifier.Notify(ctx, e)
}

func (r *OutboxRelay) retryFor(msg *OutboxMessage, err error) RetryUpdate {
	attempt := msg.RetryCount + 1
	u := RetryUpdate{
		ID:          msg.ID,
		LastError:   err.Error(),
		NextRetryAt: r.now().Add(time.Duration(attempt) * r.cfg.RetryBackoff),
		Failed:      attempt >= r.cfg.MaxRetries,
	}

	log := r.log.With("message_id", msg.ID, "event_type", msg.EventType, "attempt", attempt, "error", err)
	if u.Failed {
		log.Errorw("outbox message failed permanently")
	} else {
		log.Warnw("outbox message delivery failed", "next_retry_at", u.NextRetryAt)
	}
	return u
}
