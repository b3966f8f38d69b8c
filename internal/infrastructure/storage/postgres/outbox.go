package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"

	"stockpile/internal/core/id"
	"stockpile/internal/domain/event"
)

const outboxTable = "sys_outbox"

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// OutboxMessage is a row of sys_outbox.
type OutboxMessage struct {
	ID            id.ID        `db:"id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   id.ID        `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	LastError     *string      `db:"last_error"`
	NextRetryAt   *time.Time   `db:"next_retry_at"`
	CreatedAt     time.Time    `db:"created_at"`
	PublishedAt   *time.Time   `db:"published_at"`
}

var outboxColumns = ExtractDBColumns[OutboxMessage]()

// RetryUpdate records a failed delivery attempt.
type RetryUpdate struct {
	ID          id.ID
	LastError   string
	NextRetryAt time.Time
	Failed      bool
}

func builder() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

// newOutboxMessage converts an event into a pending row.
func newOutboxMessage(e event.Event) (*OutboxMessage, error) {
	payload, err := e.Marshal()
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		ID:            e.ID,
		AggregateType: event.AggregateType,
		AggregateID:   e.ProductID,
		EventType:     e.Kind.EventType(),
		Payload:       payload,
		Status:        OutboxStatusPending,
		CreatedAt:     e.OccurredAt,
	}, nil
}

func insertOutboxQuery(msg *OutboxMessage) squirrel.InsertBuilder {
	return builder().
		Insert(outboxTable).
		Columns("id", "aggregate_type", "aggregate_id", "event_type", "payload", "status", "created_at").
		Values(msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, msg.Status, msg.CreatedAt)
}

func fetchPendingQuery(limit int, now time.Time) squirrel.SelectBuilder {
	return builder().
		Select(outboxColumns...).
		From(outboxTable).
		Where(squirrel.Eq{"status": OutboxStatusPending}).
		Where(squirrel.Or{
			squirrel.Eq{"next_retry_at": nil},
			squirrel.LtOrEq{"next_retry_at": now},
		}).
		OrderBy("created_at").
		Limit(uint64(limit)).
		Suffix("FOR UPDATE SKIP LOCKED")
}

func retryUpdateQuery(u RetryUpdate) squirrel.UpdateBuilder {
	q := builder().
		Update(outboxTable).
		Set("retry_count", squirrel.Expr("retry_count + 1")).
		Set("last_error", u.LastError).
		Set("next_retry_at", u.NextRetryAt).
		Where(squirrel.Eq{"id": u.ID})
	if u.Failed {
		q = q.Set("status", OutboxStatusFailed)
	}
	return q
}

// OutboxWriter records events in the transaction of the mutation that produced them.
type OutboxWriter struct {
	txManager *TxManager
}

var _ event.Recorder = (*OutboxWriter)(nil)

// NewOutboxWriter creates an outbox writer.
func NewOutboxWriter(txManager *TxManager) *OutboxWriter {
	return &OutboxWriter{txManager: txManager}
}

// Record inserts e as a pending message. It must run inside a transaction.
func (w *OutboxWriter) Record(ctx context.Context, e event.Event) error {
	if w.txManager.GetTx(ctx) == nil {
		return errors.New("outbox record requires a transaction")
	}

	msg, err := newOutboxMessage(e)
	if err != nil {
		return err
	}

	sql, args, err := insertOutboxQuery(msg).ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}
	if _, err := w.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

// OutboxRepo reads and updates outbox rows for the relay.
type OutboxRepo struct {
	txManager *TxManager
	batch     *BatchExecutor
}

// NewOutboxRepo creates an outbox repository.
func NewOutboxRepo(txManager *TxManager) *OutboxRepo {
	return &OutboxRepo{txManager: txManager, batch: NewBatchExecutor(txManager)}
}

// FetchPending locks up to limit due messages, skipping rows locked by other relays.
func (r *OutboxRepo) FetchPending(ctx context.Context, limit int) ([]*OutboxMessage, error) {
	sql, args, err := fetchPendingQuery(limit, time.Now().UTC()).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox fetch: %w", err)
	}

	var msgs []*OutboxMessage
	if err := pgxscan.Select(ctx, r.txManager.GetQuerier(ctx), &msgs, sql, args...); err != nil {
		return nil, fmt.Errorf("fetch outbox messages: %w", err)
	}
	return msgs, nil
}

// MarkPublished flags ids as delivered.
func (r *OutboxRepo) MarkPublished(ctx context.Context, ids []id.ID, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}

	raw := make([]string, len(ids))
	for i, v := range ids {
		raw[i] = v.String()
	}

	sql, args, err := builder().
		Update(outboxTable).
		Set("status", OutboxStatusPublished).
		Set("published_at", at).
		Where(squirrel.Expr("id = ANY(?::uuid[])", raw)).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox publish update: %w", err)
	}
	if _, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("mark outbox published: %w", err)
	}
	return nil
}

// MarkRetries records failed attempts in one round trip.
func (r *OutboxRepo) MarkRetries(ctx context.Context, updates []RetryUpdate) error {
	queries := make([]BatchQuery, 0, len(updates))
	for _, u := range updates {
		sql, args, err := retryUpdateQuery(u).ToSql()
		if err != nil {
			return fmt.Errorf("build outbox retry update: %w", err)
		}
		queries = append(queries, BatchQuery{SQL: sql, Args: args})
	}
	if err := r.batch.ExecuteBatch(ctx, queries); err != nil {
		return fmt.Errorf("mark outbox retries: %w", err)
	}
	return nil
}

// DeletePublished removes delivered rows older than before.
func (r *OutboxRepo) DeletePublished(ctx context.Context, before time.Time) (int64, error) {
	sql, args, err := builder().
		Delete(outboxTable).
		Where(squirrel.Eq{"status": OutboxStatusPublished}).
		Where(squirrel.Lt{"published_at": before}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox cleanup: %w", err)
	}

	tag, err := r.txManager.GetQuerier(ctx).Exec(ctx, sql, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
