// Package event defines the notifications emitted after a product mutation commits.
package event

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"stockpile/internal/core/id"
)

// Kind identifies what happened to the product.
type Kind string

const (
	KindCreated Kind = "created"
	KindUpdated Kind = "updated"
	KindDeleted Kind = "deleted"
)

// AggregateType is the outbox aggregate name for product events.
const AggregateType = "product"

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindCreated, KindUpdated, KindDeleted:
		return true
	}
	return false
}

// EventType returns the outbox event type, e.g. "product.created".
func (k Kind) EventType() string {
	return AggregateType + "." + string(k)
}

// Publish failures. Transports wrap one of these so callers can tell whether
// the broker was never reached or the send itself failed.
var (
	ErrConnect = errors.New("broker connection failed")
	ErrSend    = errors.New("event send failed")
)

// Snapshot is the product state carried by an event.
type Snapshot struct {
	ID       id.ID               `json:"id"`
	Name     string              `json:"name"`
	Quantity int                 `json:"quantity"`
	Details  *string             `json:"details,omitempty"`
	Price    decimal.NullDecimal `json:"price"`
	Version  int                 `json:"version"`
}

// Event describes one completed mutation. Values are immutable once built.
type Event struct {
	ID         id.ID     `json:"id"`
	Kind       Kind      `json:"kind"`
	ProductID  id.ID     `json:"productId"`
	Payload    Snapshot  `json:"payload"`
	OccurredAt time.Time `json:"occurredAt"`
}

// New builds an event for a committed mutation.
func New(kind Kind, snapshot Snapshot) Event {
	return Event{
		ID:         id.New(),
		Kind:       kind,
		ProductID:  snapshot.ID,
		Payload:    snapshot,
		OccurredAt: time.Now().UTC(),
	}
}

// Marshal encodes the event as the JSON message body.
func (e Event) Marshal() ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	return body, nil
}

// Decode parses a message body produced by Marshal.
func Decode(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if !e.Kind.Valid() {
		return Event{}, fmt.Errorf("decode event: unknown kind %q", e.Kind)
	}
	return e, nil
}

// Notifier delivers an event to the broker after the mutation has committed.
// One call is one delivery attempt.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Recorder stores an event durably in the same transaction as the mutation
// (transactional outbox). A separate relay delivers it later.
type Recorder interface {
	Record(ctx context.Context, e Event) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, e Event) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, e Event) error {
	return f(ctx, e)
}
