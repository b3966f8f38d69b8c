package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	amqp "github.com/rabbitmq/amqp091-go"

	"stockpile/internal/domain/event"
	"stockpile/pkg/logger"
)

// ErrDeliveriesClosed is returned by Run when the broker stops delivering.
var ErrDeliveriesClosed = errors.New("delivery channel closed")

// Handler processes one decoded event.
type Handler interface {
	Handle(ctx context.Context, e event.Event) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e event.Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, e event.Event) error {
	return f(ctx, e)
}

// LogHandler logs every event it receives.
func LogHandler(log *logger.Logger) Handler {
	return HandlerFunc(func(ctx context.Context, e event.Event) error {
		log.WithContext(ctx).Infow("product event received",
			"event_id", e.ID,
			"kind", e.Kind,
			"product_id", e.ProductID,
			"name", e.Payload.Name,
			"quantity", e.Payload.Quantity,
		)
		return nil
	})
}

// ConsumerConfig configures the queue consumer.
type ConsumerConfig struct {
	URL      string
	Queue    string
	Prefetch int
	Tag      string

	DialTimeout time.Duration
}

// Consumer drains a queue and hands each event to a Handler.
// Every delivery is acknowledged once the handler returns, whatever it returned.
type Consumer struct {
	cfg     ConsumerConfig
	dialer  Dialer
	handler Handler
	log     *logger.Logger
	decoder *zstd.Decoder

	mu         sync.Mutex
	conn       Connection
	ch         Channel
	deliveries <-chan amqp.Delivery
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithConsumerDialer replaces the network dialer.
func WithConsumerDialer(d Dialer) ConsumerOption {
	return func(c *Consumer) { c.dialer = d }
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(l *logger.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = l }
}

// NewConsumer creates a consumer. It does not connect.
func NewConsumer(cfg ConsumerConfig, handler Handler, opts ...ConsumerOption) (*Consumer, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, errors.New("consumer: url and queue are required")
	}
	if handler == nil {
		return nil, errors.New("consumer: handler is required")
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 10
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("consumer: create zstd decoder: %w", err)
	}

	c := &Consumer{
		cfg:     cfg,
		handler: handler,
		log:     logger.Default(),
		decoder: dec,
	}
	c.dialer = NetDialer{Timeout: cfg.DialTimeout}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("consumer")
	return c, nil
}

// Start connects, declares the queue and subscribes with manual acknowledgement.
// Failures wrap event.ErrConnect.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", event.ErrConnect, redactURL(c.cfg.URL), err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: open channel: %w", event.ErrConnect, err)
	}

	fail := func(err error) error {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("%w: %w", event.ErrConnect, err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("set qos: %w", err))
	}
	if err := declareQueue(ch, c.cfg.Queue); err != nil {
		return fail(err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume %q: %w", c.cfg.Queue, err))
	}

	c.conn, c.ch, c.deliveries = conn, ch, deliveries
	c.log.WithContext(ctx).Infow("waiting for messages", "queue", c.cfg.Queue, "prefetch", c.cfg.Prefetch)
	return nil
}

// Run processes deliveries until ctx is done or the broker closes the stream.
func (c *Consumer) Run(ctx context.Context) error {
	c.mu.Lock()
	deliveries := c.deliveries
	c.mu.Unlock()
	if deliveries == nil {
		return errors.New("consumer: Run called before Start")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}
			c.process(ctx, d)
		}
	}
}

// Close closes the channel and connection.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.ch != nil {
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	c.ch, c.conn, c.deliveries = nil, nil, nil
	c.decoder.Close()
	return errors.Join(errs...)
}

func (c *Consumer) process(ctx context.Context, d amqp.Delivery) {
	log := c.log.WithContext(ctx)

	body, err := c.decode(d)
	if err != nil {
		log.Errorw("undecodable message", "message_id", d.MessageId, "error", err)
	} else {
		log.Debugw("message received", "message_id", d.MessageId, "body", string(body))

		e, err := event.Decode(body)
		if err != nil {
			log.Errorw("invalid event", "message_id", d.MessageId, "error", err)
		} else if err := c.handler.Handle(ctx, e); err != nil {
			log.Errorw("handler failed", "event_id", e.ID, "kind", e.Kind, "error", err)
		}
	}

	if err := d.Ack(false); err != nil {
		log.Errorw("ack failed", "delivery_tag", d.DeliveryTag, "error", err)
	}
}

func (c *Consumer) decode(d amqp.Delivery) ([]byte, error) {
	switch d.ContentEncoding {
	case "", "identity":
		return d.Body, nil
	case encodingZstd:
		return c.decoder.DecodeAll(d.Body, nil)
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", d.ContentEncoding)
	}
}
