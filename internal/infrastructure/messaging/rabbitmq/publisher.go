package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"stockpile/internal/domain/event"
	"stockpile/pkg/logger"
)

var tracer = otel.Tracer("stockpile/rabbitmq")

// Compile-time check that Publisher implements event.Notifier.
var _ event.Notifier = (*Publisher)(nil)

// PublisherConfig configures the event publisher.
type PublisherConfig struct {
	URL   string
	Queue string

	// PublishTimeout bounds one Notify call, connect included (default 5s).
	PublishTimeout time.Duration

	// DialTimeout bounds the broker handshake (default 5s).
	DialTimeout time.Duration

	// CompressThreshold enables zstd for bodies of at least this many bytes.
	// Zero disables compression.
	CompressThreshold int
}

// Session is an open connection plus channel with the destination declared.
type Session struct {
	conn     Connection
	ch       Channel
	closed   chan *amqp.Error
	declared map[string]struct{}
}

// alive reports whether neither side has closed the session.
func (s *Session) alive() bool {
	if s == nil || s.conn.IsClosed() {
		return false
	}
	select {
	case <-s.closed:
		return false
	default:
		return true
	}
}

// Publisher sends events to a RabbitMQ queue.
//
// It keeps one session, opened on first use and dropped after any failure, so
// the next call reconnects. Each Notify makes at most one connect attempt and
// one publish attempt. Publishes are serialized because an AMQP channel is not
// safe for concurrent use.
type Publisher struct {
	cfg     PublisherConfig
	dialer  Dialer
	log     *logger.Logger
	encoder *zstd.Encoder

	mu      sync.Mutex
	session *Session
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithDialer replaces the network dialer.
func WithDialer(d Dialer) PublisherOption {
	return func(p *Publisher) { p.dialer = d }
}

// WithPublisherLogger sets the logger.
func WithPublisherLogger(l *logger.Logger) PublisherOption {
	return func(p *Publisher) { p.log = l }
}

// NewPublisher creates a publisher. It does not connect.
func NewPublisher(cfg PublisherConfig, opts ...PublisherOption) (*Publisher, error) {
	if cfg.URL == "" || cfg.Queue == "" {
		return nil, errors.New("publisher: url and queue are required")
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}

	p := &Publisher{
		cfg:    cfg,
		dialer: NetDialer{Timeout: cfg.DialTimeout},
		log:    logger.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.WithComponent("publisher")

	if cfg.CompressThreshold > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("publisher: create zstd encoder: %w", err)
		}
		p.encoder = enc
	}
	return p, nil
}

// Connect opens a session and declares the configured queue.
// Failures wrap event.ErrConnect.
func (p *Publisher) Connect(ctx context.Context) (*Session, error) {
	conn, err := p.dialer.Dial(ctx, p.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", event.ErrConnect, redactURL(p.cfg.URL), err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: open channel: %w", event.ErrConnect, err)
	}

	if err := declareQueue(ch, p.cfg.Queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %w", event.ErrConnect, err)
	}

	return &Session{
		conn:     conn,
		ch:       ch,
		closed:   ch.NotifyClose(make(chan *amqp.Error, 1)),
		declared: map[string]struct{}{p.cfg.Queue: {}},
	}, nil
}

// Publish sends one JSON payload to destination through s, without publisher
// confirms. Failures wrap event.ErrSend.
func (p *Publisher) Publish(ctx context.Context, s *Session, destination string, payload []byte) error {
	return p.send(ctx, s, destination, amqp.Publishing{Body: payload})
}

// Close releases a session. Closing a nil session is a no-op.
func (p *Publisher) Close(s *Session) error {
	if s == nil {
		return nil
	}
	chErr := s.ch.Close()
	connErr := s.conn.Close()
	if errors.Is(chErr, amqp.ErrClosed) {
		chErr = nil
	}
	if errors.Is(connErr, amqp.ErrClosed) {
		connErr = nil
	}
	return errors.Join(chErr, connErr)
}

// Notify publishes e to the configured queue with a single attempt.
func (p *Publisher) Notify(ctx context.Context, e event.Event) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "rabbitmq.publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", p.cfg.Queue),
			attribute.String("messaging.message.id", e.ID.String()),
			attribute.String("event.kind", string(e.Kind)),
		))
	defer span.End()

	body, err := e.Marshal()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "marshal")
		return fmt.Errorf("%w: %w", event.ErrSend, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.sessionLocked(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "connect")
		return err
	}

	err = p.send(ctx, s, p.cfg.Queue, amqp.Publishing{
		MessageId: e.ID.String(),
		Type:      e.Kind.EventType(),
		Timestamp: e.OccurredAt,
		Body:      body,
	})
	if err != nil {
		p.dropLocked()
		span.RecordError(err)
		span.SetStatus(codes.Error, "send")
		return err
	}
	return nil
}

// Connected reports whether a live session is held.
func (p *Publisher) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session.alive()
}

// Shutdown closes the held session.
func (p *Publisher) Shutdown() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.session
	p.session = nil
	if p.encoder != nil {
		_ = p.encoder.Close()
	}
	return p.Close(s)
}

func (p *Publisher) sessionLocked(ctx context.Context) (*Session, error) {
	if p.session.alive() {
		return p.session, nil
	}
	p.dropLocked()

	s, err := p.Connect(ctx)
	if err != nil {
		p.log.WithContext(ctx).Warnw("broker connect failed", "url", redactURL(p.cfg.URL), "error", err)
		return nil, err
	}
	p.session = s
	p.log.WithContext(ctx).Infow("broker session opened", "queue", p.cfg.Queue)
	return s, nil
}

func (p *Publisher) dropLocked() {
	if p.session == nil {
		return
	}
	if err := p.Close(p.session); err != nil {
		p.log.Debugw("close broken session", "error", err)
	}
	p.session = nil
}

func (p *Publisher) send(ctx context.Context, s *Session, destination string, msg amqp.Publishing) error {
	if s == nil {
		return fmt.Errorf("%w: no session", event.ErrSend)
	}

	if _, ok := s.declared[destination]; !ok {
		if err := declareQueue(s.ch, destination); err != nil {
			return fmt.Errorf("%w: %w", event.ErrSend, err)
		}
		s.declared[destination] = struct{}{}
	}

	msg.ContentType = contentTypeJSON
	msg.DeliveryMode = amqp.Persistent
	if p.encoder != nil && len(msg.Body) >= p.cfg.CompressThreshold {
		msg.Body = p.encoder.EncodeAll(msg.Body, make([]byte, 0, len(msg.Body)))
		msg.ContentEncoding = encodingZstd
	}

	if err := s.ch.PublishWithContext(ctx, "", destination, false, false, msg); err != nil {
		return fmt.Errorf("%w: publish to %q: %w", event.ErrSend, destination, err)
	}
	return nil
}
