// Package rabbitmq carries product events over RabbitMQ: a publisher used after
// committed mutations and a consumer that drains the queue.
package rabbitmq

import (
	"context"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDialTimeout = 5 * time.Second

	contentTypeJSON = "application/json"
	encodingZstd    = "zstd"
)

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Connection is the subset of *amqp.Connection used here.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// Dialer opens broker connections.
type Dialer interface {
	Dial(ctx context.Context, url string) (Connection, error)
}

// NetDialer dials a real broker with amqp091-go.
type NetDialer struct {
	// Timeout bounds the TCP connect and AMQP handshake.
	Timeout time.Duration
}

// Dial implements Dialer. A context deadline shorter than Timeout wins.
func (d NetDialer) Dial(ctx context.Context, rawURL string) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	conn, err := amqp.DialConfig(rawURL, amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.Table{"connection_name": "stockpile"},
	})
	if err != nil {
		return nil, err
	}
	return &netConnection{conn: conn}, nil
}

type netConnection struct {
	conn *amqp.Connection
}

func (c *netConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *netConnection) IsClosed() bool { return c.conn.IsClosed() }

func (c *netConnection) Close() error { return c.conn.Close() }

// redactURL hides credentials before a broker URL reaches logs or errors.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

// declareQueue declares a durable queue. Repeating the call with the same
// arguments leaves the broker state unchanged.
func declareQueue(ch Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %q: %w", name, err)
	}
	return nil
}
