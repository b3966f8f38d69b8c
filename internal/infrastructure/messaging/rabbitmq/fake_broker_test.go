package rabbitmq

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker is an in-process stand-in for RabbitMQ.
type fakeBroker struct {
	mu sync.Mutex

	queues   map[string][]amqp.Publishing
	declares int
	dials    int

	dialErr    error
	declareErr error
	publishErr error

	deliveries chan amqp.Delivery
	acks       []uint64
	channels   []*fakeChannel
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		queues:     make(map[string][]amqp.Publishing),
		deliveries: make(chan amqp.Delivery, 16),
	}
}

func (b *fakeBroker) Dial(_ context.Context, _ string) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &fakeConn{broker: b}, nil
}

func (b *fakeBroker) messages(queue string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.queues[queue]...)
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) ackedTags() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...)
}

// closeChannels simulates a broker-side channel close.
func (b *fakeBroker) closeChannels() {
	b.mu.Lock()
	chans := append([]*fakeChannel(nil), b.channels...)
	b.mu.Unlock()
	for _, ch := range chans {
		ch.serverClose()
	}
}

// deliver enqueues a delivery acknowledged through the broker.
func (b *fakeBroker) deliver(tag uint64, body []byte, encoding string) {
	b.deliveries <- amqp.Delivery{
		Acknowledger:    b,
		DeliveryTag:     tag,
		ContentEncoding: encoding,
		Body:            body,
	}
}

func (b *fakeBroker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks = append(b.acks, tag)
	return nil
}

func (b *fakeBroker) Nack(uint64, bool, bool) error { return errors.New("nack not expected") }

func (b *fakeBroker) Reject(uint64, bool) error { return errors.New("reject not expected") }

type fakeConn struct {
	broker *fakeBroker
	mu     sync.Mutex
	closed bool
}

func (c *fakeConn) Channel() (Channel, error) {
	ch := &fakeChannel{broker: c.broker, conn: c}
	c.broker.mu.Lock()
	c.broker.channels = append(c.broker.channels, ch)
	c.broker.mu.Unlock()
	return ch, nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	return nil
}

type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConn

	mu       sync.Mutex
	closed   bool
	notifies []chan *amqp.Error
	prefetch int
}

func (ch *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return amqp.Queue{}, b.declareErr
	}
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	b.declares++
	if _, ok := b.queues[name]; !ok {
		b.queues[name] = nil
	}
	return amqp.Queue{Name: name, Messages: len(b.queues[name])}, nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, _, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.queues[key] = append(b.queues[key], msg)
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.prefetch = prefetchCount
	return nil
}

func (ch *fakeChannel) Consume(_, _ string, autoAck, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto-ack not expected")
	}
	return ch.broker.deliveries, nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.notifies = append(ch.notifies, receiver)
	return receiver
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closed = true
	return nil
}

func (ch *fakeChannel) serverClose() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	for _, n := range ch.notifies {
		n <- &amqp.Error{Code: amqp.ChannelError, Reason: "closed by broker"}
		close(n)
	}
}
