package memory

import (
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-patterns/internal/rabbitmq"
)

type connection struct {
	broker      *Broker
	id          int
	closed      bool
	nextChannel uint16
	channels    map[uint16]*channel
	listeners   []chan *amqp.Error
}

var _ rabbitmq.Conn = (*connection)(nil)

func (c *connection) Channel() (rabbitmq.Chan, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	c.nextChannel++
	ch := &channel{
		conn:      c,
		id:        c.nextChannel,
		unacked:   make(map[uint64]*pending),
		consumers: make(map[string]*consumer),
	}
	c.channels[ch.id] = ch
	return ch, nil
}

func (c *connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}
	b.closeConnectionLocked(c, nil)
	return nil
}

func (c *connection) IsClosed() bool {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return c.closed
}

func (c *connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

func (c *connection) takeListeners() []chan *amqp.Error {
	listeners := c.listeners
	c.listeners = nil
	return listeners
}
