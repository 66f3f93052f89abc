package memory

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-patterns/internal/rabbitmq"
)

// channel is one AMQP channel. A method that fails with a broker error
// closes the channel, as a channel exception does on RabbitMQ. All fields
// are guarded by the broker mutex.
type channel struct {
	conn      *connection
	id        uint16
	closed    bool
	prefetch  int
	nextTag   uint64
	unacked   map[uint64]*pending
	consumers map[string]*consumer
	listeners []chan *amqp.Error
	lastQueue string
}

var (
	_ rabbitmq.Chan     = (*channel)(nil)
	_ amqp.Acknowledger = (*channel)(nil)
)

// do runs fn under the broker lock and turns broker errors into channel
// exceptions
func (ch *channel) do(fn func(b *Broker) error) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	err := fn(b)
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		b.closeChannelLocked(ch, amqpErr)
	}
	return err
}

func (ch *channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return ch.do(func(b *Broker) error {
		return b.declareExchangeLocked(name, kind, durable, autoDelete, false)
	})
}

func (ch *channel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return ch.do(func(b *Broker) error {
		return b.declareExchangeLocked(name, kind, durable, autoDelete, true)
	})
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return ch.declareQueue(name, durable, autoDelete, exclusive, false)
}

func (ch *channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return ch.declareQueue(name, durable, autoDelete, exclusive, true)
}

func (ch *channel) declareQueue(name string, durable, autoDelete, exclusive, passive bool) (amqp.Queue, error) {
	var info amqp.Queue
	err := ch.do(func(b *Broker) error {
		q, err := b.declareQueueLocked(ch.conn, name, durable, autoDelete, exclusive, passive)
		if err != nil {
			return err
		}
		ch.lastQueue = q.name
		info = q.info()
		return nil
	})
	return info, err
}

func (ch *channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return ch.do(func(b *Broker) error {
		if name == "" {
			name = ch.lastQueue
		}
		return b.bindLocked(ch.conn, name, key, exchange)
	})
}

func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return ch.do(func(b *Broker) error {
		if prefetchCount < 0 {
			return preconditionFailed("invalid prefetch count %d", prefetchCount)
		}
		ch.prefetch = prefetchCount
		return nil
	})
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return ch.do(func(b *Broker) error {
		_, err := b.publishLocked(exchange, key, msg)
		return err
	})
}

func (ch *channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	var out <-chan amqp.Delivery
	err := ch.do(func(b *Broker) error {
		if queueName == "" {
			queueName = ch.lastQueue
		}
		q, ok := b.queues[queueName]
		if !ok {
			return notFound("no queue '%s' in vhost '%s'", queueName, b.vhost)
		}
		if q.lockedFor(ch.conn) {
			return resourceLocked(queueName)
		}
		if tag == "" {
			tag = "amq.ctag-" + uuid.New().String()
		}
		if _, dup := ch.consumers[tag]; dup {
			return notAllowed("attempt to reuse consumer tag '%s'", tag)
		}
		if q.hasExclusiveConsumer() || (exclusive && len(q.consumers) > 0) {
			return accessRefused("queue '%s' in vhost '%s' in exclusive use", queueName, b.vhost)
		}

		c := newConsumer(tag, q, ch, autoAck, exclusive)
		ch.consumers[tag] = c
		q.consumers = append(q.consumers, c)
		q.hadConsumer = true
		out = c.out

		b.dispatchLocked(q)
		return nil
	})
	return out, err
}

func (ch *channel) Cancel(tag string, noWait bool) error {
	return ch.do(func(b *Broker) error {
		if c, ok := ch.consumers[tag]; ok {
			b.removeConsumerLocked(c)
		}
		return nil
	})
}

func (ch *channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}
	b.closeChannelLocked(ch, nil)
	return nil
}

func (ch *channel) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

func (ch *channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.listeners = append(ch.listeners, receiver)
	return receiver
}

// Ack acknowledges a delivery, or with multiple every delivery up to tag
func (ch *channel) Ack(tag uint64, multiple bool) error {
	return ch.do(func(b *Broker) error {
		return b.settleLocked(ch, tag, multiple, false)
	})
}

// Nack negatively acknowledges; requeued messages are redelivered first
func (ch *channel) Nack(tag uint64, multiple, requeue bool) error {
	return ch.do(func(b *Broker) error {
		return b.settleLocked(ch, tag, multiple, requeue)
	})
}

// Reject is Nack for a single delivery
func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *channel) deliverLocked(c *consumer, msg *message) {
	ch.nextTag++
	pub := msg.publishing
	d := amqp.Delivery{
		Acknowledger:    ch,
		Headers:         pub.Headers,
		ContentType:     pub.ContentType,
		ContentEncoding: pub.ContentEncoding,
		DeliveryMode:    pub.DeliveryMode,
		Priority:        pub.Priority,
		CorrelationId:   pub.CorrelationId,
		ReplyTo:         pub.ReplyTo,
		Expiration:      pub.Expiration,
		MessageId:       pub.MessageId,
		Timestamp:       pub.Timestamp,
		Type:            pub.Type,
		UserId:          pub.UserId,
		AppId:           pub.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     ch.nextTag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.routingKey,
		Body:            pub.Body,
	}

	if !c.autoAck {
		ch.unacked[d.DeliveryTag] = &pending{msg: msg, queue: c.queue, consumer: c}
		c.inflight++
	}
	c.push(outgoing{delivery: d, msg: msg})
}

func (ch *channel) consumerList() []*consumer {
	list := make([]*consumer, 0, len(ch.consumers))
	for _, c := range ch.consumers {
		list = append(list, c)
	}
	return list
}

func (ch *channel) takeListeners() []chan *amqp.Error {
	listeners := ch.listeners
	ch.listeners = nil
	return listeners
}

// settleLocked acks or nacks deliveries on ch. An unknown tag is a
// PRECONDITION_FAILED channel exception.
func (b *Broker) settleLocked(ch *channel, tag uint64, multiple, requeue bool) error {
	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if tag == 0 || t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	} else if _, ok := ch.unacked[tag]; ok {
		tags = []uint64{tag}
	}
	if len(tags) == 0 {
		return preconditionFailed("unknown delivery tag %d", tag)
	}

	var order []*queue
	requeued := make(map[*queue][]*message)
	for _, t := range tags {
		p := ch.unacked[t]
		delete(ch.unacked, t)
		p.consumer.inflight--

		if _, seen := requeued[p.queue]; !seen {
			order = append(order, p.queue)
			requeued[p.queue] = nil
		}
		if requeue {
			p.msg.redelivered = true
			requeued[p.queue] = append(requeued[p.queue], p.msg)
		}
	}

	for _, q := range order {
		if b.queues[q.name] != q {
			continue
		}
		if msgs := requeued[q]; len(msgs) > 0 {
			q.ready = append(msgs, q.ready...)
		}
		b.dispatchLocked(q)
	}
	return nil
}
