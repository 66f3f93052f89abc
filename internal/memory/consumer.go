package memory

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type queue struct {
	name        string
	durable     bool
	autoDelete  bool
	exclusive   bool
	owner       *connection
	ready       []*message
	consumers   []*consumer
	next        int
	hadConsumer bool
}

func (q *queue) info() amqp.Queue {
	return amqp.Queue{Name: q.name, Messages: len(q.ready), Consumers: len(q.consumers)}
}

// lockedFor reports whether conn is denied an exclusive queue it doesn't own
func (q *queue) lockedFor(conn *connection) bool {
	return q.exclusive && q.owner != nil && q.owner != conn
}

func (q *queue) hasExclusiveConsumer() bool {
	for _, c := range q.consumers {
		if c.exclusive {
			return true
		}
	}
	return false
}

// nextReady picks the next consumer with prefetch capacity, round-robin
func (q *queue) nextReady() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.hasCapacity() {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

// pending is a delivery awaiting acknowledgement on a channel
type pending struct {
	msg      *message
	queue    *queue
	consumer *consumer
}

// consumer hands deliveries to the client through out. Deliveries are
// assigned under the broker lock and buffered; the pump goroutine moves
// them to out so a slow reader never blocks the broker.
type consumer struct {
	tag       string
	queue     *queue
	ch        *channel
	autoAck   bool
	exclusive bool
	prefetch  int
	inflight  int

	out    chan amqp.Delivery
	wake   chan struct{}
	stop   chan struct{}
	exited chan struct{}

	bufMu sync.Mutex
	buf   []outgoing
}

type outgoing struct {
	delivery amqp.Delivery
	msg      *message
}

func newConsumer(tag string, q *queue, ch *channel, autoAck, exclusive bool) *consumer {
	c := &consumer{
		tag:       tag,
		queue:     q,
		ch:        ch,
		autoAck:   autoAck,
		exclusive: exclusive,
		prefetch:  ch.prefetch,
		out:       make(chan amqp.Delivery),
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		exited:    make(chan struct{}),
	}
	go c.pump()
	return c
}

func (c *consumer) hasCapacity() bool {
	return c.autoAck || c.prefetch <= 0 || c.inflight < c.prefetch
}

func (c *consumer) push(o outgoing) {
	c.bufMu.Lock()
	c.buf = append(c.buf, o)
	c.bufMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) pump() {
	defer close(c.exited)
	defer close(c.out)

	for {
		c.bufMu.Lock()
		if len(c.buf) == 0 {
			c.bufMu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.stop:
				return
			}
		}
		o := c.buf[0]
		c.buf = c.buf[1:]
		c.bufMu.Unlock()

		select {
		case c.out <- o.delivery:
		case <-c.stop:
			c.bufMu.Lock()
			c.buf = append([]outgoing{o}, c.buf...)
			c.bufMu.Unlock()
			return
		}
	}
}

// halt stops the pump and returns the deliveries the client never received
func (c *consumer) halt() []outgoing {
	close(c.stop)
	<-c.exited

	c.bufMu.Lock()
	defer c.bufMu.Unlock()
	undelivered := c.buf
	c.buf = nil
	return undelivered
}

// dispatchLocked assigns ready messages to consumers with capacity
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.nextReady()
		if c == nil {
			return
		}
		msg := q.ready[0]
		q.ready = q.ready[1:]
		c.ch.deliverLocked(c, msg)
	}
}

// removeConsumerLocked detaches a consumer, closes its delivery channel and
// puts undelivered messages back at the head of the queue
func (b *Broker) removeConsumerLocked(c *consumer) {
	undelivered := c.halt()

	ch := c.ch
	delete(ch.consumers, c.tag)

	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if len(q.consumers) > 0 {
		q.next %= len(q.consumers)
	} else {
		q.next = 0
	}

	recovered := make([]*message, 0, len(undelivered))
	for _, o := range undelivered {
		if !c.autoAck {
			if _, ok := ch.unacked[o.delivery.DeliveryTag]; !ok {
				continue
			}
			delete(ch.unacked, o.delivery.DeliveryTag)
			c.inflight--
		}
		recovered = append(recovered, o.msg)
	}

	if b.queues[q.name] != q {
		return
	}
	if len(recovered) > 0 {
		q.ready = append(recovered, q.ready...)
	}
	if q.autoDelete && q.hadConsumer && len(q.consumers) == 0 {
		b.deleteQueueLocked(q)
		return
	}
	b.dispatchLocked(q)
}
