package memory

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-patterns/internal/rabbitmq"
	"github.com/glimte/amqp-patterns/routing"
)

// ErrBrokerShutdown is returned by Dial after Shutdown
var ErrBrokerShutdown = errors.New("memory: broker is shut down")

// Broker holds exchanges, queues and connections. One mutex guards all
// broker state; consumer pumps never take it.
type Broker struct {
	mu        sync.Mutex
	username  string
	password  string
	vhost     string
	logger    *slog.Logger
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*connection]struct{}
	nextConn  int
	shutdown  bool
}

type exchange struct {
	name       string
	kind       routing.ExchangeKind
	durable    bool
	autoDelete bool
	bindings   []routing.Binding
}

type message struct {
	exchange    string
	routingKey  string
	publishing  amqp.Publishing
	redelivered bool
}

// Option configures the Broker
type Option func(*Broker)

// WithCredentials makes Dial require this username and password
func WithCredentials(username, password string) Option {
	return func(b *Broker) {
		b.username = username
		b.password = password
	}
}

// WithVHost sets the only virtual host Dial accepts. Defaults to "/".
func WithVHost(vhost string) Option {
	return func(b *Broker) {
		b.vhost = vhost
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.logger = logger
	}
}

// NewBroker creates a broker with the default exchange and the amq.direct,
// amq.fanout and amq.topic exchanges declared
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		vhost:     "/",
		logger:    slog.Default(),
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*connection]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	for name, kind := range map[string]routing.ExchangeKind{
		"":           routing.Direct,
		"amq.direct": routing.Direct,
		"amq.fanout": routing.Fanout,
		"amq.topic":  routing.Topic,
	} {
		b.exchanges[name] = &exchange{name: name, kind: kind, durable: true}
	}

	return b
}

// Dial opens a connection. It has the signature of rabbitmq.Dialer.
func (b *Broker) Dial(url string) (rabbitmq.Conn, error) {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shutdown {
		return nil, ErrBrokerShutdown
	}
	if b.username != "" && (uri.Username != b.username || uri.Password != b.password) {
		return nil, amqp.ErrCredentials
	}
	if uri.Vhost != b.vhost {
		return nil, amqp.ErrVhost
	}

	b.nextConn++
	conn := &connection{
		broker:   b,
		id:       b.nextConn,
		channels: make(map[uint16]*channel),
	}
	b.conns[conn] = struct{}{}

	b.logger.Debug("connection opened", "connection", conn.id, "vhost", uri.Vhost)
	return conn, nil
}

// Shutdown force-closes every connection with CONNECTION_FORCED and refuses
// new ones
func (b *Broker) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.shutdown = true
	forced := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true}
	for conn := range b.conns {
		b.closeConnectionLocked(conn, forced)
	}
}

// QueueInfo returns the ready message and consumer counts of a queue
func (b *Broker) QueueInfo(name string) (amqp.Queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, false
	}
	return q.info(), true
}

// Queues returns the names of all queues, sorted
func (b *Broker) Queues() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ExchangeKind returns the kind of a declared exchange
func (b *Broker) ExchangeKind(name string) (routing.ExchangeKind, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// DeleteQueue removes a queue, its bindings and its consumers
func (b *Broker) DeleteQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return notFound("no queue '%s' in vhost '%s'", name, b.vhost)
	}
	b.deleteQueueLocked(q)
	return nil
}

// DeleteExchange removes an exchange and every binding to it
func (b *Broker) DeleteExchange(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if name == "" || strings.HasPrefix(name, "amq.") {
		return accessRefused("operation not permitted on the default exchange or amq.* exchanges")
	}
	if _, ok := b.exchanges[name]; !ok {
		return notFound("no exchange '%s' in vhost '%s'", name, b.vhost)
	}
	delete(b.exchanges, name)
	return nil
}

func (b *Broker) declareExchangeLocked(name, kind string, durable, autoDelete, passive bool) error {
	if passive {
		if _, ok := b.exchanges[name]; !ok {
			return notFound("no exchange '%s' in vhost '%s'", name, b.vhost)
		}
		return nil
	}

	if name == "" {
		return accessRefused("operation not permitted on the default exchange")
	}

	k, err := routing.ParseKind(kind)
	if err != nil {
		return &amqp.Error{Code: amqp.CommandInvalid, Reason: fmt.Sprintf("COMMAND_INVALID - invalid exchange type '%s'", kind), Server: true}
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != k {
			return preconditionFailed("inequivalent arg 'type' for exchange '%s' in vhost '%s': received '%s' but current is '%s'",
				name, b.vhost, k, ex.kind)
		}
		if ex.durable != durable {
			return preconditionFailed("inequivalent arg 'durable' for exchange '%s' in vhost '%s'", name, b.vhost)
		}
		return nil
	}

	if strings.HasPrefix(name, "amq.") {
		return accessRefused("exchange name '%s' contains reserved prefix 'amq.*'", name)
	}

	b.exchanges[name] = &exchange{name: name, kind: k, durable: durable, autoDelete: autoDelete}
	b.logger.Debug("exchange declared", "exchange", name, "kind", k)
	return nil
}

func (b *Broker) declareQueueLocked(conn *connection, name string, durable, autoDelete, exclusive, passive bool) (*queue, error) {
	if passive {
		q, ok := b.queues[name]
		if !ok {
			return nil, notFound("no queue '%s' in vhost '%s'", name, b.vhost)
		}
		if q.lockedFor(conn) {
			return nil, resourceLocked(name)
		}
		return q, nil
	}

	if name == "" {
		name = "amq.gen-" + uuid.New().String()
	} else if strings.HasPrefix(name, "amq.") {
		if _, ok := b.queues[name]; !ok {
			return nil, accessRefused("queue name '%s' contains reserved prefix 'amq.*'", name)
		}
	}

	if q, ok := b.queues[name]; ok {
		if q.lockedFor(conn) {
			return nil, resourceLocked(name)
		}
		if q.durable != durable || q.autoDelete != autoDelete || q.exclusive != exclusive {
			return nil, preconditionFailed("inequivalent arg for queue '%s' in vhost '%s'", name, b.vhost)
		}
		return q, nil
	}

	q := &queue{
		name:       name,
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
	}
	if exclusive {
		q.owner = conn
	}
	b.queues[name] = q

	b.logger.Debug("queue declared", "queue", name, "durable", durable, "exclusive", exclusive)
	return q, nil
}

func (b *Broker) bindLocked(conn *connection, queueName, key, exchangeName string) error {
	if exchangeName == "" {
		return accessRefused("operation not permitted on the default exchange")
	}
	q, ok := b.queues[queueName]
	if !ok {
		return notFound("no queue '%s' in vhost '%s'", queueName, b.vhost)
	}
	if q.lockedFor(conn) {
		return resourceLocked(queueName)
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return notFound("no exchange '%s' in vhost '%s'", exchangeName, b.vhost)
	}

	binding := routing.Binding{Queue: queueName, Pattern: key}
	for _, existing := range ex.bindings {
		if existing == binding {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding)
	return nil
}

// publishLocked routes a message and returns the queues it was stored in
func (b *Broker) publishLocked(exchangeName, key string, msg amqp.Publishing) ([]string, error) {
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil, notFound("no exchange '%s' in vhost '%s'", exchangeName, b.vhost)
	}

	var targets []string
	if exchangeName == "" {
		if _, ok := b.queues[key]; ok {
			targets = []string{key}
		}
	} else {
		targets = routing.Route(ex.kind, ex.bindings, key)
	}

	for _, name := range targets {
		q, ok := b.queues[name]
		if !ok {
			continue
		}
		body := make([]byte, len(msg.Body))
		copy(body, msg.Body)
		pub := msg
		pub.Body = body

		q.ready = append(q.ready, &message{exchange: exchangeName, routingKey: key, publishing: pub})
		b.dispatchLocked(q)
	}
	return targets, nil
}

func (b *Broker) deleteQueueLocked(q *queue) {
	if b.queues[q.name] != q {
		return
	}
	delete(b.queues, q.name)
	for _, c := range append([]*consumer(nil), q.consumers...) {
		b.removeConsumerLocked(c)
	}
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, binding := range ex.bindings {
			if binding.Queue != q.name {
				kept = append(kept, binding)
			}
		}
		ex.bindings = kept
	}
	b.logger.Debug("queue deleted", "queue", q.name)
}

func (b *Broker) closeConnectionLocked(conn *connection, cause *amqp.Error) {
	if conn.closed {
		return
	}
	conn.closed = true
	delete(b.conns, conn)

	for _, ch := range conn.channels {
		b.closeChannelLocked(ch, cause)
	}
	for _, q := range b.queues {
		if q.owner == conn {
			b.deleteQueueLocked(q)
		}
	}

	notify(conn.takeListeners(), cause)
	b.logger.Debug("connection closed", "connection", conn.id)
}

// closeChannelLocked ends a channel: consumers stop, unacknowledged messages
// go back to their queues marked redelivered
func (b *Broker) closeChannelLocked(ch *channel, cause *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.conn.channels, ch.id)

	for _, c := range ch.consumerList() {
		b.removeConsumerLocked(c)
	}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })

	requeued := make(map[*queue][]*message)
	var order []*queue
	for _, tag := range tags {
		p := ch.unacked[tag]
		delete(ch.unacked, tag)
		p.msg.redelivered = true
		if _, seen := requeued[p.queue]; !seen {
			order = append(order, p.queue)
		}
		requeued[p.queue] = append(requeued[p.queue], p.msg)
	}
	for _, q := range order {
		if b.queues[q.name] != q {
			continue
		}
		q.ready = append(requeued[q], q.ready...)
		b.dispatchLocked(q)
	}

	notify(ch.takeListeners(), cause)
}

// notify delivers a close reason to NotifyClose listeners outside the
// caller's goroutine, then closes them
func notify(listeners []chan *amqp.Error, cause *amqp.Error) {
	if len(listeners) == 0 {
		return
	}
	go func() {
		for _, l := range listeners {
			if cause != nil {
				l <- cause
			}
			close(l)
		}
	}()
}

func notFound(format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - " + fmt.Sprintf(format, args...), Server: true}
}

func accessRefused(format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - " + fmt.Sprintf(format, args...), Server: true}
}

func preconditionFailed(format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + fmt.Sprintf(format, args...), Server: true}
}

func resourceLocked(queue string) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.ResourceLocked,
		Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queue),
		Server: true,
	}
}

func notAllowed(format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - " + fmt.Sprintf(format, args...), Server: true}
}
