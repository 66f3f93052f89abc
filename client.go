// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package patterns implements the classic AMQP 0-9-1 messaging patterns on
// top of one broker connection: a single queue behind the default exchange,
// a durable work queue, fanout publish/subscribe, direct routing by
// severity and topic routing by wildcard pattern.
package patterns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/amqp-patterns/config"
	"github.com/glimte/amqp-patterns/contracts"
	"github.com/glimte/amqp-patterns/internal/rabbitmq"
	"github.com/glimte/amqp-patterns/routing"
)

const (
	// HelloConsumerTag is the consumer tag of the single-queue consumer
	HelloConsumerTag = "my_consumer"
	// HelloContent is the body content sent by SendHello
	HelloContent = "Hello from RabbitMQ!"
	// DefaultTaskCount is the number of tasks the work-queue producer sends
	DefaultTaskCount = 5

	broadcastID = 100
	logID       = 200
	eventID     = 300
)

// Handler processes one decoded message
type Handler = rabbitmq.Handler

// WorkerStats counts what a subscription did with its deliveries
type WorkerStats = rabbitmq.WorkerStats

// ErrNoBindings is returned when a routed subscription is given no keys
var ErrNoBindings = errors.New("patterns: at least one routing key or pattern is required")

// Client runs the messaging patterns over one connection. Every operation
// uses its own channel, so a channel exception in one never affects another.
type Client struct {
	cfg          config.Config
	conn         *rabbitmq.ConnectionManager
	logger       *slog.Logger
	decodePolicy rabbitmq.DecodeFailurePolicy

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// clientConfig holds client configuration
type clientConfig struct {
	logger       *slog.Logger
	dialer       rabbitmq.Dialer
	decodePolicy rabbitmq.DecodeFailurePolicy
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithDialer replaces the network dialer, e.g. with an in-memory broker
func WithDialer(dialer rabbitmq.Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}

// WithDecodeFailurePolicy sets what subscriptions do with undecodable bodies
func WithDecodeFailurePolicy(policy rabbitmq.DecodeFailurePolicy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.decodePolicy = policy
	}
}

// NewClient validates cfg and connects to the broker. The connect waits at
// most cfg.ConnectTimeout when it is set.
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cc := &clientConfig{
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(cc)
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(cc.logger)}
	if cc.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(cc.dialer))
	}
	conn := rabbitmq.NewConnectionManager(cfg.URL, connOpts...)

	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	return &Client{
		cfg:          cfg,
		conn:         conn,
		logger:       cc.logger,
		decodePolicy: cc.decodePolicy,
		subs:         make(map[*Subscription]struct{}),
	}, nil
}

// Config returns the configuration the client was built with
func (c *Client) Config() config.Config {
	return c.cfg
}

// Connection returns the underlying connection manager
func (c *Client) Connection() *rabbitmq.ConnectionManager {
	return c.conn
}

// SendHello publishes {1, "Hello from RabbitMQ!"} to the hello queue through
// the default exchange
func (c *Client) SendHello(ctx context.Context) error {
	return c.withChannel(ctx, func(ch *rabbitmq.Channel) error {
		if _, err := c.topology(ch).DeclareQueue(ctx, rabbitmq.QueueDeclaration{Name: c.cfg.QueueName}); err != nil {
			return err
		}
		return c.publisher(ch).PublishMessage(ctx, "", c.cfg.QueueName,
			contracts.NewMessage(1, HelloContent), rabbitmq.PublishOptions{})
	})
}

// SendTasks publishes n persistent tasks {i, "Task i"} to the durable work
// queue, in order
func (c *Client) SendTasks(ctx context.Context, n int) error {
	return c.withChannel(ctx, func(ch *rabbitmq.Channel) error {
		if _, err := c.topology(ch).DeclareQueue(ctx, c.workQueue()); err != nil {
			return err
		}

		publisher := c.publisher(ch)
		for i := 1; i <= n; i++ {
			msg := contracts.NewMessage(uint32(i), fmt.Sprintf("Task %d", i))
			if err := publisher.PublishMessage(ctx, "", c.cfg.WorkQueue, msg, rabbitmq.PublishOptions{Persistent: true}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Broadcast publishes content to every queue bound to the fanout exchange
func (c *Client) Broadcast(ctx context.Context, content string) error {
	return c.publishRouted(ctx, c.cfg.ExchangeName, routing.Fanout, "", contracts.NewMessage(broadcastID, content))
}

// PublishLog publishes content on the direct exchange with severity as the
// routing key
func (c *Client) PublishLog(ctx context.Context, severity, content string) error {
	return c.publishRouted(ctx, c.cfg.DirectExchange, routing.Direct, severity, contracts.NewMessage(logID, content))
}

// PublishEvent publishes content on the topic exchange under key
func (c *Client) PublishEvent(ctx context.Context, key, content string) error {
	return c.publishRouted(ctx, c.cfg.TopicExchange, routing.Topic, key, contracts.NewMessage(eventID, content))
}

func (c *Client) publishRouted(ctx context.Context, exchange string, kind routing.ExchangeKind, key string, msg contracts.Message) error {
	return c.withChannel(ctx, func(ch *rabbitmq.Channel) error {
		err := c.topology(ch).DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{Name: exchange, Kind: kind})
		if err != nil {
			return err
		}
		return c.publisher(ch).PublishMessage(ctx, exchange, key, msg, rabbitmq.PublishOptions{})
	})
}

// SubscribeHello consumes the hello queue with the my_consumer tag
func (c *Client) SubscribeHello(ctx context.Context) (*Subscription, error) {
	return c.subscribe(ctx, HelloConsumerTag, nil, func(topology *rabbitmq.TopologyManager) (string, error) {
		q, err := topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Name: c.cfg.QueueName})
		return q.Name, err
	})
}

// SubscribeTasks consumes the durable work queue one task at a time, so
// several workers share the load fairly
func (c *Client) SubscribeTasks(ctx context.Context, tag string) (*Subscription, error) {
	return c.subscribe(ctx, tag, []rabbitmq.ConsumerOption{rabbitmq.WithPrefetchCount(1)},
		func(topology *rabbitmq.TopologyManager) (string, error) {
			q, err := topology.DeclareQueue(ctx, c.workQueue())
			return q.Name, err
		})
}

// SubscribeBroadcast gives subscriber name its own exclusive queue on the
// fanout exchange
func (c *Client) SubscribeBroadcast(ctx context.Context, name string) (*Subscription, error) {
	return c.subscribeRouted(ctx, name, c.cfg.ExchangeName, routing.Fanout, []string{""})
}

// SubscribeLogs receives the direct-exchange messages for the given
// severities
func (c *Client) SubscribeLogs(ctx context.Context, name string, severities ...string) (*Subscription, error) {
	return c.subscribeRouted(ctx, name, c.cfg.DirectExchange, routing.Direct, severities)
}

// SubscribeEvents receives the topic-exchange messages matching any of the
// patterns
func (c *Client) SubscribeEvents(ctx context.Context, name string, patterns ...string) (*Subscription, error) {
	return c.subscribeRouted(ctx, name, c.cfg.TopicExchange, routing.Topic, patterns)
}

func (c *Client) subscribeRouted(ctx context.Context, name, exchange string, kind routing.ExchangeKind, keys []string) (*Subscription, error) {
	if len(keys) == 0 {
		return nil, ErrNoBindings
	}

	return c.subscribe(ctx, name, nil, func(topology *rabbitmq.TopologyManager) (string, error) {
		err := topology.DeclareExchange(ctx, rabbitmq.ExchangeDeclaration{Name: exchange, Kind: kind})
		if err != nil {
			return "", err
		}

		q, err := topology.DeclareQueue(ctx, rabbitmq.QueueDeclaration{Exclusive: true, AutoDelete: true})
		if err != nil {
			return "", err
		}

		for _, key := range keys {
			binding := rabbitmq.Binding{Queue: q.Name, Exchange: exchange, RoutingKey: key}
			if err := topology.BindQueue(ctx, binding); err != nil {
				return "", err
			}
		}

		c.logger.Info("subscriber queue bound",
			"subscriber", name,
			"queue", q.Name,
			"exchange", exchange,
			"kind", kind,
			"keys", keys)
		return q.Name, nil
	})
}

// subscribe opens a channel, lets declare set up the queue and starts
// consuming it
func (c *Client) subscribe(ctx context.Context, tag string, opts []rabbitmq.ConsumerOption,
	declare func(*rabbitmq.TopologyManager) (string, error)) (*Subscription, error) {

	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		return nil, err
	}

	queue, err := declare(c.topology(ch))
	if err != nil {
		ch.Close()
		return nil, err
	}

	opts = append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(c.logger)}, opts...)
	stream, err := rabbitmq.NewConsumer(ch, opts...).Subscribe(ctx, queue, tag)
	if err != nil {
		ch.Close()
		return nil, err
	}

	sub := &Subscription{
		client: c,
		ch:     ch,
		stream: stream,
		worker: rabbitmq.NewWorker(
			rabbitmq.WithWorkerLogger(c.logger),
			rabbitmq.WithDecodeFailurePolicy(c.decodePolicy),
		),
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()

	return sub, nil
}

func (c *Client) withChannel(ctx context.Context, fn func(*rabbitmq.Channel) error) error {
	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()
	return fn(ch)
}

func (c *Client) topology(ch *rabbitmq.Channel) *rabbitmq.TopologyManager {
	return rabbitmq.NewTopologyManager(ch, rabbitmq.WithTopologyLogger(c.logger))
}

func (c *Client) publisher(ch *rabbitmq.Channel) *rabbitmq.Publisher {
	return rabbitmq.NewPublisher(ch, rabbitmq.WithPublisherLogger(c.logger))
}

func (c *Client) workQueue() rabbitmq.QueueDeclaration {
	return rabbitmq.QueueDeclaration{Name: c.cfg.WorkQueue, Durable: true}
}

func (c *Client) forget(sub *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subs, sub)
}

// Close ends every subscription and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Subscription is one consumer on its own channel
type Subscription struct {
	client    *Client
	ch        *rabbitmq.Channel
	stream    *rabbitmq.DeliveryStream
	worker    *rabbitmq.Worker
	closeOnce sync.Once
	closeErr  error
}

// Queue returns the consumed queue, which is broker-generated for the
// routed subscriptions
func (s *Subscription) Queue() string {
	return s.stream.Queue()
}

// Tag returns the consumer tag
func (s *Subscription) Tag() string {
	return s.stream.Tag()
}

// Stream exposes the deliveries for callers that pull them directly instead
// of calling Run
func (s *Subscription) Stream() *rabbitmq.DeliveryStream {
	return s.stream
}

// Stats returns the delivery counters of Run
func (s *Subscription) Stats() WorkerStats {
	return s.worker.Stats()
}

// Run handles deliveries one at a time until the subscription ends, which
// returns nil, or ctx is done, which returns ctx.Err()
func (s *Subscription) Run(ctx context.Context, handler Handler) error {
	return s.worker.Run(ctx, s.stream, handler)
}

// Close cancels the consumer and closes its channel. Unacknowledged
// deliveries return to the queue.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = errors.Join(s.stream.Cancel(), s.ch.Close())
		s.client.forget(s)
	})
	return s.closeErr
}
