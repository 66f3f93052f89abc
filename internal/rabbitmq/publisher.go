package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-patterns/contracts"
	"github.com/glimte/amqp-patterns/routing"
)

// PublishOptions are the per-message properties
type PublishOptions struct {
	Persistent  bool   // delivery mode 2; survives a broker restart on a durable queue
	ContentType string // defaults to contracts.ContentType for PublishMessage
	MessageID   string // generated when empty
	Headers     amqp.Table
}

// Publisher publishes messages on one channel. Success means the broker
// accepted the frames; a message that matches no binding is dropped by the
// broker and is not an error.
type Publisher struct {
	ch             *Channel
	logger         *slog.Logger
	publishTimeout time.Duration
	verifyRoutes   bool
	verified       sync.Map
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithPublishTimeout bounds a publish whose context has no deadline
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithRouteVerification checks that the target exchange exists (or, for the
// default exchange, that the queue named by the routing key exists) before
// the first publish to it. Enabled by default.
func WithRouteVerification(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.verifyRoutes = enabled
	}
}

// NewPublisher creates a new publisher
func NewPublisher(ch *Channel, options ...PublisherOption) *Publisher {
	p := &Publisher{
		ch:             ch,
		logger:         slog.Default(),
		publishTimeout: 10 * time.Second,
		verifyRoutes:   true,
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends body to exchange with routingKey. The empty exchange name is
// the default exchange, which routes to the queue named by routingKey.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, body []byte, opts PublishOptions) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && p.publishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.publishTimeout)
		defer cancel()
	}

	if p.verifyRoutes {
		if err := p.verifyRoute(ctx, exchange, routingKey); err != nil {
			return p.publishError(exchange, routingKey, err)
		}
	}

	msg := amqp.Publishing{
		ContentType:  opts.ContentType,
		DeliveryMode: amqp.Transient,
		MessageId:    opts.MessageID,
		Headers:      opts.Headers,
		Timestamp:    time.Now(),
		Body:         body,
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.MessageId == "" {
		msg.MessageId = uuid.New().String()
	}

	err := p.ch.Do(ctx, "basic.publish", func(ch Chan) error {
		return ch.PublishWithContext(ctx, exchange, routingKey,
			false, // mandatory
			false, // immediate
			msg)
	})
	if err != nil {
		if IsNotFound(err) {
			p.forget(exchange, routingKey)
			err = p.routingError(exchange, routingKey, err)
		}
		return p.publishError(exchange, routingKey, err)
	}

	p.logger.Debug("message published",
		"exchange", exchange,
		"routingKey", routingKey,
		"messageId", msg.MessageId,
		"persistent", opts.Persistent,
		"size", len(body))
	return nil
}

// PublishMessage encodes msg and publishes it
func (p *Publisher) PublishMessage(ctx context.Context, exchange, routingKey string, msg contracts.Message, opts PublishOptions) error {
	body, err := contracts.Encode(msg)
	if err != nil {
		return p.publishError(exchange, routingKey, err)
	}
	if opts.ContentType == "" {
		opts.ContentType = contracts.ContentType
	}

	if err := p.Publish(ctx, exchange, routingKey, body, opts); err != nil {
		return err
	}

	p.logger.Info("sent message",
		"exchange", exchange,
		"routingKey", routingKey,
		"message", msg.String())
	return nil
}

func (p *Publisher) verifyRoute(ctx context.Context, exchange, routingKey string) error {
	key := routeCacheKey(exchange, routingKey)
	if _, ok := p.verified.Load(key); ok {
		return nil
	}

	if exchange == "" && routingKey == "" {
		return &RoutingError{Exchange: exchange, RoutingKey: routingKey, Err: ErrQueueNotFound}
	}

	err := p.ch.Probe(ctx, func(ch Chan) error {
		if exchange == "" {
			_, err := ch.QueueDeclarePassive(routingKey, false, false, false, false, nil)
			return err
		}
		return ch.ExchangeDeclarePassive(exchange, routing.Direct.String(), false, false, false, false, nil)
	})

	switch {
	case err == nil:
	case IsNotFound(err):
		return p.routingError(exchange, routingKey, err)
	case exchange == "" && IsResourceLocked(err):
		// exclusive queue of another connection: it exists and accepts publishes
	default:
		return err
	}

	p.verified.Store(key, struct{}{})
	return nil
}

func (p *Publisher) forget(exchange, routingKey string) {
	p.verified.Delete(routeCacheKey(exchange, routingKey))
}

func (p *Publisher) routingError(exchange, routingKey string, cause error) error {
	target := ErrExchangeNotFound
	if exchange == "" {
		target = ErrQueueNotFound
	}
	return &RoutingError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        fmt.Errorf("%w: %w", target, cause),
	}
}

func (p *Publisher) publishError(exchange, routingKey string, err error) error {
	return &PublishError{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Err:        err,
		Timestamp:  time.Now(),
	}
}

// routeCacheKey separates exchange names from default-exchange queue names
func routeCacheKey(exchange, routingKey string) string {
	if exchange == "" {
		return "queue:" + routingKey
	}
	return "exchange:" + exchange
}
