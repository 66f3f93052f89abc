package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer subscribes to queues on one channel
type Consumer struct {
	ch            *Channel
	prefetchCount int
	autoAck       bool
	exclusive     bool
	logger        *slog.Logger
	activeStreams sync.Map // consumer tag -> *DeliveryStream
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount limits unacknowledged deliveries per consumer. Zero
// leaves the broker default (unlimited).
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck makes the broker treat deliveries as acknowledged on send
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive requests exclusive consumer access to the queue
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(ch *Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:            ch,
		prefetchCount: 10,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe registers a consumer on queue and returns its delivery stream.
// An empty tag is replaced by a generated one. A tag already active on this
// channel is rejected without contacting the broker.
func (c *Consumer) Subscribe(ctx context.Context, queue, tag string) (*DeliveryStream, error) {
	if queue == "" {
		return nil, c.subscribeError(queue, tag, fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration))
	}
	if tag == "" {
		tag = "ctag-" + uuid.New().String()
	}

	if err := c.ch.reserveTag(tag); err != nil {
		return nil, c.subscribeError(queue, tag, err)
	}

	var deliveries <-chan amqp.Delivery
	err := c.ch.Do(ctx, "basic.consume", func(ch Chan) error {
		if c.prefetchCount > 0 {
			if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
				return err
			}
		}

		var err error
		deliveries, err = ch.Consume(
			queue,
			tag,
			c.autoAck,
			c.exclusive,
			false, // no-local
			false, // no-wait
			nil,
		)
		return err
	})
	if err != nil {
		c.ch.releaseTag(tag)
		return nil, c.subscribeError(queue, tag, err)
	}

	stream := &DeliveryStream{
		ch:         c.ch,
		queue:      queue,
		tag:        tag,
		autoAck:    c.autoAck,
		deliveries: deliveries,
		logger:     c.logger,
		closed:     make(chan struct{}),
		onFinish:   func() { c.activeStreams.Delete(tag) },
	}
	stream.state.Store(int32(StateSubscribed))
	c.activeStreams.Store(tag, stream)

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetchCount,
		"autoAck", c.autoAck)

	return stream, nil
}

// Unsubscribe cancels the stream registered under tag
func (c *Consumer) Unsubscribe(tag string) error {
	value, ok := c.activeStreams.Load(tag)
	if !ok {
		return fmt.Errorf("no active consumer with tag: %s", tag)
	}
	return value.(*DeliveryStream).Cancel()
}

// UnsubscribeAll cancels every active stream
func (c *Consumer) UnsubscribeAll() error {
	var errs []error
	c.activeStreams.Range(func(key, value any) bool {
		if err := value.(*DeliveryStream).Cancel(); err != nil {
			c.logger.Error("failed to unsubscribe", "consumerTag", key, "error", err)
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

// GetActiveConsumers returns the tags of streams that are still open
func (c *Consumer) GetActiveConsumers() []string {
	var tags []string
	c.activeStreams.Range(func(key, value any) bool {
		tags = append(tags, key.(string))
		return true
	})
	return tags
}

func (c *Consumer) subscribeError(queue, tag string, err error) error {
	return &SubscriptionError{
		Queue:       queue,
		ConsumerTag: tag,
		Op:          "subscribe",
		Err:         err,
		Timestamp:   time.Now(),
	}
}

// StreamState is the lifecycle of a DeliveryStream
type StreamState int32

const (
	StateIdle StreamState = iota
	StateSubscribed
	StateDelivering
	StateClosed
)

func (s StreamState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribed:
		return "subscribed"
	case StateDelivering:
		return "delivering"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("StreamState(%d)", int32(s))
}

// DeliveryStream yields the deliveries of one subscription in broker order.
// It ends when the subscription is cancelled, the channel closes, or the
// connection drops; after that Next returns ErrConsumerClosed. A closed
// stream cannot be restarted.
type DeliveryStream struct {
	ch         *Channel
	queue      string
	tag        string
	autoAck    bool
	deliveries <-chan amqp.Delivery
	logger     *slog.Logger

	// mu keeps Next calls from overlapping
	mu    sync.Mutex
	state atomic.Int32

	cancelOnce sync.Once
	finishOnce sync.Once
	closed     chan struct{}
	onFinish   func()
}

// Next waits for the next delivery. Cancelling ctx abandons the wait and
// leaves the stream usable.
func (s *DeliveryStream) Next(ctx context.Context) (amqp.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State() == StateClosed {
		return amqp.Delivery{}, ErrConsumerClosed
	}
	s.state.CompareAndSwap(int32(StateDelivering), int32(StateSubscribed))

	select {
	case d, ok := <-s.deliveries:
		if !ok {
			s.finish()
			return amqp.Delivery{}, ErrConsumerClosed
		}
		s.state.CompareAndSwap(int32(StateSubscribed), int32(StateDelivering))
		return d, nil

	case <-s.closed:
		return amqp.Delivery{}, ErrConsumerClosed

	case <-s.ch.Done():
		s.finish()
		return amqp.Delivery{}, ErrConsumerClosed

	case <-ctx.Done():
		return amqp.Delivery{}, ctx.Err()
	}
}

// All ranges over deliveries until the stream ends or ctx is done
func (s *DeliveryStream) All(ctx context.Context) iter.Seq[amqp.Delivery] {
	return func(yield func(amqp.Delivery) bool) {
		for {
			d, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(d) {
				return
			}
		}
	}
}

// Cancel sends basic.cancel and ends the stream. Deliveries not yet
// acknowledged are requeued by the broker when the channel closes.
func (s *DeliveryStream) Cancel() error {
	var err error
	s.cancelOnce.Do(func() {
		if !s.ch.IsClosed() && s.State() != StateClosed {
			err = s.ch.Do(context.Background(), "basic.cancel", func(ch Chan) error {
				return ch.Cancel(s.tag, false)
			})
			if err != nil && IsClosed(err) {
				err = nil
			}
		}
		s.finish()
		s.logger.Info("consumer cancelled", "queue", s.queue, "consumerTag", s.tag)
	})
	if err != nil {
		return &SubscriptionError{Queue: s.queue, ConsumerTag: s.tag, Op: "cancel", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Queue returns the subscribed queue name
func (s *DeliveryStream) Queue() string { return s.queue }

// Tag returns the consumer tag
func (s *DeliveryStream) Tag() string { return s.tag }

// AutoAck reports whether deliveries arrive already acknowledged
func (s *DeliveryStream) AutoAck() bool { return s.autoAck }

// Done is closed once the stream has ended
func (s *DeliveryStream) Done() <-chan struct{} { return s.closed }

// State returns the current lifecycle state
func (s *DeliveryStream) State() StreamState {
	return StreamState(s.state.Load())
}

// settle marks the current delivery as handled
func (s *DeliveryStream) settle() {
	s.state.CompareAndSwap(int32(StateDelivering), int32(StateSubscribed))
}

func (s *DeliveryStream) finish() {
	s.finishOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.ch.releaseTag(s.tag)
		close(s.closed)
		if s.onFinish != nil {
			s.onFinish()
		}
	})
}
