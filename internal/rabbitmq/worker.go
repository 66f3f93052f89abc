package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-patterns/contracts"
)

// Handler processes one decoded message. The raw delivery is passed for
// handlers that need its properties or acknowledge manually.
type Handler func(ctx context.Context, msg contracts.Message, delivery amqp.Delivery) error

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acknowledges on success and requeues on handler error
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acknowledges regardless of processing result
	AckAlways
	// AckManual requires manual acknowledgment in handler
	AckManual
)

// DecodeFailurePolicy decides what happens to a delivery whose body is not a
// valid message
type DecodeFailurePolicy int

const (
	// DecodeFailureReject nacks the delivery without requeue
	DecodeFailureReject DecodeFailurePolicy = iota
	// DecodeFailureLeave neither acks nor nacks; the delivery stays unacked
	// until the channel closes
	DecodeFailureLeave
)

// WorkerStats counts what a worker did with its deliveries
type WorkerStats struct {
	Delivered      int64
	Acked          int64
	Requeued       int64
	Rejected       int64
	DecodeFailures int64
	HandlerErrors  int64
}

// Worker drains a DeliveryStream, decoding each body and invoking a handler
// for one delivery at a time
type Worker struct {
	strategy     AcknowledgmentStrategy
	decodePolicy DecodeFailurePolicy
	logger       *slog.Logger

	delivered      atomic.Int64
	acked          atomic.Int64
	requeued       atomic.Int64
	rejected       atomic.Int64
	decodeFailures atomic.Int64
	handlerErrors  atomic.Int64
}

// WorkerOption configures the worker
type WorkerOption func(*Worker)

// WithAckStrategy sets the acknowledgment strategy
func WithAckStrategy(strategy AcknowledgmentStrategy) WorkerOption {
	return func(w *Worker) {
		w.strategy = strategy
	}
}

// WithDecodeFailurePolicy sets the handling of undecodable bodies
func WithDecodeFailurePolicy(policy DecodeFailurePolicy) WorkerOption {
	return func(w *Worker) {
		w.decodePolicy = policy
	}
}

// WithWorkerLogger sets the logger
func WithWorkerLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = logger
	}
}

// NewWorker creates a new worker
func NewWorker(opts ...WorkerOption) *Worker {
	w := &Worker{
		strategy:     AckOnSuccess,
		decodePolicy: DecodeFailureReject,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run processes deliveries until the stream ends, returning nil, or ctx is
// done, returning ctx.Err(). A decode failure is logged and the loop goes on.
func (w *Worker) Run(ctx context.Context, stream *DeliveryStream, handler Handler) error {
	for {
		d, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrConsumerClosed) {
				w.logger.Info("consumer stopped",
					"queue", stream.Queue(),
					"consumerTag", stream.Tag())
				return nil
			}
			return err
		}

		w.delivered.Add(1)
		w.handle(ctx, stream, d, handler)
		stream.settle()
	}
}

// Stats returns a snapshot of the worker counters
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Delivered:      w.delivered.Load(),
		Acked:          w.acked.Load(),
		Requeued:       w.requeued.Load(),
		Rejected:       w.rejected.Load(),
		DecodeFailures: w.decodeFailures.Load(),
		HandlerErrors:  w.handlerErrors.Load(),
	}
}

func (w *Worker) handle(ctx context.Context, stream *DeliveryStream, d amqp.Delivery, handler Handler) {
	msg, err := contracts.Decode(d.Body)
	if err != nil {
		w.decodeFailures.Add(1)
		w.logger.Warn("failed to parse message",
			"error", err,
			"queue", stream.Queue(),
			"consumerTag", stream.Tag(),
			"deliveryTag", d.DeliveryTag)

		if !stream.AutoAck() && w.decodePolicy == DecodeFailureReject {
			if nackErr := d.Nack(false, false); nackErr != nil {
				w.logger.Error("failed to reject message", "error", nackErr)
				return
			}
			w.rejected.Add(1)
		}
		return
	}

	w.logger.Info("received message",
		"queue", stream.Queue(),
		"consumerTag", stream.Tag(),
		"message", msg.String(),
		"redelivered", d.Redelivered)

	herr := w.invoke(ctx, handler, msg, d)
	if herr != nil {
		w.handlerErrors.Add(1)
		w.logger.Error("failed to handle message",
			"error", herr,
			"queue", stream.Queue(),
			"messageId", d.MessageId)
	}

	if stream.AutoAck() {
		return
	}

	switch w.strategy {
	case AckOnSuccess:
		if herr == nil {
			w.ack(d)
			return
		}
		if nackErr := d.Nack(false, true); nackErr != nil {
			w.logger.Error("failed to nack message", "error", nackErr, "originalError", herr)
			return
		}
		w.requeued.Add(1)

	case AckAlways:
		w.ack(d)

	case AckManual:
		// handler is responsible for acknowledgment
	}
}

func (w *Worker) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		w.logger.Error("failed to ack message", "error", err)
		return
	}
	w.acked.Add(1)
}

// invoke runs handler, turning a panic into an error
func (w *Worker) invoke(ctx context.Context, handler Handler, msg contracts.Message, d amqp.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg, d)
}
