package interceptors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-patterns/contracts"
	"github.com/glimte/amqp-patterns/internal/rabbitmq"
)

// Interceptor processes a message before, after or instead of next
type Interceptor interface {
	Intercept(ctx context.Context, msg contracts.Message, d amqp.Delivery, next rabbitmq.Handler) error
	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, msg contracts.Message, d amqp.Delivery, next rabbitmq.Handler) error
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, msg contracts.Message, d amqp.Delivery, next rabbitmq.Handler) error) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, msg contracts.Message, d amqp.Delivery, next rabbitmq.Handler) error {
	return i.fn(ctx, msg, d, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// Chain is an ordered list of interceptors
type Chain struct {
	interceptors []Interceptor
}

// NewChain creates a chain of the given interceptors
func NewChain(interceptors ...Interceptor) *Chain {
	return &Chain{interceptors: interceptors}
}

// Add appends an interceptor
func (c *Chain) Add(interceptor Interceptor) *Chain {
	c.interceptors = append(c.interceptors, interceptor)
	return c
}

// Len returns the number of interceptors
func (c *Chain) Len() int {
	return len(c.interceptors)
}

// Then returns a handler running the chain in front of final
func (c *Chain) Then(final rabbitmq.Handler) rabbitmq.Handler {
	handler := final
	for i := len(c.interceptors) - 1; i >= 0; i-- {
		interceptor := c.interceptors[i]
		next := handler
		handler = func(ctx context.Context, msg contracts.Message, d amqp.Delivery) error {
			return interceptor.Intercept(ctx, msg, d, next)
		}
	}
	return handler
}

// LoggingInterceptor logs message processing with timing
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, msg contracts.Message, d amqp.Delivery, next rabbitmq.Handler) error {
	start := time.Now()
	i.logger.Debug("processing message",
		"id", msg.ID,
		"messageId", d.MessageId,
		"exchange", d.Exchange,
		"routingKey", d.RoutingKey)

	err := next(ctx, msg, d)
	duration := time.Since(start)

	if err != nil {
		i.logger.Error("message processing failed",
			"id", msg.ID,
			"messageId", d.MessageId,
			"duration", duration,
			"error", err)
		return err
	}

	i.logger.Debug("message processed",
		"id", msg.ID,
		"messageId", d.MessageId,
		"duration", duration)
	return nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// TimeoutInterceptor bounds the time the rest of the chain may take
type TimeoutInterceptor struct {
	timeout time.Duration
}

// NewTimeoutInterceptor creates a new timeout interceptor
func NewTimeoutInterceptor(timeout time.Duration) *TimeoutInterceptor {
	return &TimeoutInterceptor{timeout: timeout}
}

// Intercept implements Interceptor. next runs on the calling goroutine with a
// context that is cancelled after the timeout, so the handler is never left
// running once Intercept returns. A handler that returns an error after the
// deadline passed reports a timeout.
func (i *TimeoutInterceptor) Intercept(ctx context.Context, msg contracts.Message, d amqp.Delivery, next rabbitmq.Handler) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	err := next(timeoutCtx, msg, d)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("message processing timeout after %v for message %d: %w",
			i.timeout, msg.ID, errors.Join(context.DeadlineExceeded, err))
	}
	return err
}

// Name implements Interceptor
func (i *TimeoutInterceptor) Name() string {
	return "TimeoutInterceptor"
}
