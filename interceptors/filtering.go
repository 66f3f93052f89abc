package interceptors

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-patterns/contracts"
	"github.com/glimte/amqp-patterns/internal/rabbitmq"
)

// ErrFiltered is returned for a filtered message under SkipWithError
var ErrFiltered = errors.New("message filtered")

// MessageFilter decides whether a message reaches the handler
type MessageFilter interface {
	ShouldProcess(ctx context.Context, msg contracts.Message, d amqp.Delivery) bool
}

// MessageFilterFunc is a function adapter for MessageFilter
type MessageFilterFunc func(ctx context.Context, msg contracts.Message, d amqp.Delivery) bool

// ShouldProcess implements MessageFilter
func (f MessageFilterFunc) ShouldProcess(ctx context.Context, msg contracts.Message, d amqp.Delivery) bool {
	return f(ctx, msg, d)
}

// SkipBehavior defines what happens when a message is filtered out
type SkipBehavior int

const (
	// SkipSilently returns nil, so the message is acknowledged
	SkipSilently SkipBehavior = iota
	// SkipWithError returns ErrFiltered, so the message is requeued
	SkipWithError
)

// FilteringInterceptor stops messages the filter rejects
type FilteringInterceptor struct {
	filter       MessageFilter
	skipBehavior SkipBehavior
}

// NewFilteringInterceptor creates a new filtering interceptor
func NewFilteringInterceptor(filter MessageFilter, skipBehavior SkipBehavior) *FilteringInterceptor {
	return &FilteringInterceptor{filter: filter, skipBehavior: skipBehavior}
}

// Intercept implements Interceptor
func (i *FilteringInterceptor) Intercept(ctx context.Context, msg contracts.Message, d amqp.Delivery, next rabbitmq.Handler) error {
	if i.filter.ShouldProcess(ctx, msg, d) {
		return next(ctx, msg, d)
	}
	if i.skipBehavior == SkipWithError {
		return fmt.Errorf("%w: id=%d routingKey=%q", ErrFiltered, msg.ID, d.RoutingKey)
	}
	return nil
}

// Name implements Interceptor
func (i *FilteringInterceptor) Name() string {
	return "FilteringInterceptor"
}

// ContentFilter passes messages whose content contains substr
func ContentFilter(substr string) MessageFilter {
	return MessageFilterFunc(func(_ context.Context, msg contracts.Message, _ amqp.Delivery) bool {
		return strings.Contains(msg.Content, substr)
	})
}

// RoutingKeyFilter passes messages whose routing key is one of keys
func RoutingKeyFilter(keys ...string) MessageFilter {
	allowed := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		allowed[k] = struct{}{}
	}
	return MessageFilterFunc(func(_ context.Context, _ contracts.Message, d amqp.Delivery) bool {
		_, ok := allowed[d.RoutingKey]
		return ok
	})
}
