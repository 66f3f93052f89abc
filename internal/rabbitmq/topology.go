package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/amqp-patterns/routing"
)

// TopologyManager declares exchanges, queues and bindings on one channel
type TopologyManager struct {
	ch     *Channel
	logger *slog.Logger
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Kind       routing.ExchangeKind
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty Name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// Topology is a batch of declarations applied in order: exchanges, queues,
// then bindings
type Topology struct {
	Exchanges []ExchangeDeclaration
	Queues    []QueueDeclaration
	Bindings  []Binding
}

// TopologyOption configures the TopologyManager
type TopologyOption func(*TopologyManager)

// WithTopologyLogger sets the logger
func WithTopologyLogger(logger *slog.Logger) TopologyOption {
	return func(tm *TopologyManager) {
		tm.logger = logger
	}
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(ch *Channel, opts ...TopologyOption) *TopologyManager {
	tm := &TopologyManager{
		ch:     ch,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(tm)
	}
	return tm
}

// DeclareTopology declares the complete topology and returns the declared
// queues in order
func (tm *TopologyManager) DeclareTopology(ctx context.Context, topology Topology) ([]amqp.Queue, error) {
	for _, exchange := range topology.Exchanges {
		if err := tm.DeclareExchange(ctx, exchange); err != nil {
			return nil, err
		}
	}

	queues := make([]amqp.Queue, 0, len(topology.Queues))
	for _, queue := range topology.Queues {
		q, err := tm.DeclareQueue(ctx, queue)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}

	for _, binding := range topology.Bindings {
		if err := tm.BindQueue(ctx, binding); err != nil {
			return nil, err
		}
	}

	return queues, nil
}

// DeclareExchange declares a single exchange. Redeclaring with identical
// parameters is a no-op; a different kind fails with PRECONDITION_FAILED.
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	if exchange.Name == "" {
		return tm.invalid("exchange", exchange.Name, "declare", "exchange name is required")
	}
	if !exchange.Kind.Valid() {
		return tm.invalid("exchange", exchange.Name, "declare",
			fmt.Sprintf("%v: %q", routing.ErrUnknownKind, exchange.Kind))
	}

	err := tm.ch.Do(ctx, "exchange.declare", func(ch Chan) error {
		return ch.ExchangeDeclare(
			exchange.Name,
			exchange.Kind.String(),
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	tm.logger.Debug("exchange declared",
		"exchange", exchange.Name,
		"kind", exchange.Kind,
		"durable", exchange.Durable)
	return nil
}

// DeclareQueue declares a single queue and returns it with the name the
// broker assigned
func (tm *TopologyManager) DeclareQueue(ctx context.Context, queue QueueDeclaration) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.ch.Do(ctx, "queue.declare", func(ch Chan) error {
		var err error
		q, err = ch.QueueDeclare(
			queue.Name,
			queue.Durable,
			queue.AutoDelete,
			queue.Exclusive,
			false, // no-wait
			queue.Arguments,
		)
		return err
	})
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}

	tm.logger.Debug("queue declared",
		"queue", q.Name,
		"generated", queue.Name == "",
		"durable", queue.Durable,
		"exclusive", queue.Exclusive)
	return q, nil
}

// BindQueue creates a queue binding. Binding an existing (queue, exchange,
// key) triple again is a no-op.
func (tm *TopologyManager) BindQueue(ctx context.Context, binding Binding) error {
	if binding.Queue == "" {
		return tm.invalid("binding", binding.Exchange, "bind", "queue name is required")
	}
	if binding.Exchange == "" {
		return tm.invalid("binding", binding.Queue, "bind", "the default exchange cannot be bound")
	}

	err := tm.ch.Do(ctx, "queue.bind", func(ch Chan) error {
		return ch.QueueBind(
			binding.Queue,
			binding.RoutingKey,
			binding.Exchange,
			false, // no-wait
			binding.Arguments,
		)
	})
	if err != nil {
		return &TopologyError{
			Component: "binding",
			Name:      binding.Queue + "->" + binding.Exchange,
			Op:        "bind",
			Err:       err,
			Timestamp: time.Now(),
		}
	}

	tm.logger.Debug("queue bound",
		"queue", binding.Queue,
		"exchange", binding.Exchange,
		"routingKey", binding.RoutingKey)
	return nil
}

// GetQueueInfo returns the message and consumer counts of an existing queue.
// The check runs on a probe channel so a missing queue leaves this channel
// open.
func (tm *TopologyManager) GetQueueInfo(ctx context.Context, name string) (amqp.Queue, error) {
	var q amqp.Queue
	err := tm.ch.Probe(ctx, func(ch Chan) error {
		var err error
		q, err = ch.QueueDeclarePassive(name, false, false, false, false, nil)
		return err
	})
	if err != nil {
		if IsNotFound(err) {
			err = fmt.Errorf("%w: %w", ErrQueueNotFound, err)
		}
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// ExchangeExists reports whether an exchange is declared on the broker
func (tm *TopologyManager) ExchangeExists(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return true, nil
	}
	err := tm.ch.Probe(ctx, func(ch Chan) error {
		return ch.ExchangeDeclarePassive(name, routing.Direct.String(), false, false, false, false, nil)
	})
	switch {
	case err == nil:
		return true, nil
	case IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (tm *TopologyManager) invalid(component, name, op, reason string) error {
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       fmt.Errorf("%w: %s", ErrInvalidTopology, reason),
		Timestamp: time.Now(),
	}
}
