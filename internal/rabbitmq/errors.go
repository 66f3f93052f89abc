package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed   = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady = errors.New("rabbitmq: connection not ready")
	ErrInvalidURL         = errors.New("rabbitmq: invalid broker url")

	// Channel errors
	ErrChannelClosed         = errors.New("rabbitmq: channel is closed")
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Publisher errors
	ErrExchangeNotFound = errors.New("rabbitmq: exchange not found")
	ErrQueueNotFound    = errors.New("rabbitmq: queue not found")

	// Consumer errors
	ErrConsumerClosed       = errors.New("rabbitmq: consumer is closed")
	ErrDuplicateConsumerTag = errors.New("rabbitmq: consumer tag already active on channel")
	ErrInvalidDelivery      = errors.New("rabbitmq: invalid delivery")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error. A broker-side channel
// exception closes that channel only.
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// TopologyError represents a topology-related error
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// PublishError represents a publish operation error
type PublishError struct {
	Exchange   string    // Target exchange
	RoutingKey string    // Routing key used
	Err        error     // Underlying error
	Timestamp  time.Time // When the error occurred
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: failed to publish to %q/%q: %v",
		e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// RoutingError reports a publish whose target does not exist: an undeclared
// exchange, or a missing queue behind the default exchange.
type RoutingError struct {
	Exchange   string
	RoutingKey string
	Err        error // ErrExchangeNotFound or ErrQueueNotFound, possibly wrapping the broker reply
}

func (e *RoutingError) Error() string {
	if e.Exchange == "" {
		return fmt.Sprintf("no queue %q behind the default exchange: %v", e.RoutingKey, e.Err)
	}
	return fmt.Sprintf("exchange %q does not exist: %v", e.Exchange, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.Err
}

// SubscriptionError represents a consumer-related error
type SubscriptionError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("rabbitmq subscription error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// BrokerCode returns the AMQP reply code carried by err, or 0
func BrokerCode(err error) int {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code
	}
	return 0
}

// IsNotFound reports a 404 NOT_FOUND broker reply
func IsNotFound(err error) bool {
	return BrokerCode(err) == amqp.NotFound
}

// IsPreconditionFailed reports a 406 PRECONDITION_FAILED broker reply, e.g. an
// exchange redeclared with a different kind
func IsPreconditionFailed(err error) bool {
	return BrokerCode(err) == amqp.PreconditionFailed
}

// IsResourceLocked reports a 405 RESOURCE_LOCKED broker reply, e.g. an
// exclusive queue owned by another connection
func IsResourceLocked(err error) bool {
	return BrokerCode(err) == amqp.ResourceLocked
}

// IsClosed reports whether err means the channel or connection is gone
func IsClosed(err error) bool {
	return errors.Is(err, amqp.ErrClosed) ||
		errors.Is(err, ErrChannelClosed) ||
		errors.Is(err, ErrConnectionClosed) ||
		errors.Is(err, ErrConsumerClosed)
}

// SanitizeURL removes the password from a broker URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
