package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/amqp-patterns/internal/rabbitmq"
)

// DefaultBacklogThreshold is the ready-message count above which a queue
// is reported degraded
const DefaultBacklogThreshold = 10000

// ConnectionChecker checks that the connection is open and answers a
// passive declare of amq.direct
type ConnectionChecker struct {
	conn   *rabbitmq.ConnectionManager
	logger *slog.Logger
}

// NewConnectionChecker creates a new connection health checker
func NewConnectionChecker(conn *rabbitmq.ConnectionManager, logger *slog.Logger) *ConnectionChecker {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionChecker{conn: conn, logger: logger}
}

func (c *ConnectionChecker) Name() string {
	return "rabbitmq"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)
	result.Details["url"] = c.conn.URL()

	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		return fail(result, StatusUnhealthy, "Failed to open channel", err)
	}
	defer ch.Close()

	exists, err := rabbitmq.NewTopologyManager(ch, rabbitmq.WithTopologyLogger(c.logger)).ExchangeExists(ctx, "amq.direct")
	switch {
	case err != nil:
		return fail(result, StatusDegraded, "Exchange check failed", err)
	case !exists:
		return fail(result, StatusDegraded, "amq.direct is missing", nil)
	}

	result.Status = StatusHealthy
	result.Message = "Connection is healthy"
	result.Duration = time.Since(start)
	result.Details["response_time_ms"] = result.Duration.Milliseconds()
	c.logger.Debug("health check passed", "check", c.Name(), "duration", result.Duration)
	return result
}

// QueueChecker checks that a queue exists and is not backed up
type QueueChecker struct {
	conn      *rabbitmq.ConnectionManager
	queue     string
	threshold int
}

// NewQueueChecker creates a queue checker. A threshold of 0 uses
// DefaultBacklogThreshold.
func NewQueueChecker(conn *rabbitmq.ConnectionManager, queue string, threshold int) *QueueChecker {
	if threshold <= 0 {
		threshold = DefaultBacklogThreshold
	}
	return &QueueChecker{conn: conn, queue: queue, threshold: threshold}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue_%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		return fail(result, StatusUnhealthy, "Failed to open channel", err)
	}
	defer ch.Close()

	queue, err := rabbitmq.NewTopologyManager(ch).GetQueueInfo(ctx, c.queue)
	if err != nil {
		msg := fmt.Sprintf("Queue %s not accessible", c.queue)
		if errors.Is(err, rabbitmq.ErrQueueNotFound) {
			msg = fmt.Sprintf("Queue %s does not exist", c.queue)
		}
		return fail(result, StatusUnhealthy, msg, err)
	}

	result.Details["queue_name"] = queue.Name
	result.Details["message_count"] = queue.Messages
	result.Details["consumer_count"] = queue.Consumers

	if queue.Messages > c.threshold {
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("Queue %s has high message count", c.queue)
	} else {
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("Queue %s is accessible", c.queue)
	}
	result.Duration = time.Since(start)
	return result
}

// ExchangeChecker checks that an exchange has been declared
type ExchangeChecker struct {
	conn     *rabbitmq.ConnectionManager
	exchange string
}

// NewExchangeChecker creates an exchange checker
func NewExchangeChecker(conn *rabbitmq.ConnectionManager, exchange string) *ExchangeChecker {
	return &ExchangeChecker{conn: conn, exchange: exchange}
}

func (c *ExchangeChecker) Name() string {
	return fmt.Sprintf("exchange_%s", c.exchange)
}

func (c *ExchangeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := newResult(c.Name(), start)

	ch, err := c.conn.OpenChannel(ctx)
	if err != nil {
		return fail(result, StatusUnhealthy, "Failed to open channel", err)
	}
	defer ch.Close()

	exists, err := rabbitmq.NewTopologyManager(ch).ExchangeExists(ctx, c.exchange)
	if err != nil {
		return fail(result, StatusUnhealthy, fmt.Sprintf("Exchange %s not accessible", c.exchange), err)
	}
	if !exists {
		// nothing has published or subscribed yet
		return fail(result, StatusDegraded, fmt.Sprintf("Exchange %s is not declared", c.exchange), nil)
	}

	result.Status = StatusHealthy
	result.Message = fmt.Sprintf("Exchange %s exists", c.exchange)
	result.Duration = time.Since(start)
	return result
}

// CheckerFunc adapts a function to Checker
type CheckerFunc struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func NewCheckerFunc(name string, fn func(ctx context.Context) CheckResult) *CheckerFunc {
	return &CheckerFunc{name: name, fn: fn}
}

func (c *CheckerFunc) Name() string {
	return c.name
}

func (c *CheckerFunc) Check(ctx context.Context) CheckResult {
	return c.fn(ctx)
}

func newResult(name string, start time.Time) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: start,
		Details:   make(map[string]any),
	}
}

func fail(result CheckResult, status Status, msg string, err error) CheckResult {
	result.Status = status
	result.Message = msg
	if err != nil {
		result.Error = err.Error()
	}
	result.Duration = time.Since(result.Timestamp)
	return result
}
