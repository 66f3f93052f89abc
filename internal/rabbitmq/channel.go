package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is one AMQP channel on a connection. Requests on a channel are
// serialised: Do runs at most one broker method at a time. A channel
// exception from the broker closes the channel; the error is kept and
// returned by every later call.
type Channel struct {
	ch     Chan
	conn   Conn
	id     string
	logger *slog.Logger

	// mu serialises broker requests on ch
	mu sync.Mutex

	stateMu  sync.Mutex
	closed   bool
	closeErr error
	done     chan struct{}
	tags     map[string]struct{}
}

func newChannel(ch Chan, conn Conn, logger *slog.Logger) *Channel {
	c := &Channel{
		ch:     ch,
		conn:   conn,
		id:     uuid.New().String(),
		logger: logger,
		done:   make(chan struct{}),
		tags:   make(map[string]struct{}),
	}

	notifyClose := ch.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(notifyClose)

	return c
}

// ID returns the client-side channel identifier used in logs and errors
func (c *Channel) ID() string {
	return c.id
}

// Done is closed when the channel closes for any reason
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that closed the channel, or nil while it is open
func (c *Channel) Err() error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if !c.closed {
		return nil
	}
	return c.closedErrLocked()
}

// IsClosed reports whether the channel has been closed
func (c *Channel) IsClosed() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.closed
}

// Do runs fn against the underlying channel. Broker replies and closed
// channel errors come back as *ChannelError.
func (c *Channel) Do(ctx context.Context, op string, fn func(Chan) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.Err(); err != nil {
		return &ChannelError{Op: op, ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}

	err := fn(c.ch)
	if err == nil {
		return nil
	}

	if BrokerCode(err) == 0 {
		return err
	}

	if c.ch.IsClosed() {
		c.markClosed(err)
	}

	return &ChannelError{Op: op, ChannelID: c.id, Err: err, Timestamp: time.Now()}
}

// Probe runs fn on a short-lived second channel of the same connection.
// Passive declarations that fail close the channel they run on, so checks
// that may fail are kept off this one.
func (c *Channel) Probe(ctx context.Context, fn func(Chan) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if c.conn == nil || c.conn.IsClosed() {
		return ErrConnectionClosed
	}

	probe, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChannelCreationFailed, err)
	}
	defer func() {
		if !probe.IsClosed() {
			probe.Close()
		}
	}()

	return fn(probe)
}

// Close closes the channel. Subscriptions on it end.
func (c *Channel) Close() error {
	if c.IsClosed() {
		return nil
	}

	err := c.ch.Close()
	c.markClosed(nil)

	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ChannelError{Op: "close", ChannelID: c.id, Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (c *Channel) watch(notifyClose chan *amqp.Error) {
	amqpErr, ok := <-notifyClose
	if ok && amqpErr != nil {
		c.logger.Warn("channel closed by broker",
			"channelId", c.id,
			"code", amqpErr.Code,
			"reason", amqpErr.Reason)
		c.markClosed(amqpErr)
		return
	}
	c.markClosed(nil)
}

func (c *Channel) markClosed(err error) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	c.closeErr = err
	c.tags = make(map[string]struct{})
	close(c.done)
}

func (c *Channel) closedErrLocked() error {
	if c.closeErr != nil {
		return fmt.Errorf("%w: %w", ErrChannelClosed, c.closeErr)
	}
	return ErrChannelClosed
}

// reserveTag claims a consumer tag on this channel
func (c *Channel) reserveTag(tag string) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	if c.closed {
		return c.closedErrLocked()
	}
	if _, exists := c.tags[tag]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateConsumerTag, tag)
	}
	c.tags[tag] = struct{}{}
	return nil
}

func (c *Channel) releaseTag(tag string) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	delete(c.tags, tag)
}
