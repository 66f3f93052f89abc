package rabbitmq

import (
	"context"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// mockConnection fakes a broker connection. Channel is mocked; close state
// is tracked directly since the watcher goroutines poll it.
type mockConnection struct {
	mock.Mock
	closed atomic.Bool

	mu     sync.Mutex
	notify chan *amqp.Error
}

func (m *mockConnection) Channel() (Chan, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(Chan), args.Error(1)
}

func (m *mockConnection) Close() error {
	if m.closed.Swap(true) {
		return amqp.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notify != nil {
		close(m.notify)
		m.notify = nil
	}
	return nil
}

func (m *mockConnection) IsClosed() bool {
	return m.closed.Load()
}

func (m *mockConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = receiver
	return receiver
}

// dropWith simulates a broker-initiated connection close
func (m *mockConnection) dropWith(err *amqp.Error) {
	m.closed.Store(true)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notify != nil {
		m.notify <- err
		close(m.notify)
		m.notify = nil
	}
}

// mockChannel fakes an AMQP channel
type mockChannel struct {
	mock.Mock
	closed atomic.Bool

	mu     sync.Mutex
	notify chan *amqp.Error
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.Called(name, kind, durable, autoDelete, internal, noWait, args).Error(0)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	mockArgs := m.Called(name, durable, autoDelete, exclusive, noWait, args)
	return mockArgs.Get(0).(amqp.Queue), mockArgs.Error(1)
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	return m.Called(name, key, exchange, noWait, args).Error(0)
}

func (m *mockChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.Called(prefetchCount, prefetchSize, global).Error(0)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.Called(ctx, exchange, key, mandatory, immediate, msg).Error(0)
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	mockArgs := m.Called(queue, consumer, autoAck, exclusive, noLocal, noWait, args)
	if mockArgs.Get(0) == nil {
		return nil, mockArgs.Error(1)
	}
	return mockArgs.Get(0).(<-chan amqp.Delivery), mockArgs.Error(1)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.Called(consumer, noWait).Error(0)
}

func (m *mockChannel) Close() error {
	if m.closed.Swap(true) {
		return amqp.ErrClosed
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notify != nil {
		close(m.notify)
		m.notify = nil
	}
	return nil
}

func (m *mockChannel) IsClosed() bool {
	return m.closed.Load()
}

func (m *mockChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = receiver
	return receiver
}

// failWith simulates a channel exception: the broker closes the channel
func (m *mockChannel) failWith(err *amqp.Error) {
	m.closed.Store(true)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notify != nil {
		m.notify <- err
		close(m.notify)
		m.notify = nil
	}
}

type mockListener struct {
	mock.Mock
}

func (m *mockListener) OnConnected() {
	m.Called()
}

func (m *mockListener) OnDisconnected(err error) {
	m.Called(err)
}

type mockDeliveryAcknowledger struct {
	mock.Mock
}

func (m *mockDeliveryAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockDeliveryAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// newTestChannel wraps a fresh mockChannel in a Channel on a mockConnection
func newTestChannel() (*Channel, *mockChannel, *mockConnection) {
	mc := &mockChannel{}
	conn := &mockConnection{}
	return newChannel(mc, conn, discardLogger()), mc, conn
}
