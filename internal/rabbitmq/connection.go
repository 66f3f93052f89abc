package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager opens and holds one broker connection. It does not
// reconnect: a broker-initiated close is logged, reported to listeners and
// surfaces as ErrConnectionNotReady on the next OpenChannel.
type ConnectionManager struct {
	url            string
	dial           Dialer
	conn           Conn
	mu             sync.RWMutex
	logger         *slog.Logger
	isConnected    bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the amqp091 dialer, e.g. with an in-memory broker
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:    url,
		dial:   DialAMQP,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

type dialResult struct {
	conn Conn
	err  error
}

// Connect establishes the connection. It suspends until the broker handshake
// completes, fails, or ctx is done. Malformed URLs fail without dialing.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	if _, err := amqp.ParseURI(cm.url); err != nil {
		return cm.connectError(fmt.Errorf("%w: %w", ErrInvalidURL, err))
	}

	results := make(chan dialResult, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		results <- dialResult{conn: conn, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			return cm.connectError(res.err)
		}

		cm.conn = res.conn
		cm.isConnected = true
		cm.done = make(chan struct{})
		notifyClose := res.conn.NotifyClose(make(chan *amqp.Error, 1))
		go cm.watch(res.conn, notifyClose, cm.done)

		cm.logger.Info("connected to broker", "url", SanitizeURL(cm.url))
		cm.notifyConnected()
		return nil

	case <-ctx.Done():
		// The dial goroutine may still succeed; don't leak that connection.
		go func() {
			if res := <-results; res.conn != nil {
				res.conn.Close()
			}
		}()
		return cm.connectError(ctx.Err())
	}
}

func (cm *ConnectionManager) connectError(err error) error {
	return &ConnectionError{
		Op:        "connect",
		URL:       SanitizeURL(cm.url),
		Err:       err,
		Timestamp: time.Now(),
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Conn, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// OpenChannel opens a new channel on the connection
func (cm *ConnectionManager) OpenChannel(ctx context.Context) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, &ChannelError{Op: "open channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open channel", ChannelID: "new", Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open channel",
			ChannelID: "new",
			Err:       fmt.Errorf("%w: %w", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	return newChannel(ch, conn, cm.logger), nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// URL returns the broker URL with the password removed
func (cm *ConnectionManager) URL() string {
	return SanitizeURL(cm.url)
}

// Close closes the connection and, with it, every channel opened on it
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	close(cm.done)
	cm.isConnected = false

	conn := cm.conn
	cm.conn = nil
	if conn == nil {
		return nil
	}

	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConnectionError{Op: "close", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now()}
	}

	cm.logger.Info("connection closed", "url", SanitizeURL(cm.url))
	return nil
}

// watch reacts to a broker-initiated close of conn
func (cm *ConnectionManager) watch(conn Conn, notifyClose chan *amqp.Error, done chan struct{}) {
	select {
	case amqpErr, ok := <-notifyClose:
		if !ok || amqpErr == nil {
			// graceful close initiated by Close
			return
		}

		cm.logger.Error("connection closed by broker",
			"code", amqpErr.Code,
			"reason", amqpErr.Reason)

		cm.mu.Lock()
		if cm.conn == conn {
			cm.isConnected = false
			cm.conn = nil
			close(cm.done)
		}
		cm.mu.Unlock()

		cm.notifyDisconnected(&ConnectionError{
			Op:        "connection",
			URL:       SanitizeURL(cm.url),
			Err:       amqpErr,
			Timestamp: time.Now(),
		})

	case <-done:
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
