package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionManager manages the RabbitMQ connection with bounded reconnection
type ConnectionManager struct {
	url            string
	name           string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	maxDelay       time.Duration
	maxRetries     int
	dialTimeout    time.Duration
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	exhausted      bool
	done           chan struct{}
	closeOnce      sync.Once
	stateListeners []bus.StateListener
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

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxReconnectDelay caps the backoff between reconnection attempts
func WithMaxReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxDelay = delay
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. A negative
// value retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectionName sets the connection name shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		name:           "admin-portal",
		reconnectDelay: 2 * time.Second,
		maxDelay:       30 * time.Second,
		maxRetries:     10,
		dialTimeout:    30 * time.Second,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &bus.ConnectionError{
			Op:        "connect",
			URL:       bus.SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %w", bus.ErrBrokerUnavailable, err),
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	cm.attach(conn)
	cm.logger.Info("connected to RabbitMQ", "url", bus.SanitizeURL(cm.url))
	cm.notifyConnected()

	go cm.handleReconnect()
	return nil
}

// dial opens a connection, giving up after the dial timeout or ctx
func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)

	go func() {
		props := amqp.NewConnectionProperties()
		props.SetClientConnectionName(cm.name)
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Heartbeat:  10 * time.Second,
			Properties: props,
		})
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			// close a connection that completes after we gave up
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ErrConnectionTimeout
	}
}

// attach must be called with mu held
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.exhausted = false
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
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

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Exhausted reports whether reconnection gave up after maxRetries
func (cm *ConnectionManager) Exhausted() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.exhausted
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	var err error
	cm.closeOnce.Do(func() {
		close(cm.done)

		cm.mu.Lock()
		defer cm.mu.Unlock()
		cm.isConnected = false
		if cm.conn != nil {
			if !cm.conn.IsClosed() {
				err = cm.conn.Close()
			}
			cm.conn = nil
		}
	})
	return err
}

// handleReconnect monitors the connection and reconnects if necessary
func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notify := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case amqpErr, ok := <-notify:
			var err error = bus.ErrBrokerUnavailable
			if ok && amqpErr != nil {
				err = amqpErr
			}
			select {
			case <-cm.done:
				return
			default:
			}

			cm.logger.Error("connection lost", "error", err)
			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()
			cm.notifyDisconnected(err)

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect retries until connected, closed or out of attempts. It returns
// true when a new connection is attached.
func (cm *ConnectionManager) reconnect() bool {
	backoff := reliability.NewExponentialBackoff(cm.reconnectDelay, cm.maxDelay, 2, cm.maxRetries)
	start := time.Now()

	for attempt := 0; cm.maxRetries < 0 || attempt < cm.maxRetries; attempt++ {
		delay := backoff.NextDelay(attempt)
		cm.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"maxRetries", cm.maxRetries,
			"delay", delay)
		cm.notifyReconnecting(attempt + 1)

		select {
		case <-time.After(delay):
		case <-cm.done:
			return false
		}

		conn, err := cm.dial(context.Background())
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempt+1)
			continue
		}

		cm.mu.Lock()
		select {
		case <-cm.done:
			cm.mu.Unlock()
			_ = conn.Close()
			return false
		default:
		}
		cm.attach(conn)
		cm.mu.Unlock()

		cm.logger.Info("reconnected to RabbitMQ",
			"attempts", attempt+1,
			"duration", time.Since(start))
		cm.notifyConnected()
		return true
	}

	cm.mu.Lock()
	cm.exhausted = true
	cm.mu.Unlock()

	cm.logger.Error("max reconnection attempts reached, staying disconnected",
		"attempts", cm.maxRetries,
		"duration", time.Since(start))
	cm.notifyDisconnected(&bus.ConnectionError{
		Op:        "reconnect",
		URL:       bus.SanitizeURL(cm.url),
		Err:       ErrMaxRetriesExceeded,
		Timestamp: time.Now(),
		Attempts:  cm.maxRetries,
	})
	return false
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener bus.StateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

func (cm *ConnectionManager) listeners() []bus.StateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]bus.StateListener(nil), cm.stateListeners...)
}

func (cm *ConnectionManager) notifyConnected() {
	for _, l := range cm.listeners() {
		go l.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, l := range cm.listeners() {
		go l.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, l := range cm.listeners() {
		go l.OnReconnecting(attempt)
	}
}
