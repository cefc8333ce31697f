// Package natsbus implements bus.Conn over NATS core subjects.
//
// NATS subject wildcards already match the bus pattern syntax, so patterns
// are passed through unchanged. The client library resubscribes after a
// reconnect; publishes are refused while the connection is down instead of
// being buffered.
package natsbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/reliability"
	"github.com/nats-io/nats.go"
)

// Config holds connection settings
type Config struct {
	URL                string
	User               string
	Password           string
	Name               string
	MaxReconnects      int
	ReconnectWait      time.Duration
	MaxReconnectWait   time.Duration
	ConnectTimeout     time.Duration
	ConnectAttempts    int
	HandlerConcurrency int
}

func (c *Config) setDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "admin-portal"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 10
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.MaxReconnectWait < c.ReconnectWait {
		c.MaxReconnectWait = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 3
	}
	if c.HandlerConcurrency <= 0 {
		c.HandlerConcurrency = 64
	}
}

// Option configures the connection
type Option func(*Conn)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Conn) {
		c.logger = logger
	}
}

// WithStateListener registers a connection state listener
func WithStateListener(listener bus.StateListener) Option {
	return func(c *Conn) {
		c.listeners = append(c.listeners, listener)
	}
}

// Conn is a NATS-backed bus connection
type Conn struct {
	nc         *nats.Conn
	cfg        Config
	logger     *slog.Logger
	dispatcher *bus.Dispatcher
	listeners  []bus.StateListener

	mu         sync.Mutex
	subs       map[string]*nats.Subscription
	closed     atomic.Bool
	reconnects atomic.Int64
}

func newConn(cfg Config, opts ...Option) *Conn {
	cfg.setDefaults()
	c := &Conn{
		cfg:    cfg,
		logger: slog.Default(),
		subs:   make(map[string]*nats.Subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dispatcher = bus.NewDispatcher(cfg.HandlerConcurrency, bus.WithDispatcherLogger(c.logger))
	return c
}

// Connect dials NATS, retrying the initial connection with backoff
func Connect(ctx context.Context, cfg Config, opts ...Option) (*Conn, error) {
	c := newConn(cfg, opts...)
	safeURL := bus.SanitizeURL(c.cfg.URL)

	attempts := 0
	policy := reliability.NewExponentialBackoff(c.cfg.ReconnectWait, c.cfg.MaxReconnectWait, 2, c.cfg.ConnectAttempts-1)
	err := reliability.Retry(ctx, policy, func() error {
		attempts++
		nc, err := nats.Connect(c.cfg.URL, c.natsOptions()...)
		if err != nil {
			c.logger.Warn("nats connect failed", "url", safeURL, "attempt", attempts, "error", err)
			return err
		}
		c.nc = nc
		return nil
	})
	if err != nil {
		c.dispatcher.Close()
		return nil, &bus.ConnectionError{
			Op:        "connect",
			URL:       safeURL,
			Err:       fmt.Errorf("%w: %w", bus.ErrBrokerUnavailable, err),
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	c.logger.Info("connected to nats", "url", safeURL, "server", c.nc.ConnectedServerId())
	for _, l := range c.listeners {
		l.OnConnected()
	}
	return c, nil
}

func (c *Conn) natsOptions() []nats.Option {
	backoff := reliability.NewExponentialBackoff(c.cfg.ReconnectWait, c.cfg.MaxReconnectWait, 2, c.cfg.MaxReconnects)

	opts := []nats.Option{
		nats.Name(c.cfg.Name),
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.CustomReconnectDelay(func(attempts int) time.Duration {
			c.reconnects.Add(1)
			for _, l := range c.listeners {
				l.OnReconnecting(attempts)
			}
			return backoff.NextDelay(attempts - 1)
		}),
		// publishes must fail while disconnected rather than queue
		nats.ReconnectBufSize(-1),
		nats.DisconnectErrHandler(c.onDisconnect),
		nats.ReconnectHandler(c.onReconnect),
		nats.ClosedHandler(c.onClosed),
		nats.ErrorHandler(c.onAsyncError),
	}
	if c.cfg.User != "" {
		opts = append(opts, nats.UserInfo(c.cfg.User, c.cfg.Password))
	}
	return opts
}

func (c *Conn) onDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.logger.Warn("nats disconnected", "error", err)
	for _, l := range c.listeners {
		l.OnDisconnected(err)
	}
}

func (c *Conn) onReconnect(nc *nats.Conn) {
	c.logger.Info("nats reconnected", "url", bus.SanitizeURL(nc.ConnectedUrl()), "reconnects", c.reconnects.Load())
	for _, l := range c.listeners {
		l.OnConnected()
	}
}

func (c *Conn) onClosed(nc *nats.Conn) {
	if c.closed.Load() {
		return
	}
	// only reached when the reconnect cap is exhausted
	c.logger.Error("nats connection closed, giving up", "maxReconnects", c.cfg.MaxReconnects, "error", nc.LastError())
	for _, l := range c.listeners {
		l.OnDisconnected(bus.ErrBrokerUnavailable)
	}
}

func (c *Conn) onAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("nats async error", "subject", subject, "error", err)
}

// Publish implements bus.Conn
func (c *Conn) Publish(ctx context.Context, msg *bus.Message) error {
	if err := bus.ValidateTopic(msg.Topic); err != nil {
		return &bus.PublishError{Topic: msg.Topic, Err: err, Timestamp: time.Now()}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return bus.ErrClosed
	}
	if !c.IsConnected() {
		return bus.ErrBrokerUnavailable
	}

	if err := c.nc.PublishMsg(toNATS(msg)); err != nil {
		return &bus.PublishError{Topic: msg.Topic, Err: mapError(err), Timestamp: time.Now()}
	}
	return nil
}

// Subscribe implements bus.Conn
func (c *Conn) Subscribe(pattern string, handler bus.Handler) (bus.Subscription, error) {
	if err := bus.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, bus.ErrClosed
	}
	if c.nc == nil {
		return nil, bus.ErrBrokerUnavailable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.subs[pattern]; exists {
		return nil, bus.ErrAlreadySubscribed
	}

	sub, err := c.nc.Subscribe(pattern, func(m *nats.Msg) {
		c.dispatcher.Dispatch(handler, fromNATS(m))
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", pattern, mapError(err))
	}
	c.subs[pattern] = sub
	c.logger.Debug("nats subscribed", "pattern", pattern)

	return &subscription{conn: c, pattern: pattern, sub: sub}, nil
}

// IsConnected implements bus.Conn
func (c *Conn) IsConnected() bool {
	return !c.closed.Load() && c.nc != nil && c.nc.IsConnected()
}

// Reconnects returns how many reconnect attempts were made
func (c *Conn) Reconnects() int64 {
	return c.reconnects.Load()
}

// Close drains subscriptions and closes the connection
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	for pattern, sub := range c.subs {
		if err := sub.Unsubscribe(); err != nil {
			c.logger.Debug("nats unsubscribe on close", "pattern", pattern, "error", err)
		}
		delete(c.subs, pattern)
	}
	c.mu.Unlock()

	var err error
	if c.nc != nil {
		if drainErr := c.nc.Drain(); drainErr != nil && !errors.Is(drainErr, nats.ErrConnectionClosed) {
			err = fmt.Errorf("nats drain: %w", drainErr)
			c.nc.Close()
		}
	}
	c.dispatcher.Close()
	c.logger.Info("nats connection closed")
	return err
}

type subscription struct {
	conn    *Conn
	pattern string
	sub     *nats.Subscription
}

func (s *subscription) Pattern() string {
	return s.pattern
}

func (s *subscription) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()

	if cur, ok := s.conn.subs[s.pattern]; !ok || cur != s.sub {
		return nil
	}
	delete(s.conn.subs, s.pattern)
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return fmt.Errorf("nats unsubscribe %s: %w", s.pattern, err)
	}
	return nil
}

func toNATS(msg *bus.Message) *nats.Msg {
	m := nats.NewMsg(msg.Topic)
	m.Reply = msg.ReplyTo
	m.Data = msg.Data
	for k, v := range msg.Headers {
		m.Header.Set(k, v)
	}
	if msg.CorrelationID != "" {
		m.Header.Set(bus.HeaderCorrelationID, msg.CorrelationID)
	}
	return m
}

func fromNATS(m *nats.Msg) *bus.Message {
	msg := &bus.Message{
		Topic:     m.Subject,
		ReplyTo:   m.Reply,
		Data:      m.Data,
		Timestamp: time.Now(),
	}
	if len(m.Header) > 0 {
		msg.Headers = make(map[string]string, len(m.Header))
		for k := range m.Header {
			msg.Headers[k] = m.Header.Get(k)
		}
		msg.CorrelationID = m.Header.Get(bus.HeaderCorrelationID)
	}
	return msg
}

func mapError(err error) error {
	switch {
	case errors.Is(err, nats.ErrConnectionClosed):
		return fmt.Errorf("%w: %w", bus.ErrClosed, err)
	case errors.Is(err, nats.ErrConnectionReconnecting),
		errors.Is(err, nats.ErrReconnectBufExceeded),
		errors.Is(err, nats.ErrConnectionDraining),
		errors.Is(err, nats.ErrNoServers):
		return fmt.Errorf("%w: %w", bus.ErrBrokerUnavailable, err)
	default:
		return err
	}
}
