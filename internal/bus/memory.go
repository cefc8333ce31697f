package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Memory is an in-process bus. Delivery goes through the same Dispatcher the
// network drivers use, so handlers observe the same concurrency.
type Memory struct {
	mu        sync.RWMutex
	subs      map[string]*memorySubscription
	connected bool
	closed    bool
	listeners []StateListener

	dispatcher *Dispatcher
	logger     *slog.Logger
	published  atomic.Int64
}

// MemoryOption configures the in-process bus
type MemoryOption func(*memoryConfig)

type memoryConfig struct {
	logger      *slog.Logger
	concurrency int
}

// WithMemoryLogger sets the logger
func WithMemoryLogger(logger *slog.Logger) MemoryOption {
	return func(c *memoryConfig) {
		c.logger = logger
	}
}

// WithMemoryConcurrency sets the handler concurrency
func WithMemoryConcurrency(n int) MemoryOption {
	return func(c *memoryConfig) {
		c.concurrency = n
	}
}

// NewMemory creates a connected in-process bus
func NewMemory(options ...MemoryOption) *Memory {
	cfg := &memoryConfig{
		logger:      slog.Default(),
		concurrency: 64,
	}
	for _, opt := range options {
		opt(cfg)
	}

	return &Memory{
		subs:       make(map[string]*memorySubscription),
		connected:  true,
		dispatcher: NewDispatcher(cfg.concurrency, WithDispatcherLogger(cfg.logger)),
		logger:     cfg.logger,
	}
}

// Publish implements Conn
func (m *Memory) Publish(ctx context.Context, msg *Message) error {
	if err := ValidateTopic(msg.Topic); err != nil {
		return &PublishError{Topic: msg.Topic, Err: err, Timestamp: time.Now()}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	if !m.connected {
		return ErrBrokerUnavailable
	}

	m.published.Add(1)
	for _, sub := range m.subs {
		if Match(sub.pattern, msg.Topic) {
			m.dispatcher.Dispatch(sub.handler, cloneMessage(msg))
		}
	}
	return nil
}

// Subscribe implements Conn
func (m *Memory) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, exists := m.subs[pattern]; exists {
		return nil, ErrAlreadySubscribed
	}

	sub := &memorySubscription{bus: m, pattern: pattern, handler: handler}
	m.subs[pattern] = sub
	m.logger.Debug("memory bus subscribed", "pattern", pattern)
	return sub, nil
}

// IsConnected implements Conn
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected && !m.closed
}

// SetConnected simulates a broker outage or recovery
func (m *Memory) SetConnected(connected bool) {
	m.mu.Lock()
	changed := m.connected != connected
	m.connected = connected
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, l := range listeners {
		if connected {
			l.OnConnected()
		} else {
			l.OnDisconnected(ErrBrokerUnavailable)
		}
	}
}

// AddStateListener registers a connection state listener
func (m *Memory) AddStateListener(listener StateListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, listener)
}

// PublishCount returns the number of accepted publishes
func (m *Memory) PublishCount() int64 {
	return m.published.Load()
}

// Close implements Conn
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.subs = make(map[string]*memorySubscription)
	m.mu.Unlock()

	m.dispatcher.Close()
	return nil
}

type memorySubscription struct {
	bus     *Memory
	pattern string
	handler Handler
}

func (s *memorySubscription) Pattern() string {
	return s.pattern
}

func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if cur, ok := s.bus.subs[s.pattern]; ok && cur == s {
		delete(s.bus.subs, s.pattern)
	}
	return nil
}

func cloneMessage(msg *Message) *Message {
	out := *msg
	if msg.Headers != nil {
		out.Headers = make(map[string]string, len(msg.Headers))
		for k, v := range msg.Headers {
			out.Headers[k] = v
		}
	}
	if msg.Data != nil {
		out.Data = append([]byte(nil), msg.Data...)
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now()
	}
	return &out
}
