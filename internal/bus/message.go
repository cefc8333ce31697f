package bus

import (
	"context"
	"time"
)

// Header keys shared by every driver.
const (
	HeaderCorrelationID = "Correlation-Id"
	HeaderReplyTo       = "Reply-To"
	HeaderContentType   = "Content-Type"
)

// Message is a single bus delivery or publication
type Message struct {
	Topic         string
	ReplyTo       string
	CorrelationID string
	Headers       map[string]string
	Data          []byte
	Timestamp     time.Time
}

// Header returns the value of a header or an empty string
func (m *Message) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map if needed
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// Handler processes a delivery. Handlers run on dispatcher goroutines.
type Handler func(ctx context.Context, msg *Message)

// Subscription is a live subscription for one pattern
type Subscription interface {
	Pattern() string
	Unsubscribe() error
}

// Conn is the shared connection to the message bus
type Conn interface {
	// Publish sends msg. It returns ErrBrokerUnavailable without blocking
	// when there is no live connection.
	Publish(ctx context.Context, msg *Message) error
	// Subscribe registers the single subscription for pattern.
	Subscribe(pattern string, handler Handler) (Subscription, error)
	IsConnected() bool
	Close() error
}

// StateListener receives connection state changes
type StateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// StateFuncs adapts plain functions to StateListener. Nil fields are skipped.
type StateFuncs struct {
	Connected    func()
	Disconnected func(err error)
	Reconnecting func(attempt int)
}

func (f StateFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

func (f StateFuncs) OnDisconnected(err error) {
	if f.Disconnected != nil {
		f.Disconnected(err)
	}
}

func (f StateFuncs) OnReconnecting(attempt int) {
	if f.Reconnecting != nil {
		f.Reconnecting(attempt)
	}
}
