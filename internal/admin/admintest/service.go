// Package admintest provides a scripted admin service on a bus connection
// for tests of packages that sit above the bridge.
package admintest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/htpi/admin-portal/internal/bus"
)

// HandlerFunc answers one request. Returning nil sends no reply.
type HandlerFunc func(payload json.RawMessage) any

// Service answers requests on the topics it handles
type Service struct {
	conn bus.Conn

	mu       sync.Mutex
	requests map[string][]json.RawMessage
	subs     []bus.Subscription
}

// New creates a service on conn
func New(conn bus.Conn) *Service {
	return &Service{
		conn:     conn,
		requests: make(map[string][]json.RawMessage),
	}
}

// Handle subscribes to topic and answers with fn
func (s *Service) Handle(topic string, fn HandlerFunc) error {
	sub, err := s.conn.Subscribe(topic, func(ctx context.Context, msg *bus.Message) {
		s.mu.Lock()
		s.requests[topic] = append(s.requests[topic], append(json.RawMessage(nil), msg.Data...))
		s.mu.Unlock()

		reply := fn(msg.Data)
		if reply == nil || msg.ReplyTo == "" {
			return
		}

		var data []byte
		switch r := reply.(type) {
		case []byte:
			data = r
		case string:
			data = []byte(r)
		default:
			var err error
			if data, err = json.Marshal(r); err != nil {
				return
			}
		}
		_ = s.conn.Publish(ctx, &bus.Message{
			Topic:         msg.ReplyTo,
			CorrelationID: msg.CorrelationID,
			Data:          data,
		})
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

// Requests returns the payloads received on topic
func (s *Service) Requests(topic string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.requests[topic]...)
}

// Close unsubscribes every handler
func (s *Service) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// OK builds a successful reply carrying data
func OK(data any) map[string]any {
	return map[string]any{"success": true, "data": data}
}

// Fail builds a rejected reply
func Fail(message string) map[string]any {
	return map[string]any{"success": false, "error": message}
}

// Silent never replies
func Silent(json.RawMessage) any {
	return nil
}
