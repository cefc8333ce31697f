package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/htpi/admin-portal/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// client is one websocket connection. Frames are queued on send and
// written by writePump, which is the only goroutine writing to conn.
type client struct {
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newClient(conn *websocket.Conn, buffer int, logger *slog.Logger) *client {
	return &client{
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Send queues frame without blocking
func (c *client) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	default:
		return session.ErrSlowConsumer
	}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// writePump drains the send queue and pings the peer every pingPeriod
func (c *client) writePump(pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return

		case frame := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("set write deadline", "error", err)
				c.close()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.close()
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.logger.Debug("websocket ping failed", "error", err)
				c.close()
				return
			}
		}
	}
}
