// Package gateway serves the browser websocket. It routes inbound events to
// the admin backend under per-event authorization, addresses each response
// to the requesting connection and fans bus broadcasts out to rooms.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/auth"
	"github.com/htpi/admin-portal/internal/bridge"
	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/session"
	"golang.org/x/sync/errgroup"
)

// Defaults
const (
	DefaultBroadcastPattern = "admin.events.>"
	DefaultHealthTimeout    = 5 * time.Second
	DefaultMaxInFlight      = 16
	DefaultSendBuffer       = 256
	DefaultPingPeriod       = 30 * time.Second
)

// EventError is sent to a caller whose event was refused before reaching
// the backend
const EventError = "error"

// Inbound is a frame sent by the browser
type Inbound struct {
	Event     string          `json:"event"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Response is the payload of every <action>:response event
type Response struct {
	Success   bool           `json:"success"`
	RequestID string         `json:"requestId,omitempty"`
	Data      any            `json:"data,omitempty"`
	User      *auth.Identity `json:"user,omitempty"`
	Token     string         `json:"token,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
	Error     string         `json:"error,omitempty"`
	Code      string         `json:"code,omitempty"`
}

// ErrorPayload is the payload of the error event
type ErrorPayload struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// ResponseEvent names the response to action, scoped to requestID when the
// caller supplied one
func ResponseEvent(action, requestID string) string {
	if requestID == "" {
		return action + ":response"
	}
	return action + ":response:" + requestID
}

// Publisher sends fire-and-forget messages on the bus
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, opts ...bridge.PublishOption) error
}

// Metrics receives gateway measurements
type Metrics interface {
	GatewayEvent(event, result string)
}

type noopMetrics struct{}

func (noopMetrics) GatewayEvent(string, string) {}

// Gateway routes websocket events
type Gateway struct {
	registry  *session.Registry
	backend   admin.Backend
	tokens    *auth.Manager
	publisher Publisher
	logger    *slog.Logger
	metrics   Metrics
	upgrader  websocket.Upgrader
	routes    map[string]route

	broadcastPattern string
	healthPrefix     string
	healthTimeout    time.Duration
	healthServices   []string
	maxInFlight      int
	sendBuffer       int
	pingPeriod       time.Duration

	subsMu sync.Mutex
	subs   []bus.Subscription

	labelsMu sync.Mutex
	labels   map[string]healthLabel

	now func() time.Time
}

// Option configures the gateway
type Option func(*Gateway)

// WithTokens enables token issuing on login and the auth:token event
func WithTokens(m *auth.Manager) Option {
	return func(g *Gateway) {
		g.tokens = m
	}
}

// WithPublisher sets the bus publisher used for health checks
func WithPublisher(p Publisher) Option {
	return func(g *Gateway) {
		g.publisher = p
	}
}

// WithBroadcastPattern sets the bus pattern fanned out to rooms
func WithBroadcastPattern(pattern string) Option {
	return func(g *Gateway) {
		g.broadcastPattern = pattern
	}
}

// WithHealthPrefix sets the topic prefix health replies are sent to
func WithHealthPrefix(prefix string) Option {
	return func(g *Gateway) {
		g.healthPrefix = prefix
	}
}

// WithHealthTimeout sets how long a health check waits for every service
func WithHealthTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.healthTimeout = timeout
	}
}

// WithHealthServices sets the services a health check expects by default
func WithHealthServices(services ...string) Option {
	return func(g *Gateway) {
		g.healthServices = services
	}
}

// WithMaxInFlight caps concurrently handled events per connection
func WithMaxInFlight(n int) Option {
	return func(g *Gateway) {
		g.maxInFlight = n
	}
}

// WithSendBuffer sets the per-connection outbound queue length
func WithSendBuffer(n int) Option {
	return func(g *Gateway) {
		g.sendBuffer = n
	}
}

// WithPingPeriod sets the websocket keepalive period. The read deadline is
// twice the period.
func WithPingPeriod(d time.Duration) Option {
	return func(g *Gateway) {
		g.pingPeriod = d
	}
}

// WithCheckOrigin sets the upgrader origin check
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(g *Gateway) {
		g.upgrader.CheckOrigin = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(g *Gateway) {
		if m != nil {
			g.metrics = m
		}
	}
}

// New creates a gateway over registry and backend
func New(registry *session.Registry, backend admin.Backend, opts ...Option) *Gateway {
	g := &Gateway{
		registry:         registry,
		backend:          backend,
		logger:           slog.Default(),
		metrics:          noopMetrics{},
		upgrader:         websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
		broadcastPattern: DefaultBroadcastPattern,
		healthPrefix:     "portal.health." + uuid.NewString()[:8],
		healthTimeout:    DefaultHealthTimeout,
		healthServices:   admin.DefaultServices,
		maxInFlight:      DefaultMaxInFlight,
		sendBuffer:       DefaultSendBuffer,
		pingPeriod:       DefaultPingPeriod,
		labels:           make(map[string]healthLabel),
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.routes = g.buildRoutes()
	return g
}

// Start subscribes to bus broadcasts and health replies on conn
func (g *Gateway) Start(conn bus.Conn) error {
	events, err := conn.Subscribe(g.broadcastPattern, g.handleBroadcast)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", g.broadcastPattern, err)
	}
	health, err := conn.Subscribe(g.healthPrefix+".*", g.handleHealthReply)
	if err != nil {
		_ = events.Unsubscribe()
		return fmt.Errorf("subscribe %s.*: %w", g.healthPrefix, err)
	}

	g.subsMu.Lock()
	g.subs = append(g.subs, events, health)
	g.subsMu.Unlock()
	return nil
}

// Stop drops the bus subscriptions and disconnects every session
func (g *Gateway) Stop() {
	g.subsMu.Lock()
	subs := g.subs
	g.subs = nil
	g.subsMu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, bus.ErrClosed) {
			g.logger.Warn("failed to unsubscribe", "pattern", sub.Pattern(), "error", err)
		}
	}
	if n := g.registry.CloseAll(); n > 0 {
		g.logger.Info("closed websocket sessions", "count", n)
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	g.serve(conn)
}

func (g *Gateway) serve(conn *websocket.Conn) {
	c := newClient(conn, g.sendBuffer, g.logger)
	id := g.registry.OnConnect(c)
	logger := g.logger.With("connectionId", id)
	c.logger = logger

	go c.writePump(g.pingPeriod)

	var inflight errgroup.Group
	inflight.SetLimit(g.maxInFlight)

	defer func() {
		g.registry.OnDisconnect(id)
		g.dropLabels(id)
		_ = inflight.Wait()
		c.close()
	}()

	wait := 2 * g.pingPeriod
	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		logger.Debug("set read deadline", "error", err)
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				logger.Debug("websocket read timeout")
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived):
				logger.Info("websocket closed unexpectedly", "error", err)
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
			return
		}

		in, err := decodeInbound(data)
		if err != nil {
			g.refuse(id, in, err)
			continue
		}
		if !inflight.TryGo(func() error {
			g.Handle(id, in)
			return nil
		}) {
			g.refuse(id, in, fmt.Errorf("%w: too many events in flight", bridge.ErrTooManyPending))
		}
	}
}

func decodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	if in.Event == "" {
		return in, fmt.Errorf("%w: missing event", ErrBadFrame)
	}
	return in, nil
}

// Handle runs one inbound event for connection id and sends its response.
// Authorization failures send an error event and touch nothing else.
func (g *Gateway) Handle(id string, in Inbound) {
	r, ok := g.routes[in.Event]
	if !ok {
		g.refuse(id, in, ErrUnknownEvent)
		return
	}

	var ident auth.Identity
	if !r.public {
		var err error
		if ident, err = g.registry.Authorize(id, r.roles...); err != nil {
			if errors.Is(err, session.ErrUnknownConnection) {
				return
			}
			g.refuse(id, in, err)
			return
		}
	}

	ctx, ok := g.registry.Context(id)
	if !ok {
		return
	}
	if !ident.IsZero() {
		ctx = admin.WithActor(ctx, ident)
	}

	resp, err := r.handle(ctx, &call{session: id, in: in, identity: ident})
	if err != nil {
		if ctx.Err() != nil {
			// the connection is gone, nobody to answer
			g.metrics.GatewayEvent(in.Event, bridge.CodeCancelled)
			return
		}
		g.metrics.GatewayEvent(in.Event, ErrorCode(err))
		g.logger.Debug("event failed", "connectionId", id, "event", in.Event, "requestId", in.RequestID, "error", err)
		g.respond(id, in, Response{Error: ErrorMessage(err), Code: ErrorCode(err)})
		return
	}

	g.metrics.GatewayEvent(in.Event, "ok")
	resp.Success = true
	g.respond(id, in, resp)
}

func (g *Gateway) respond(id string, in Inbound, resp Response) {
	resp.RequestID = in.RequestID
	if err := g.registry.Unicast(id, ResponseEvent(in.Event, in.RequestID), resp); err != nil {
		g.logger.Warn("failed to deliver response", "connectionId", id, "event", in.Event, "error", err)
	}
}

// refuse answers with an error event
func (g *Gateway) refuse(id string, in Inbound, err error) {
	code := ErrorCode(err)
	g.metrics.GatewayEvent(in.Event, code)
	g.logger.Debug("event refused", "connectionId", id, "event", in.Event, "code", code)

	payload := ErrorPayload{
		Event:     in.Event,
		RequestID: in.RequestID,
		Code:      code,
		Message:   ErrorMessage(err),
	}
	if err := g.registry.Unicast(id, EventError, payload); err != nil && !errors.Is(err, session.ErrUnknownConnection) {
		g.logger.Warn("failed to deliver error event", "connectionId", id, "error", err)
	}
}

// Notify broadcasts event to each room and returns the total number of
// sessions reached
func (g *Gateway) Notify(event string, data any, rooms ...string) int {
	n := 0
	for _, room := range rooms {
		n += g.registry.Broadcast(room, event, data)
	}
	return n
}
