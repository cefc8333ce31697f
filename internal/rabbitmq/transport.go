package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/htpi/admin-portal/internal/bus"
	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange every bus message goes through
const DefaultExchange = "portal.bus"

// Transport implements bus.Conn on top of a single topic exchange. Each
// subscription owns an exclusive broker-named queue bound with the
// translated pattern.
type Transport struct {
	manager   *ConnectionManager
	pool      *ChannelPool
	topology  *TopologyManager
	publisher *Publisher
	consumer  *Consumer

	dispatcher *bus.Dispatcher
	logger     *slog.Logger

	exchange    string
	confirms    bool
	concurrency int
	connOpts    []ConnectionOption
	listeners   []bus.StateListener

	mu     sync.Mutex
	subs   map[string]*transportSub
	closed atomic.Bool
}

type transportSub struct {
	pattern string
	handler bus.Handler
	queue   string
}

// TransportOption configures the transport
type TransportOption func(*Transport)

// WithExchange overrides the bus exchange name
func WithExchange(name string) TransportOption {
	return func(t *Transport) {
		t.exchange = name
	}
}

// WithPublisherConfirms toggles broker confirms on publish
func WithPublisherConfirms(enabled bool) TransportOption {
	return func(t *Transport) {
		t.confirms = enabled
	}
}

// WithHandlerConcurrency bounds concurrent handler executions
func WithHandlerConcurrency(n int) TransportOption {
	return func(t *Transport) {
		t.concurrency = n
	}
}

// WithConnectionOptions passes options through to the connection manager
func WithConnectionOptions(opts ...ConnectionOption) TransportOption {
	return func(t *Transport) {
		t.connOpts = append(t.connOpts, opts...)
	}
}

// WithTransportLogger sets the logger
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithTransportStateListener registers a connection state listener
func WithTransportStateListener(listener bus.StateListener) TransportOption {
	return func(t *Transport) {
		t.listeners = append(t.listeners, listener)
	}
}

// NewTransport connects to url and declares the bus exchange
func NewTransport(ctx context.Context, url string, opts ...TransportOption) (*Transport, error) {
	t := &Transport{
		exchange:    DefaultExchange,
		confirms:    true,
		concurrency: 64,
		logger:      slog.Default(),
		subs:        make(map[string]*transportSub),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.manager = NewConnectionManager(url, append([]ConnectionOption{WithLogger(t.logger)}, t.connOpts...)...)
	if err := t.manager.Connect(ctx); err != nil {
		return nil, err
	}

	pool, err := NewChannelPool(t.manager, WithChannelLogger(t.logger))
	if err != nil {
		_ = t.manager.Close()
		return nil, err
	}
	t.pool = pool
	t.topology = NewTopologyManager(pool)

	if err := t.topology.DeclareExchange(ctx, BusExchange(t.exchange)); err != nil {
		_ = t.pool.Close()
		_ = t.manager.Close()
		return nil, err
	}

	t.publisher = NewPublisher(pool, WithConfirms(t.confirms), WithPublisherLogger(t.logger))
	t.consumer = NewConsumer(pool, WithConsumerLogger(t.logger))
	t.dispatcher = bus.NewDispatcher(t.concurrency, bus.WithDispatcherLogger(t.logger))

	t.manager.AddStateListener(t)
	for _, l := range t.listeners {
		t.manager.AddStateListener(l)
	}

	t.logger.Info("rabbitmq transport ready", "exchange", t.exchange)
	return t, nil
}

// OnConnected rebinds every subscription after a reconnect. Exclusive
// queues die with the old connection, so each gets a fresh one.
func (t *Transport) OnConnected() {
	if t.closed.Load() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.topology.DeclareExchange(ctx, BusExchange(t.exchange)); err != nil {
		t.logger.Error("failed to redeclare exchange", "exchange", t.exchange, "error", err)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	for pattern, sub := range t.subs {
		t.consumer.Unsubscribe(sub.queue)
		if err := t.bind(ctx, sub); err != nil {
			t.logger.Error("failed to resubscribe", "pattern", pattern, "error", err)
			continue
		}
		t.logger.Info("resubscribed", "pattern", pattern, "queue", sub.queue)
	}
}

// OnDisconnected implements bus.StateListener
func (t *Transport) OnDisconnected(err error) {
	t.logger.Debug("rabbitmq transport lost connection", "error", err)
}

// OnReconnecting implements bus.StateListener
func (t *Transport) OnReconnecting(int) {}

// Publish implements bus.Conn
func (t *Transport) Publish(ctx context.Context, msg *bus.Message) error {
	if err := bus.ValidateTopic(msg.Topic); err != nil {
		return &bus.PublishError{Topic: msg.Topic, Err: err, Timestamp: time.Now()}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.closed.Load() {
		return bus.ErrClosed
	}
	if !t.manager.IsConnected() {
		return bus.ErrBrokerUnavailable
	}

	if err := t.publisher.Publish(ctx, t.exchange, msg.Topic, toPublishing(msg)); err != nil {
		if isConnectionLoss(err) {
			err = fmt.Errorf("%w: %w", bus.ErrBrokerUnavailable, err)
		}
		return &bus.PublishError{Topic: msg.Topic, Err: err, Timestamp: time.Now()}
	}
	return nil
}

// Subscribe implements bus.Conn
func (t *Transport) Subscribe(pattern string, handler bus.Handler) (bus.Subscription, error) {
	if err := bus.ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if t.closed.Load() {
		return nil, bus.ErrClosed
	}
	if !t.manager.IsConnected() {
		return nil, bus.ErrBrokerUnavailable
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.subs[pattern]; exists {
		return nil, bus.ErrAlreadySubscribed
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sub := &transportSub{pattern: pattern, handler: handler}
	if err := t.bind(ctx, sub); err != nil {
		return nil, fmt.Errorf("rabbitmq subscribe %s: %w", pattern, err)
	}
	t.subs[pattern] = sub
	t.logger.Debug("rabbitmq subscribed", "pattern", pattern, "queue", sub.queue)

	return &transportSubscription{transport: t, sub: sub}, nil
}

// bind declares a fresh queue for sub, binds it and starts consuming.
// Callers hold t.mu.
func (t *Transport) bind(ctx context.Context, sub *transportSub) error {
	var queue string
	err := t.pool.Execute(ctx, func(ch *PooledChannel) error {
		q, err := t.topology.DeclareQueue(ch, SubscriptionQueue())
		if err != nil {
			return err
		}
		queue = q.Name
		return t.topology.BindQueue(ch, Binding{
			Queue:      q.Name,
			Exchange:   t.exchange,
			RoutingKey: RoutingPattern(sub.pattern),
		})
	})
	if err != nil {
		return err
	}

	handler := sub.handler
	err = t.consumer.Consume(ctx, queue, func(d amqp.Delivery) {
		t.dispatcher.Dispatch(handler, fromDelivery(d))
	})
	if err != nil {
		return err
	}
	sub.queue = queue
	return nil
}

// Manager returns the connection manager
func (t *Transport) Manager() *ConnectionManager {
	return t.manager
}

// Pool returns the channel pool
func (t *Transport) Pool() *ChannelPool {
	return t.pool
}

// Exchange returns the bus exchange name
func (t *Transport) Exchange() string {
	return t.exchange
}

// IsConnected implements bus.Conn
func (t *Transport) IsConnected() bool {
	return !t.closed.Load() && t.manager.IsConnected()
}

// Close stops consumers and closes the connection
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	t.subs = make(map[string]*transportSub)
	t.mu.Unlock()

	t.consumer.UnsubscribeAll()
	_ = t.pool.Close()
	err := t.manager.Close()
	t.dispatcher.Close()
	t.logger.Info("rabbitmq transport closed")
	return err
}

type transportSubscription struct {
	transport *Transport
	sub       *transportSub
}

func (s *transportSubscription) Pattern() string {
	return s.sub.pattern
}

func (s *transportSubscription) Unsubscribe() error {
	t := s.transport

	t.mu.Lock()
	defer t.mu.Unlock()

	if cur, ok := t.subs[s.sub.pattern]; !ok || cur != s.sub {
		return nil
	}
	delete(t.subs, s.sub.pattern)
	// the queue is auto-delete, so cancelling its only consumer removes it
	t.consumer.Unsubscribe(s.sub.queue)
	return nil
}

func toPublishing(msg *bus.Message) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Transient,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     time.Now(),
		Body:          msg.Data,
	}
	for k, v := range msg.Headers {
		if k == bus.HeaderContentType {
			pub.ContentType = v
			continue
		}
		if pub.Headers == nil {
			pub.Headers = amqp.Table{}
		}
		pub.Headers[k] = v
	}
	return pub
}

func fromDelivery(d amqp.Delivery) *bus.Message {
	msg := &bus.Message{
		Topic:         d.RoutingKey,
		ReplyTo:       d.ReplyTo,
		CorrelationID: d.CorrelationId,
		Data:          d.Body,
		Timestamp:     d.Timestamp,
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	for k, v := range d.Headers {
		if s, ok := v.(string); ok {
			msg.SetHeader(k, s)
		} else {
			msg.SetHeader(k, fmt.Sprint(v))
		}
	}
	if d.ContentType != "" {
		msg.SetHeader(bus.HeaderContentType, d.ContentType)
	}
	return msg
}
