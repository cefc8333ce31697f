package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/correlation"
	"github.com/htpi/admin-portal/internal/reliability"
)

const (
	DefaultTimeout    = 5 * time.Second
	DefaultGrace      = time.Second
	DefaultMaxPending = 1000
)

// Metrics receives bridge measurements
type Metrics interface {
	ObserveRequest(outcome string, d time.Duration)
	SetPending(n int)
	DuplicateReply()
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, time.Duration) {}
func (noopMetrics) SetPending(int)                       {}
func (noopMetrics) DuplicateReply()                      {}

// Bridge performs request/reply over a shared bus connection
type Bridge struct {
	conn    bus.Conn
	table   *correlation.Table
	sub     bus.Subscription
	breaker *reliability.CircuitBreaker
	retry   reliability.RetryPolicy
	logger  *slog.Logger
	metrics Metrics

	replyPrefix    string
	defaultTimeout time.Duration
	grace          time.Duration
	maxPending     int
	closed         atomic.Bool
}

// Option configures the bridge
type Option func(*Bridge)

// WithReplyPrefix sets the reply topic prefix. Defaults to portal.replies.<random>.
func WithReplyPrefix(prefix string) Option {
	return func(b *Bridge) {
		b.replyPrefix = prefix
	}
}

// WithDefaultTimeout sets the timeout used when a call passes zero
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(b *Bridge) {
		b.defaultTimeout = timeout
	}
}

// WithGrace sets how long past the deadline a caller waits for the sweeper
// before resolving the timeout itself
func WithGrace(grace time.Duration) Option {
	return func(b *Bridge) {
		b.grace = grace
	}
}

// WithMaxPending caps concurrently pending requests. Zero disables the cap.
func WithMaxPending(max int) Option {
	return func(b *Bridge) {
		b.maxPending = max
	}
}

// WithCircuitBreaker guards publishes with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(b *Bridge) {
		b.breaker = cb
	}
}

// WithRetryPolicy retries failed publishes with policy
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(b *Bridge) {
		b.retry = policy
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(b *Bridge) {
		if m != nil {
			b.metrics = m
		}
	}
}

// New subscribes to the reply wildcard and returns a ready bridge. The table
// is shared with the sweeper.
func New(conn bus.Conn, table *correlation.Table, opts ...Option) (*Bridge, error) {
	if conn == nil {
		return nil, fmt.Errorf("bus connection cannot be nil")
	}
	if table == nil {
		return nil, fmt.Errorf("correlation table cannot be nil")
	}

	b := &Bridge{
		conn:           conn,
		table:          table,
		logger:         slog.Default(),
		metrics:        noopMetrics{},
		replyPrefix:    "portal.replies." + uuid.NewString()[:8],
		defaultTimeout: DefaultTimeout,
		grace:          DefaultGrace,
		maxPending:     DefaultMaxPending,
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := bus.ValidateTopic(b.replyPrefix); err != nil {
		return nil, fmt.Errorf("invalid reply prefix %q: %w", b.replyPrefix, err)
	}

	sub, err := conn.Subscribe(b.replyPrefix+".*", b.handleReply)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to replies: %w", err)
	}
	b.sub = sub

	return b, nil
}

// ReplyPrefix returns the prefix of every reply topic this bridge listens on
func (b *Bridge) ReplyPrefix() string {
	return b.replyPrefix
}

// Table returns the correlation table
func (b *Bridge) Table() *correlation.Table {
	return b.table
}

// PendingCount returns the number of requests waiting for a reply
func (b *Bridge) PendingCount() int {
	return b.table.Len()
}

// RequestReply publishes payload to topic and waits for the correlated reply.
// A timeout of zero or less uses the default. The call always returns within
// timeout plus the grace period.
func (b *Bridge) RequestReply(ctx context.Context, topic string, payload any, timeout time.Duration) (*Reply, error) {
	start := time.Now()

	if b.closed.Load() {
		return nil, b.fail(start, &RequestError{Topic: topic, Err: ErrClosed})
	}
	if !b.conn.IsConnected() {
		return nil, b.fail(start, &RequestError{Topic: topic, Err: ErrBrokerUnavailable})
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}

	data, err := encodePayload(payload)
	if err != nil {
		return nil, b.fail(start, &RequestError{Topic: topic, Err: fmt.Errorf("encode payload: %w", err)})
	}

	id := correlation.NewID()
	pending, err := b.table.RegisterBounded(id, start.Add(timeout), b.maxPending)
	if errors.Is(err, correlation.ErrFull) {
		return nil, b.fail(start, &RequestError{Topic: topic, Err: ErrTooManyPending})
	}
	if err != nil {
		return nil, b.fail(start, &RequestError{Topic: topic, CorrelationID: id, Err: err})
	}
	b.metrics.SetPending(b.table.Len())

	msg := &bus.Message{
		Topic:         topic,
		ReplyTo:       b.replyTopic(id),
		CorrelationID: id,
		Data:          data,
	}
	msg.SetHeader(bus.HeaderContentType, "application/json")

	if err := b.publish(ctx, msg); err != nil {
		b.table.Cancel(id)
		b.metrics.SetPending(b.table.Len())
		return nil, b.fail(start, &RequestError{Topic: topic, CorrelationID: id, Err: err})
	}

	b.logger.Debug("request published", "topic", topic, "correlationId", id, "timeout", timeout)

	result := b.wait(ctx, pending, timeout)
	b.metrics.SetPending(b.table.Len())

	switch result.Outcome {
	case correlation.OutcomeReply:
		reply, err := ParseReply(result.Payload)
		if err != nil {
			b.logger.Warn("malformed reply", "topic", topic, "correlationId", id, "error", err)
			return nil, b.fail(start, &RequestError{Topic: topic, CorrelationID: id, Err: err})
		}
		reply.CorrelationID = id
		b.metrics.ObserveRequest("reply", time.Since(start))
		return reply, nil

	case correlation.OutcomeTimeout:
		b.logger.Warn("request timed out", "topic", topic, "correlationId", id, "timeout", timeout)
		return nil, b.fail(start, &RequestError{Topic: topic, CorrelationID: id, Err: ErrTimeout})

	default:
		cause := result.Err
		if cause == nil {
			cause = context.Canceled
		}
		return nil, b.fail(start, &RequestError{
			Topic:         topic,
			CorrelationID: id,
			Err:           fmt.Errorf("%w: %w", ErrCancelled, cause),
		})
	}
}

// wait blocks until pending is resolved. The caller's context cancels the
// entry; the backstop timer resolves a timeout if no sweeper did.
func (b *Bridge) wait(ctx context.Context, pending *correlation.Pending, timeout time.Duration) correlation.Result {
	backstop := time.NewTimer(timeout + b.grace)
	defer backstop.Stop()

	select {
	case <-pending.Done():
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			b.table.Resolve(pending.ID(), correlation.Result{Outcome: correlation.OutcomeTimeout})
		} else {
			b.table.CancelWithCause(pending.ID(), ctx.Err())
		}
		<-pending.Done()
	case <-backstop.C:
		if b.table.Resolve(pending.ID(), correlation.Result{Outcome: correlation.OutcomeTimeout}) {
			b.logger.Debug("timeout resolved by backstop", "correlationId", pending.ID())
		}
		<-pending.Done()
	}

	return pending.Result()
}

// PublishOption configures a fire-and-forget publish
type PublishOption func(*bus.Message)

// WithReplyTo sets the reply topic on a published message
func WithReplyTo(topic string) PublishOption {
	return func(m *bus.Message) {
		m.ReplyTo = topic
	}
}

// WithCorrelationID sets the correlation id on a published message
func WithCorrelationID(id string) PublishOption {
	return func(m *bus.Message) {
		m.CorrelationID = id
	}
}

// Publish sends payload to topic without waiting for a reply
func (b *Bridge) Publish(ctx context.Context, topic string, payload any, opts ...PublishOption) error {
	if b.closed.Load() {
		return &RequestError{Topic: topic, Err: ErrClosed}
	}
	if !b.conn.IsConnected() {
		return &RequestError{Topic: topic, Err: ErrBrokerUnavailable}
	}

	data, err := encodePayload(payload)
	if err != nil {
		return &RequestError{Topic: topic, Err: fmt.Errorf("encode payload: %w", err)}
	}

	msg := &bus.Message{Topic: topic, Data: data}
	msg.SetHeader(bus.HeaderContentType, "application/json")
	for _, opt := range opts {
		opt(msg)
	}

	if err := b.publish(ctx, msg); err != nil {
		return &RequestError{Topic: topic, CorrelationID: msg.CorrelationID, Err: err}
	}
	return nil
}

func (b *Bridge) publish(ctx context.Context, msg *bus.Message) error {
	send := func() error {
		err := b.conn.Publish(ctx, msg)
		if bus.IsUnavailable(err) || errors.Is(err, bus.ErrInvalidTopic) {
			return reliability.Permanent(err)
		}
		return err
	}

	op := send
	if b.retry != nil {
		op = func() error {
			return reliability.Retry(ctx, b.retry, send)
		}
	}

	var err error
	if b.breaker != nil {
		err = b.breaker.Execute(ctx, op)
	} else {
		err = op()
	}
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, bus.ErrInvalidTopic), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case bus.IsUnavailable(err):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
}

// handleReply resolves the request named by the reply topic suffix. A
// correlation header that names a different request drops the reply.
func (b *Bridge) handleReply(_ context.Context, msg *bus.Message) {
	id, ok := bus.TrimPrefix(msg.Topic, b.replyPrefix)
	if !ok {
		b.logger.Warn("reply without correlation id", "topic", msg.Topic)
		return
	}
	if msg.CorrelationID != "" && msg.CorrelationID != id {
		b.metrics.DuplicateReply()
		b.logger.Warn("reply correlation id does not match its topic",
			"topic", msg.Topic, "correlationId", msg.CorrelationID)
		return
	}

	resolved := b.table.Resolve(id, correlation.Result{
		Outcome: correlation.OutcomeReply,
		Payload: msg.Data,
		Headers: msg.Headers,
	})
	if !resolved {
		b.metrics.DuplicateReply()
		b.logger.Debug("reply for unknown or resolved request", "correlationId", id, "topic", msg.Topic)
	}
}

func (b *Bridge) replyTopic(id string) string {
	return b.replyPrefix + "." + id
}

func (b *Bridge) fail(start time.Time, err *RequestError) error {
	code := ErrorCode(err)
	b.metrics.ObserveRequest(code, time.Since(start))
	if code == CodeBrokerUnavailable {
		b.logger.Warn("request failed", "topic", err.Topic, "error", err.Err)
	}
	return err
}

// Close stops listening for replies and cancels every pending request
func (b *Bridge) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	n := b.table.CancelAll(ErrClosed)
	b.metrics.SetPending(b.table.Len())
	if n > 0 {
		b.logger.Info("cancelled pending requests on close", "count", n)
	}

	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil && !errors.Is(err, bus.ErrClosed) {
			return fmt.Errorf("failed to unsubscribe from replies: %w", err)
		}
	}
	return nil
}
