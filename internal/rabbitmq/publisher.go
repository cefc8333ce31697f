package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher handles message publishing to RabbitMQ
type Publisher struct {
	pool           *ChannelPool
	confirm        bool
	confirmTimeout time.Duration
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirms enables publisher confirms
func WithConfirms(enabled bool) PublisherOption {
	return func(p *Publisher) {
		p.confirm = enabled
	}
}

// WithConfirmTimeout sets how long to wait for a broker confirm
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirm:        true,
		confirmTimeout: 5 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Publish sends msg to exchange with routingKey. With confirms enabled it
// returns only after the broker acked the message.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	return p.pool.Execute(ctx, func(ch *PooledChannel) error {
		if !p.confirm {
			if err := ch.PublishWithContext(ctx, exchange, routingKey, false, false, msg); err != nil {
				return fmt.Errorf("failed to publish: %w", err)
			}
			return nil
		}

		if !ch.confirm {
			if err := ch.Confirm(false); err != nil {
				return fmt.Errorf("failed to enable confirms: %w", err)
			}
			ch.confirm = true
		}

		dc, err := ch.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
		if err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}

		waitCtx, cancel := context.WithTimeout(ctx, p.confirmTimeout)
		defer cancel()

		acked, err := dc.WaitContext(waitCtx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPublishNotConfirmed, err)
		}
		if !acked {
			p.logger.Warn("publish nacked by broker", "exchange", exchange, "routingKey", routingKey)
			return fmt.Errorf("%w: nacked", ErrPublishNotConfirmed)
		}
		return nil
	})
}
