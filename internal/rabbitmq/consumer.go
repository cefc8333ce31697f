package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DeliveryHandler receives deliveries on the consumer's read goroutine and
// must not block
type DeliveryHandler func(delivery amqp.Delivery)

// Consumer manages message consumption from RabbitMQ
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	autoAck       bool
	logger        *slog.Logger

	mu     sync.Mutex
	active map[string]*consumerInfo
}

type consumerInfo struct {
	queue    string
	tag      string
	channel  *PooledChannel
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count used when acking manually
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 50,
		autoAck:       true,
		logger:        slog.Default(),
		active:        make(map[string]*consumerInfo),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Consume starts consuming queue on a dedicated channel
func (c *Consumer) Consume(ctx context.Context, queue string, handler DeliveryHandler) error {
	ch, err := c.pool.Get(ctx)
	if err != nil {
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	if !c.autoAck && c.prefetchCount > 0 {
		if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
			c.pool.Discard(ch)
			return &ConsumerError{Queue: queue, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	tag := "portal-" + ch.ID()
	deliveries, err := ch.Consume(queue, tag, c.autoAck, false, false, false, nil)
	if err != nil {
		c.pool.Discard(ch)
		return &ConsumerError{Queue: queue, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	info := &consumerInfo{
		queue:   queue,
		tag:     tag,
		channel: ch,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	c.mu.Lock()
	c.active[queue] = info
	c.mu.Unlock()

	go c.process(info, deliveries, handler)

	c.logger.Debug("consuming queue", "queue", queue, "consumerTag", tag)
	return nil
}

func (c *Consumer) process(info *consumerInfo, deliveries <-chan amqp.Delivery, handler DeliveryHandler) {
	defer func() {
		// closing the channel cancels the consumer on the broker side
		c.pool.Discard(info.channel)
		c.mu.Lock()
		if cur, ok := c.active[info.queue]; ok && cur == info {
			delete(c.active, info.queue)
		}
		c.mu.Unlock()
		close(info.done)
	}()

	for {
		select {
		case <-info.stop:
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", info.queue)
				return
			}

			handler(delivery)

			if !c.autoAck {
				if err := delivery.Ack(false); err != nil {
					c.logger.Error("failed to ack message", "queue", info.queue, "error", err)
				}
			}
		}
	}
}

// Unsubscribe stops consuming queue and waits for the read goroutine to exit
func (c *Consumer) Unsubscribe(queue string) {
	c.mu.Lock()
	info, ok := c.active[queue]
	c.mu.Unlock()
	if !ok {
		return
	}

	info.stopOnce.Do(func() { close(info.stop) })
	<-info.done
}

// UnsubscribeAll stops all active consumers
func (c *Consumer) UnsubscribeAll() {
	for _, queue := range c.ActiveQueues() {
		c.Unsubscribe(queue)
	}
}

// ActiveQueues returns the queues currently consumed
func (c *Consumer) ActiveQueues() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	queues := make([]string, 0, len(c.active))
	for q := range c.active {
		queues = append(queues, q)
	}
	return queues
}
