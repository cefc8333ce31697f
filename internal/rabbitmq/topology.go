package rabbitmq

import (
	"context"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// TopologyManager manages exchanges, queues and bindings
type TopologyManager struct {
	pool *ChannelPool
}

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared. An empty name asks the
// broker to generate one.
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(pool *ChannelPool) *TopologyManager {
	return &TopologyManager{pool: pool}
}

// DeclareExchange declares a single exchange
func (tm *TopologyManager) DeclareExchange(ctx context.Context, exchange ExchangeDeclaration) error {
	return tm.pool.Execute(ctx, func(ch *PooledChannel) error {
		err := ch.ExchangeDeclare(
			exchange.Name,
			exchange.Type,
			exchange.Durable,
			exchange.AutoDelete,
			false, // internal
			false, // no-wait
			exchange.Arguments,
		)
		if err != nil {
			return &TopologyError{Component: "exchange", Name: exchange.Name, Op: "declare", Err: err, Timestamp: time.Now()}
		}
		return nil
	})
}

// DeclareQueue declares a queue on ch and returns the broker's view of it.
// Exclusive queues belong to the connection, so any channel will do.
func (tm *TopologyManager) DeclareQueue(ch *PooledChannel, queue QueueDeclaration) (amqp.Queue, error) {
	q, err := ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
	if err != nil {
		return q, &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return q, nil
}

// BindQueue binds a queue to an exchange on ch
func (tm *TopologyManager) BindQueue(ch *PooledChannel, binding Binding) error {
	err := ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
	if err != nil {
		return &TopologyError{Component: "binding", Name: binding.Queue + "->" + binding.Exchange, Op: "declare", Err: err, Timestamp: time.Now()}
	}
	return nil
}

// BusExchange is the topic exchange every bus topic is routed through
func BusExchange(name string) ExchangeDeclaration {
	return ExchangeDeclaration{
		Name:    name,
		Type:    amqp.ExchangeTopic,
		Durable: true,
	}
}

// SubscriptionQueue is the per-pattern queue: broker-named, exclusive to this
// connection and deleted with its consumer
func SubscriptionQueue() QueueDeclaration {
	return QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	}
}

// RoutingPattern converts a bus pattern into an AMQP topic binding key.
// ">" needs at least one token while "#" accepts zero, so it becomes "*.#".
func RoutingPattern(pattern string) string {
	tokens := strings.Split(pattern, ".")
	if tokens[len(tokens)-1] == ">" {
		tokens = append(tokens[:len(tokens)-1], "*", "#")
	}
	return strings.Join(tokens, ".")
}
