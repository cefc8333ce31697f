// Package rabbitmq implements bus.Conn over a RabbitMQ topic exchange.
//
// This package includes:
//   - ConnectionManager: one AMQP connection with bounded reconnection
//   - ChannelPool: pooled channels shared by publishers and topology calls
//   - Publisher: publishes with optional publisher confirms
//   - Consumer: consumes queues and hands deliveries to a callback
//   - TopologyManager: declares exchanges, queues and bindings
//   - Transport: the bus.Conn built from the pieces above
//
// Topics are routing keys on a single topic exchange. Each subscribed pattern
// gets an exclusive, auto-deleted queue bound with the pattern, where the bus
// tail wildcard ">" becomes "*.#". After a reconnect every registered pattern
// is declared and consumed again.
package rabbitmq
