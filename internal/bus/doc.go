// Package bus defines the portal's view of the backend message bus.
//
// A Conn is the single shared handle to the broker. Drivers live in sibling
// packages (natsbus, rabbitmq); Memory is an in-process implementation used by
// tests and by standalone mode.
//
// Topics are flat dotted names such as "admin.tenants.create". Subscription
// patterns may use "*" to match exactly one token and ">" to match one or more
// trailing tokens:
//
//	sub, err := conn.Subscribe("admin.events.>", func(ctx context.Context, msg *bus.Message) {
//	    // runs on a dispatcher goroutine, never on the driver's read loop
//	})
//
// While the broker is unreachable Publish fails fast with ErrBrokerUnavailable.
package bus
