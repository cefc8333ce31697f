// Package bridge lets synchronous callers talk to request/reply responders on
// the asynchronous bus.
//
// Each request gets a fresh correlation id and its own reply topic,
// <replyPrefix>.<correlationId>. The bridge holds one wildcard subscription on
// <replyPrefix>.* and routes every reply through a correlation.Table, so the
// first of reply, timeout or cancellation wins and the rest are no-ops.
//
// Basic usage:
//
//	b, err := bridge.New(conn, table,
//	    bridge.WithDefaultTimeout(5*time.Second),
//	    bridge.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer b.Close()
//
//	reply, err := b.RequestReply(ctx, "admin.tenants.create", map[string]any{"name": "Acme"}, 0)
//	switch bridge.ErrorCode(err) {
//	case bridge.CodeTimeout:
//	    // no responder answered in time
//	}
package bridge
