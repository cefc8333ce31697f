package session

import "errors"

var (
	// ErrUnknownConnection is returned for ids that are not (or no longer) registered
	ErrUnknownConnection = errors.New("session: unknown connection")
	// ErrUnauthorized is returned when the session is not authenticated
	ErrUnauthorized = errors.New("session: authentication required")
	// ErrForbidden is returned when the identity lacks the required role
	ErrForbidden = errors.New("session: insufficient permissions")
	// ErrSlowConsumer is returned by senders whose outbound buffer is full
	ErrSlowConsumer = errors.New("session: outbound buffer full")
	// ErrDuplicateHealthCheck is returned when a request id is already aggregating
	ErrDuplicateHealthCheck = errors.New("session: health check already pending")
)
