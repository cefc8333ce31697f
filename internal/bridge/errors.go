package bridge

import (
	"errors"
	"fmt"

	"github.com/htpi/admin-portal/internal/bus"
)

var (
	// ErrBrokerUnavailable is returned when there is no live bus connection or
	// the publish circuit is open
	ErrBrokerUnavailable = bus.ErrBrokerUnavailable
	// ErrTimeout is returned when no reply arrived before the deadline
	ErrTimeout = errors.New("bridge: request timed out")
	// ErrCancelled is returned when the caller went away before resolution
	ErrCancelled = errors.New("bridge: request cancelled")
	// ErrMalformedReply is returned when a reply is not a JSON object with a
	// boolean success field
	ErrMalformedReply = errors.New("bridge: malformed reply")
	// ErrRejected is matched by every RejectedError
	ErrRejected = errors.New("bridge: request rejected")
	// ErrTooManyPending is returned when the pending limit is reached
	ErrTooManyPending = errors.New("bridge: too many pending requests")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("bridge: closed")
)

// Stable error codes sent to browsers and mapped to HTTP statuses
const (
	CodeBrokerUnavailable = "broker_unavailable"
	CodeTimeout           = "timeout"
	CodeMalformedReply    = "malformed_reply"
	CodeCancelled         = "cancelled"
	CodeRejected          = "rejected"
	CodeOverloaded        = "overloaded"
	CodeInternal          = "internal"
)

// RequestError wraps a failed request with the topic and correlation id
type RequestError struct {
	Topic         string
	CorrelationID string
	Err           error
}

func (e *RequestError) Error() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("request %s: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("request %s [%s]: %v", e.Topic, e.CorrelationID, e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// RejectedError is a well-formed reply with success set to false
type RejectedError struct {
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "request rejected"
	}
	return e.Message
}

func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// ErrorCode maps err to one of the stable Code constants. nil maps to "".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrMalformedReply):
		return CodeMalformedReply
	case errors.Is(err, ErrRejected):
		return CodeRejected
	case errors.Is(err, ErrCancelled):
		return CodeCancelled
	case errors.Is(err, ErrTooManyPending):
		return CodeOverloaded
	case bus.IsUnavailable(err), errors.Is(err, ErrClosed):
		return CodeBrokerUnavailable
	default:
		return CodeInternal
	}
}

// ErrorMessage returns text that is safe to show to a browser
func ErrorMessage(err error) string {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected.Error()
	}

	switch ErrorCode(err) {
	case "":
		return ""
	case CodeBrokerUnavailable:
		return "Backend services are unavailable"
	case CodeTimeout:
		return "The request timed out"
	case CodeMalformedReply:
		return "Received an invalid response from the backend"
	case CodeCancelled:
		return "The request was cancelled"
	case CodeOverloaded:
		return "Too many requests in flight"
	default:
		return "Internal error"
	}
}
