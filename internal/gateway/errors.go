package gateway

import (
	"errors"
	"strings"

	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/auth"
	"github.com/htpi/admin-portal/internal/bridge"
	"github.com/htpi/admin-portal/internal/session"
)

var (
	// ErrUnknownEvent is returned for inbound events without a handler
	ErrUnknownEvent = errors.New("gateway: unknown event")
	// ErrBadFrame is returned for inbound frames that cannot be decoded
	ErrBadFrame = errors.New("gateway: malformed frame")
	// ErrClientClosed is returned by Send after the connection went away
	ErrClientClosed = errors.New("gateway: client closed")
	// ErrTokensDisabled is returned for token login without a token manager
	ErrTokensDisabled = errors.New("gateway: token authentication disabled")
)

// Error codes added on top of the bridge codes
const (
	CodeUnauthorized = "unauthorized"
	CodeForbidden    = "forbidden"
	CodeInvalidInput = "invalid_input"
	CodeNotFound     = "not_found"
	CodeUnknownEvent = "unknown_event"
)

// ErrorCode maps err to a stable code shared by the websocket and REST
// surfaces
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, session.ErrUnauthorized),
		errors.Is(err, ErrTokensDisabled),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrExpiredToken),
		errors.Is(err, auth.ErrInvalidClaims):
		return CodeUnauthorized
	case errors.Is(err, session.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, admin.ErrInvalidInput), errors.Is(err, ErrBadFrame):
		return CodeInvalidInput
	case errors.Is(err, admin.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnknownEvent):
		return CodeUnknownEvent
	default:
		return bridge.ErrorCode(err)
	}
}

// ErrorMessage returns text that is safe to show to a browser
func ErrorMessage(err error) string {
	switch ErrorCode(err) {
	case CodeUnauthorized:
		if errors.Is(err, auth.ErrExpiredToken) {
			return "Session expired"
		}
		return "Authentication required"
	case CodeForbidden:
		return "Insufficient permissions"
	case CodeInvalidInput:
		if errors.Is(err, ErrBadFrame) {
			return "Malformed request"
		}
		return strings.TrimPrefix(err.Error(), admin.ErrInvalidInput.Error()+": ")
	case CodeNotFound:
		return "Not found"
	case CodeUnknownEvent:
		return "Unknown event"
	default:
		return bridge.ErrorMessage(err)
	}
}
