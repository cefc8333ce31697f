package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/htpi/admin-portal/internal/bridge"
	"github.com/htpi/admin-portal/internal/gateway"
)

// statusClientClosed is logged when the browser went away mid-request
const statusClientClosed = 499

// HTTPStatus maps err to the status returned by the REST API
func HTTPStatus(err error) int {
	switch gateway.ErrorCode(err) {
	case "":
		return http.StatusOK
	case bridge.CodeBrokerUnavailable, bridge.CodeOverloaded:
		return http.StatusServiceUnavailable
	case bridge.CodeTimeout:
		return http.StatusGatewayTimeout
	case bridge.CodeMalformedReply:
		return http.StatusBadGateway
	case bridge.CodeRejected:
		return http.StatusUnprocessableEntity
	case bridge.CodeCancelled:
		return statusClientClosed
	case gateway.CodeUnauthorized:
		return http.StatusUnauthorized
	case gateway.CodeForbidden:
		return http.StatusForbidden
	case gateway.CodeInvalidInput:
		return http.StatusBadRequest
	case gateway.CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code, message string) gateway.Response {
	return gateway.Response{Success: false, Error: message, Code: code}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, errorBody(gateway.ErrorCode(err), gateway.ErrorMessage(err)))
}
