package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/auth"
	"github.com/htpi/admin-portal/internal/session"
)

const identityKey = "identity"

// requireAuth validates the bearer token and the identity's role
func (s *Server) requireAuth(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			s.fail(c, session.ErrUnauthorized)
			c.Abort()
			return
		}

		claims, err := s.tokens.Validate(token)
		if err != nil {
			s.fail(c, err)
			c.Abort()
			return
		}

		ident := claims.Identity()
		if !ident.HasAnyRole(roles...) {
			s.fail(c, session.ErrForbidden)
			c.Abort()
			return
		}

		c.Set(identityKey, ident)
		c.Request = c.Request.WithContext(admin.WithActor(c.Request.Context(), ident))
		c.Next()
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("bearer "):])
}

func identity(c *gin.Context) auth.Identity {
	v, _ := c.Get(identityKey)
	ident, _ := v.(auth.Identity)
	return ident
}

// observe logs and measures every request
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(c.Request.Method, route, status, elapsed)

		level := s.logger.Debug
		if status >= http.StatusInternalServerError {
			level = s.logger.Warn
		}
		level("http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", elapsed)
	}
}
