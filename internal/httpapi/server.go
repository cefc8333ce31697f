// Package httpapi serves the portal's REST API, the operational endpoints and
// the websocket mount on a gin engine.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/auth"
	"github.com/htpi/admin-portal/internal/health"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Notifier fans events out to websocket rooms
type Notifier interface {
	Notify(event string, data any, rooms ...string) int
}

// Metrics records served requests
type Metrics interface {
	ObserveHTTP(method, route string, status int, d time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveHTTP(string, string, int, time.Duration) {}

type noopNotifier struct{}

func (noopNotifier) Notify(string, any, ...string) int { return 0 }

// Server is the HTTP surface of the portal
type Server struct {
	backend  admin.Backend
	tokens   *auth.Manager
	notifier Notifier

	health        *health.Registry
	healthTimeout time.Duration
	gatherer      prometheus.Gatherer
	websocket     http.Handler

	logger  *slog.Logger
	metrics Metrics
	engine  *gin.Engine
}

// Option configures the server
type Option func(*Server)

// WithNotifier broadcasts REST writes to the same rooms as the gateway
func WithNotifier(n Notifier) Option {
	return func(s *Server) {
		s.notifier = n
	}
}

// WithHealth mounts /healthz and /readyz on registry
func WithHealth(registry *health.Registry, timeout time.Duration) Option {
	return func(s *Server) {
		s.health = registry
		if timeout > 0 {
			s.healthTimeout = timeout
		}
	}
}

// WithGatherer mounts /metrics on g
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithWebsocket mounts h on /ws
func WithWebsocket(h http.Handler) Option {
	return func(s *Server) {
		s.websocket = h
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics sets the request metrics
func WithMetrics(m Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New builds the engine and its routes
func New(backend admin.Backend, tokens *auth.Manager, opts ...Option) *Server {
	s := &Server{
		backend:       backend,
		tokens:        tokens,
		notifier:      noopNotifier{},
		healthTimeout: 5 * time.Second,
		logger:        slog.Default(),
		metrics:       noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), s.observe())
	s.routes()
	return s
}

// Handler returns the engine as an http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	r := s.engine

	r.GET("/livez", gin.WrapF(health.LivenessHandler()))
	if s.health != nil {
		r.GET("/healthz", gin.WrapH(health.NewHandler(s.health, s.healthTimeout)))
		r.GET("/readyz", gin.WrapF(health.ReadinessHandler(s.health, s.healthTimeout)))
	}
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	if s.websocket != nil {
		r.GET("/ws", gin.WrapH(s.websocket))
	}

	api := r.Group("/api")
	api.POST("/auth/login", s.login)

	authed := api.Group("", s.requireAuth())
	authed.POST("/auth/logout", s.logout)
	authed.GET("/auth/me", s.me)
	authed.GET("/dashboard", s.dashboard)

	admins := api.Group("", s.requireAuth(auth.RoleAdmin))
	admins.GET("/tenants", s.listTenants)
	admins.GET("/tenants/:id", s.getTenant)
	admins.POST("/tenants", s.createTenant)
	admins.PATCH("/tenants/:id", s.updateTenant)
	admins.GET("/users", s.listUsers)
	admins.POST("/users", s.createUser)
	admins.GET("/services", s.servicesStatus)
	admins.GET("/audit", s.auditLogs)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody("not_found", "Not found"))
	})
}
