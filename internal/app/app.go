// Package app wires the portal's components for one process lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/htpi/admin-portal/internal/admin"
	"github.com/htpi/admin-portal/internal/auth"
	"github.com/htpi/admin-portal/internal/bridge"
	"github.com/htpi/admin-portal/internal/bus"
	"github.com/htpi/admin-portal/internal/config"
	"github.com/htpi/admin-portal/internal/correlation"
	"github.com/htpi/admin-portal/internal/gateway"
	"github.com/htpi/admin-portal/internal/health"
	"github.com/htpi/admin-portal/internal/httpapi"
	"github.com/htpi/admin-portal/internal/metrics"
	"github.com/htpi/admin-portal/internal/natsbus"
	"github.com/htpi/admin-portal/internal/rabbitmq"
	"github.com/htpi/admin-portal/internal/reliability"
	"github.com/htpi/admin-portal/internal/session"
	"github.com/htpi/admin-portal/internal/sweeper"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// Version is reported in health metadata
var Version = "dev"

// App owns every component of a running portal
type App struct {
	cfg      *config.Config
	logger   *slog.Logger
	instance string

	ctx    context.Context
	cancel context.CancelFunc

	promRegistry *prometheus.Registry
	collector    *metrics.Collector

	conn     bus.Conn
	bridge   *bridge.Bridge
	registry *session.Registry
	backend  admin.Backend
	tokens   *auth.Manager
	gateway  *gateway.Gateway
	sweeper  *sweeper.Sweeper
	health   *health.Registry
	redis    redis.UniversalClient
	server   *http.Server
}

// New connects to the bus and builds every component. Nothing is served
// until Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{
		cfg:          cfg,
		logger:       logger,
		instance:     uuid.NewString()[:8],
		promRegistry: metrics.NewRegistry(),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.collector = metrics.New(a.promRegistry)

	if err := a.build(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	conn, err := a.connect(ctx)
	if err != nil {
		return err
	}
	a.conn = conn
	a.collector.SetBusConnected(conn.IsConnected())

	if a.bridge, err = a.newBridge(); err != nil {
		return err
	}

	if a.tokens, err = auth.NewManager([]byte(a.cfg.Auth.Secret), auth.WithTTL(a.cfg.Auth.TokenTTL)); err != nil {
		return err
	}

	a.registry = session.NewRegistry(
		session.WithLogger(a.logger),
		session.WithMetrics(a.collector),
		session.WithBaseContext(a.ctx))

	a.backend = a.newBackend()

	gwOpts := []gateway.Option{
		gateway.WithTokens(a.tokens),
		gateway.WithPublisher(a.bridge),
		gateway.WithBroadcastPattern(a.cfg.Bus.BroadcastPattern),
		gateway.WithHealthPrefix("portal.health." + a.instance),
		gateway.WithHealthTimeout(a.cfg.Gateway.HealthTimeout),
		gateway.WithMaxInFlight(a.cfg.Gateway.MaxInFlight),
		gateway.WithSendBuffer(a.cfg.Gateway.SendBuffer),
		gateway.WithPingPeriod(a.cfg.Gateway.PingPeriod),
		gateway.WithLogger(a.logger),
		gateway.WithMetrics(a.collector),
	}
	if len(a.cfg.HTTP.AllowedOrigins) > 0 {
		gwOpts = append(gwOpts, gateway.WithCheckOrigin(originChecker(a.cfg.HTTP.AllowedOrigins)))
	}
	a.gateway = gateway.New(a.registry, a.backend, gwOpts...)
	if err := a.gateway.Start(a.conn); err != nil {
		return err
	}

	a.sweeper = sweeper.New(a.bridge.Table(),
		sweeper.WithInterval(a.cfg.Sweeper.Interval),
		sweeper.WithHealthChecks(a.registry, a.gateway.DeliverHealthReport),
		sweeper.WithProbe(a.conn, a.cfg.Sweeper.ProbeEvery),
		sweeper.WithLogger(a.logger),
		sweeper.WithMetrics(a.collector))

	a.health = a.newHealth()

	api := httpapi.New(a.backend, a.tokens,
		httpapi.WithNotifier(a.gateway),
		httpapi.WithHealth(a.health, a.cfg.HTTP.HealthTimeout),
		httpapi.WithGatherer(a.promRegistry),
		httpapi.WithWebsocket(a.gateway),
		httpapi.WithLogger(a.logger),
		httpapi.WithMetrics(a.collector))

	a.server = &http.Server{
		Addr:              a.cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: a.cfg.HTTP.ReadHeaderTimeout,
	}
	a.server.RegisterOnShutdown(a.gateway.Stop)
	return nil
}

func (a *App) connect(ctx context.Context) (bus.Conn, error) {
	cfg := a.cfg.Bus
	listener := bus.StateFuncs{
		Connected: func() {
			a.collector.SetBusConnected(true)
		},
		Disconnected: func(err error) {
			a.collector.SetBusConnected(false)
		},
	}

	switch cfg.Driver {
	case config.DriverNATS:
		return natsbus.Connect(ctx, natsbus.Config{
			URL:                cfg.NATS.URL,
			User:               cfg.NATS.User,
			Password:           cfg.NATS.Password,
			Name:               "admin-portal-" + a.instance,
			MaxReconnects:      cfg.MaxReconnects,
			ReconnectWait:      cfg.ReconnectWait,
			MaxReconnectWait:   cfg.MaxReconnectWait,
			ConnectTimeout:     cfg.ConnectTimeout,
			HandlerConcurrency: cfg.HandlerConcurrency,
		}, natsbus.WithLogger(a.logger), natsbus.WithStateListener(listener))

	case config.DriverRabbitMQ:
		return rabbitmq.NewTransport(ctx, cfg.RabbitMQ.URL,
			rabbitmq.WithExchange(cfg.RabbitMQ.Exchange),
			rabbitmq.WithPublisherConfirms(cfg.RabbitMQ.Confirms),
			rabbitmq.WithHandlerConcurrency(cfg.HandlerConcurrency),
			rabbitmq.WithConnectionOptions(
				rabbitmq.WithConnectionName("admin-portal-"+a.instance),
				rabbitmq.WithMaxRetries(cfg.MaxReconnects),
				rabbitmq.WithReconnectDelay(cfg.ReconnectWait),
				rabbitmq.WithMaxReconnectDelay(cfg.MaxReconnectWait)),
			rabbitmq.WithTransportLogger(a.logger),
			rabbitmq.WithTransportStateListener(listener))

	case config.DriverMemory:
		m := bus.NewMemory(bus.WithMemoryLogger(a.logger), bus.WithMemoryConcurrency(cfg.HandlerConcurrency))
		m.AddStateListener(listener)
		return m, nil

	default:
		return nil, fmt.Errorf("%w: unknown bus driver %q", config.ErrInvalid, cfg.Driver)
	}
}

func (a *App) newBridge() (*bridge.Bridge, error) {
	cfg := a.cfg.Bridge
	breaker := reliability.NewCircuitBreaker(
		reliability.WithName("bus-publish"),
		reliability.WithFailureThreshold(cfg.BreakerFailures),
		reliability.WithOpenTimeout(cfg.BreakerTimeout),
		reliability.WithBreakerLogger(a.logger),
		reliability.WithStateChangeFunc(func(name string, _, to reliability.State, _ string) {
			a.collector.SetCircuitState(name, int(to))
		}))

	prefix := cfg.ReplyPrefix
	if prefix == "" {
		prefix = "portal.replies." + a.instance
	}

	return bridge.New(a.conn, correlation.NewTable(),
		bridge.WithReplyPrefix(prefix),
		bridge.WithDefaultTimeout(cfg.Timeout),
		bridge.WithGrace(cfg.Grace),
		bridge.WithMaxPending(cfg.MaxPending),
		bridge.WithCircuitBreaker(breaker),
		bridge.WithRetryPolicy(reliability.NewFixedDelay(cfg.RetryDelay, cfg.PublishRetries)),
		bridge.WithLogger(a.logger),
		bridge.WithMetrics(a.collector))
}

func (a *App) newBackend() admin.Backend {
	var cache admin.TenantCache = admin.NewMemoryTenantCache()
	if a.cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		cache = admin.NewRedisTenantCache(a.redis,
			admin.WithCacheKey(a.cfg.Redis.Key),
			admin.WithCacheTTL(a.cfg.Redis.TTL))
	}

	if a.cfg.Backend.Mode == config.ModeStandalone {
		a.logger.Warn("running standalone, admin services are not contacted")
		return admin.NewFallbackBackend(cache)
	}

	primary := admin.NewBusBackend(a.bridge,
		admin.WithTimeout(a.cfg.Bridge.Timeout),
		admin.WithLogger(a.logger))
	if !a.cfg.Backend.Fallback {
		return primary
	}
	return admin.NewResilient(
		admin.NewCacheWriter(primary, cache, a.logger),
		admin.NewFallbackBackend(cache),
		a.logger)
}

func (a *App) newHealth() *health.Registry {
	reg := health.NewRegistry()
	reg.SetMetadata("version", Version)
	reg.SetMetadata("instance", a.instance)
	reg.SetMetadata("bus_driver", a.cfg.Bus.Driver)
	reg.SetMetadata("backend_mode", a.cfg.Backend.Mode)

	reg.Register(health.NewBusChecker(a.conn))
	reg.Register(health.NewPendingChecker(a.bridge, a.cfg.Bridge.MaxPending))
	reg.Register(health.NewMemoryChecker(10000, 50000))
	reg.Register(health.NewCheckerFunc("sessions", func(context.Context) health.CheckResult {
		return health.CheckResult{
			Name:      "sessions",
			Status:    health.StatusHealthy,
			Message:   "Session registry is serving",
			Timestamp: time.Now(),
			Details:   map[string]any{"connected": a.registry.Count()},
		}
	}))
	if t, ok := a.conn.(*rabbitmq.Transport); ok {
		reg.Register(health.NewRabbitMQChecker(t))
	}
	if a.redis != nil {
		reg.Register(health.NewRedisChecker(a.redis))
	}
	return reg
}

func originChecker(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		if _, ok := set[origin]; ok {
			return true
		}
		return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://"), r.Host)
	}
}

// Handler returns the HTTP handler without starting a listener
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Conn returns the bus connection
func (a *App) Conn() bus.Conn {
	return a.conn
}

// Bridge returns the request/reply bridge
func (a *App) Bridge() *bridge.Bridge {
	return a.bridge
}

// Run serves HTTP and runs the sweeper until ctx is done or one of them
// fails, then shuts the server down
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.sweeper.Run(ctx)
	})

	g.Go(func() error {
		a.logger.Info("http server listening", "addr", a.server.Addr)
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down http server")
		return a.server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Close releases every component. Safe after a failed New.
func (a *App) Close() error {
	var errs []error
	if a.gateway != nil {
		a.gateway.Stop()
	}
	if a.bridge != nil {
		errs = append(errs, a.bridge.Close())
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	a.cancel()
	return errors.Join(errs...)
}
