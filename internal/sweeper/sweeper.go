// Package sweeper resolves expired correlation entries, finalizes overdue
// health-check aggregations and probes the bus connection on a fixed tick.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/htpi/admin-portal/internal/correlation"
	"github.com/htpi/admin-portal/internal/session"
)

// DefaultInterval is the sweep period
const DefaultInterval = time.Second

// ExpiringTable is the part of the correlation table the sweeper drives
type ExpiringTable interface {
	SweepExpired(now time.Time) []string
	Resolve(id string, result correlation.Result) bool
}

// HealthAggregator finalizes overdue health checks
type HealthAggregator interface {
	ExpireHealthChecks(now time.Time) []session.HealthReport
}

// Notifier receives each health report finalized by a tick
type Notifier func(report session.HealthReport)

// Prober reports bus liveness
type Prober interface {
	IsConnected() bool
}

// Metrics receives sweeper measurements
type Metrics interface {
	Expired(n int)
	HealthChecksExpired(n int)
	SetBusConnected(connected bool)
}

type noopMetrics struct{}

func (noopMetrics) Expired(int)             {}
func (noopMetrics) HealthChecksExpired(int) {}
func (noopMetrics) SetBusConnected(bool)    {}

// TickStats summarizes one tick
type TickStats struct {
	Expired       int
	HealthExpired int
	Probed        bool
	Connected     bool
}

// Sweeper runs the periodic maintenance tick
type Sweeper struct {
	table      ExpiringTable
	health     HealthAggregator
	notify     Notifier
	prober     Prober
	probeEvery int
	interval   time.Duration
	logger     *slog.Logger
	metrics    Metrics

	mu            sync.Mutex
	ticks         int
	lastConnected *bool
}

// Option configures the sweeper
type Option func(*Sweeper)

// WithInterval sets the tick period
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithHealthChecks enables health-check expiry; notify gets every final report
func WithHealthChecks(h HealthAggregator, notify Notifier) Option {
	return func(s *Sweeper) {
		s.health = h
		s.notify = notify
	}
}

// WithProbe checks p every n ticks and logs connection transitions
func WithProbe(p Prober, every int) Option {
	return func(s *Sweeper) {
		s.prober = p
		if every < 1 {
			every = 1
		}
		s.probeEvery = every
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(m Metrics) Option {
	return func(s *Sweeper) {
		if m != nil {
			s.metrics = m
		}
	}
}

// New creates a sweeper for table
func New(table ExpiringTable, opts ...Option) *Sweeper {
	s := &Sweeper{
		table:      table,
		interval:   DefaultInterval,
		probeEvery: 5,
		logger:     slog.Default(),
		metrics:    noopMetrics{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Interval returns the tick period
func (s *Sweeper) Interval() time.Duration {
	return s.interval
}

// Run ticks until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return nil
		case now := <-ticker.C:
			s.Tick(now)
		}
	}
}

// Tick runs one sweep at now. Failures in one stage are logged and do not
// stop the others.
func (s *Sweeper) Tick(now time.Time) TickStats {
	var stats TickStats

	s.guard("correlation", func() {
		stats.Expired = s.expireRequests(now)
	})

	if s.health != nil {
		s.guard("health", func() {
			stats.HealthExpired = s.expireHealthChecks(now)
		})
	}

	s.mu.Lock()
	s.ticks++
	probe := s.prober != nil && s.ticks%s.probeEvery == 0
	s.mu.Unlock()

	if probe {
		s.guard("probe", func() {
			stats.Probed = true
			stats.Connected = s.probe()
		})
	}
	return stats
}

func (s *Sweeper) expireRequests(now time.Time) int {
	ids := s.table.SweepExpired(now)
	n := 0
	for _, id := range ids {
		// a reply may win the race between sweep and resolve
		if s.table.Resolve(id, correlation.Result{Outcome: correlation.OutcomeTimeout, ResolvedAt: now}) {
			n++
		}
	}
	if n > 0 {
		s.metrics.Expired(n)
		s.logger.Debug("expired pending requests", "count", n)
	}
	return n
}

func (s *Sweeper) expireHealthChecks(now time.Time) int {
	reports := s.health.ExpireHealthChecks(now)
	for _, report := range reports {
		if s.notify == nil {
			continue
		}
		report := report
		s.guard("health notify", func() { s.notify(report) })
	}
	if len(reports) > 0 {
		s.metrics.HealthChecksExpired(len(reports))
		s.logger.Debug("expired health checks", "count", len(reports))
	}
	return len(reports)
}

func (s *Sweeper) probe() bool {
	connected := s.prober.IsConnected()

	s.mu.Lock()
	prev := s.lastConnected
	s.lastConnected = &connected
	s.mu.Unlock()

	s.metrics.SetBusConnected(connected)
	switch {
	case prev == nil:
		s.logger.Debug("bus probe", "connected", connected)
	case *prev && !connected:
		s.logger.Warn("bus connection lost")
	case !*prev && connected:
		s.logger.Info("bus connection restored")
	}
	return connected
}

func (s *Sweeper) guard(stage string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweeper stage panicked",
				"stage", stage,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()))
		}
	}()
	fn()
}
