// Package metrics exposes the portal's prometheus collectors. Components take
// small collector interfaces; *Collector satisfies all of them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "portal"

// Collector holds every portal metric
type Collector struct {
	busConnected    prometheus.Gauge
	busStateChanges *prometheus.CounterVec

	bridgeRequests   *prometheus.CounterVec
	bridgePending    prometheus.Gauge
	bridgeDuration   *prometheus.HistogramVec
	bridgeDuplicates prometheus.Counter

	sweeperExpired      prometheus.Counter
	healthChecksExpired prometheus.Counter

	sessionsActive  prometheus.Gauge
	broadcastsSent  *prometheus.CounterVec
	deliveriesSent  prometheus.Counter
	deliveryDropped prometheus.Counter
	gatewayEvents   *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	circuitState *prometheus.GaugeVec
}

// NewRegistry returns a registry with the Go and process collectors installed
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates the collectors and registers them with reg
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		busConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bus", Name: "connected",
			Help: "1 while the bus connection is up.",
		}),
		busStateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "state_changes_total",
			Help: "Bus connection state transitions by new state.",
		}, []string{"state"}),
		bridgeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "requests_total",
			Help: "Request/reply calls by outcome.",
		}, []string{"outcome"}),
		bridgePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "pending",
			Help: "Requests currently waiting for a reply.",
		}),
		bridgeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "request_duration_seconds",
			Help:    "Time from publish to resolution.",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		bridgeDuplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bridge", Name: "duplicate_replies_total",
			Help: "Replies that arrived for an unknown or already resolved correlation id.",
		}),
		sweeperExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "expired_total",
			Help: "Pending replies resolved as timeouts by the sweeper.",
		}),
		healthChecksExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sweeper", Name: "health_checks_expired_total",
			Help: "Health check aggregations finalized by the grace period.",
		}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "active",
			Help: "Connected websocket sessions.",
		}),
		broadcastsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "broadcasts_total",
			Help: "Room broadcasts by event.",
		}, []string{"event"}),
		deliveriesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "deliveries_total",
			Help: "Events queued to individual sessions.",
		}),
		deliveryDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "sessions", Name: "dropped_total",
			Help: "Events dropped because a session's send buffer was full or closed.",
		}),
		gatewayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "gateway", Name: "events_total",
			Help: "Inbound websocket events by event name and result.",
		}, []string{"event", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "circuit", Name: "state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),
	}

	reg.MustRegister(
		c.busConnected, c.busStateChanges,
		c.bridgeRequests, c.bridgePending, c.bridgeDuration, c.bridgeDuplicates,
		c.sweeperExpired, c.healthChecksExpired,
		c.sessionsActive, c.broadcastsSent, c.deliveriesSent, c.deliveryDropped, c.gatewayEvents,
		c.httpRequests, c.httpDuration,
		c.circuitState,
	)
	return c
}

// SetBusConnected records the bus connection state
func (c *Collector) SetBusConnected(connected bool) {
	state := "disconnected"
	if connected {
		c.busConnected.Set(1)
		state = "connected"
	} else {
		c.busConnected.Set(0)
	}
	c.busStateChanges.WithLabelValues(state).Inc()
}

// ObserveRequest records one finished request/reply call
func (c *Collector) ObserveRequest(outcome string, d time.Duration) {
	c.bridgeRequests.WithLabelValues(outcome).Inc()
	c.bridgeDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// SetPending records the number of pending requests
func (c *Collector) SetPending(n int) {
	c.bridgePending.Set(float64(n))
}

// DuplicateReply counts a reply that resolved nothing
func (c *Collector) DuplicateReply() {
	c.bridgeDuplicates.Inc()
}

// Expired counts timeouts resolved by the sweeper
func (c *Collector) Expired(n int) {
	c.sweeperExpired.Add(float64(n))
}

// HealthChecksExpired counts health aggregations finalized by the sweeper
func (c *Collector) HealthChecksExpired(n int) {
	c.healthChecksExpired.Add(float64(n))
}

// SetSessions records the number of connected sessions
func (c *Collector) SetSessions(n int) {
	c.sessionsActive.Set(float64(n))
}

// Broadcast records one room broadcast and the deliveries it produced
func (c *Collector) Broadcast(event string, delivered, dropped int) {
	c.broadcastsSent.WithLabelValues(event).Inc()
	c.deliveriesSent.Add(float64(delivered))
	c.deliveryDropped.Add(float64(dropped))
}

// GatewayEvent records one inbound websocket event
func (c *Collector) GatewayEvent(event, result string) {
	c.gatewayEvents.WithLabelValues(event, result).Inc()
}

// ObserveHTTP records one HTTP request
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	c.httpRequests.WithLabelValues(method, route, statusLabel(status)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// SetCircuitState records a circuit breaker state
func (c *Collector) SetCircuitState(name string, state int) {
	c.circuitState.WithLabelValues(name).Set(float64(state))
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
